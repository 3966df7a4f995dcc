package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/recoup/internal/clock"
	"github.com/smallbiznis/recoup/internal/config"
	entdomain "github.com/smallbiznis/recoup/internal/entitlement/domain"
	entrepository "github.com/smallbiznis/recoup/internal/entitlement/repository"
	entservice "github.com/smallbiznis/recoup/internal/entitlement/service"
	"github.com/smallbiznis/recoup/internal/orgcontext"
	"github.com/smallbiznis/recoup/internal/pricing"
	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
	reconrepository "github.com/smallbiznis/recoup/internal/recon/repository"
	usagedomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
	usagerepository "github.com/smallbiznis/recoup/internal/usagestore/repository"
	usageservice "github.com/smallbiznis/recoup/internal/usagestore/service"
)

var (
	periodStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

type harness struct {
	db    *gorm.DB
	node  *snowflake.Node
	orgID snowflake.ID
	usage usagedomain.Service
	ents  entdomain.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&usagedomain.UsageFact{},
		&usagedomain.ReportedFact{},
		&entdomain.Entitlement{},
		&recondomain.ReconRun{},
		&recondomain.ReconResult{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	usage := usageservice.NewService(usageservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  usagerepository.Provide(db),
	})
	ents := entservice.NewService(entservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  entrepository.Provide(db),
	})

	return &harness{
		db:    db,
		node:  node,
		orgID: node.Generate(),
		usage: usage,
		ents:  ents,
	}
}

// service builds the reconciliation service over an arbitrary usage store,
// so tests can swap in failing or blocking stubs.
func (h *harness) service(usage usagedomain.Service) recondomain.Service {
	return NewService(ServiceParam{
		Cfg: config.Config{
			ReconWorkers:     4,
			ReconPairTimeout: 5,
		},
		Log:          zap.NewNop(),
		GenID:        h.node,
		Clock:        clock.NewSystemClock(),
		Repo:         reconrepository.Provide(h.db),
		Usage:        usage,
		Entitlements: h.ents,
		Policy:       pricing.NewProvider(config.Config{}, zap.NewNop()),
	})
}

func (h *harness) ctx() context.Context {
	return orgcontext.WithOrgID(context.Background(), int64(h.orgID))
}

func (h *harness) ingest(t *testing.T, account, product string, day int, actual, reported int64) {
	t.Helper()
	recordedAt := periodStart.AddDate(0, 0, day)
	if actual >= 0 {
		_, err := h.usage.IngestActual(h.ctx(), usagedomain.IngestFactRequest{
			AccountID:  account,
			ProductID:  product,
			RecordedAt: recordedAt,
			Units:      decimal.NewFromInt(actual),
			Source:     "collector",
			SourceRef:  fmt.Sprintf("a-%s-%s-%d", account, product, day),
		})
		require.NoError(t, err)
	}
	if reported >= 0 {
		_, err := h.usage.IngestReported(h.ctx(), usagedomain.IngestFactRequest{
			AccountID:  account,
			ProductID:  product,
			RecordedAt: recordedAt,
			Units:      decimal.NewFromInt(reported),
			Source:     "billing",
			SourceRef:  fmt.Sprintf("r-%s-%s-%d", account, product, day),
		})
		require.NoError(t, err)
	}
}

func (h *harness) entitle(t *testing.T, account, product string, included int64, overageRate string) {
	t.Helper()
	req := entdomain.CreateEntitlementRequest{
		AccountID:     account,
		ProductID:     product,
		PeriodStart:   periodStart,
		PeriodEnd:     periodEnd,
		IncludedUnits: decimal.NewFromInt(included),
	}
	if overageRate != "" {
		rate := decimal.RequireFromString(overageRate)
		req.OverageRate = &rate
	}
	_, err := h.ents.Create(h.ctx(), req)
	require.NoError(t, err)
}

func waitForRun(t *testing.T, svc recondomain.Service, ctx context.Context, runID snowflake.ID) *recondomain.ReconRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := svc.GetRun(ctx, runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", runID)
	return nil
}

func startRun(t *testing.T, svc recondomain.Service, ctx context.Context) *recondomain.ReconRun {
	t.Helper()
	run, err := svc.StartRun(ctx, recondomain.StartRunRequest{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	})
	require.NoError(t, err)
	require.Equal(t, recondomain.RunStatusRunning, run.Status)
	return run
}

func TestRunDetectsMissedOverage(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)
	ctx := h.ctx()

	h.entitle(t, "acme", "api_calls", 100000, "0.02")
	h.ingest(t, "acme", "api_calls", 5, 100000, 100000)
	h.ingest(t, "acme", "api_calls", 10, 25000, -1)

	run := startRun(t, svc, ctx)
	done := waitForRun(t, svc, ctx, run.ID)

	assert.Equal(t, recondomain.RunStatusCompleted, done.Status)
	assert.EqualValues(t, 1, done.AnomaliesFound)
	assert.True(t, done.TotalLeakValue.Equal(decimal.RequireFromString("500.00")),
		"total leak %s", done.TotalLeakValue)
	assert.EqualValues(t, 1, done.PairsProcessed)
	assert.Empty(t, done.ErrorMessage)
	require.NotNil(t, done.FinishedAt)

	results, page, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.EqualValues(t, 1, page.Total)

	result := results[0]
	assert.Equal(t, recondomain.AnomalyMissedOverage, result.AnomalyType)
	assert.Equal(t, recondomain.ResultStatusNew, result.Status)
	assert.True(t, result.LeakUnits.Equal(decimal.NewFromInt(25000)))
	assert.True(t, result.LeakValue.Equal(decimal.RequireFromString("500.00")))
	require.NotNil(t, result.EntitlementUnits)
	assert.True(t, result.EntitlementUnits.Equal(decimal.NewFromInt(100000)))
}

func TestStartRunReturnsDetachedSnapshot(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)
	ctx := h.ctx()

	h.ingest(t, "acme", "api_calls", 5, 50000, 40000)

	run := startRun(t, svc, ctx)
	done := waitForRun(t, svc, ctx, run.ID)
	require.Equal(t, recondomain.RunStatusCompleted, done.Status)

	// The struct handed back by StartRun belongs to the caller; the
	// coordinator finalizes its own copy, so no field changes under the
	// caller's feet.
	assert.Equal(t, recondomain.RunStatusRunning, run.Status)
	assert.EqualValues(t, 0, run.AnomaliesFound)
	assert.Nil(t, run.FinishedAt)
}

func TestRunEmitsNothingWithoutLeaks(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)
	ctx := h.ctx()

	h.ingest(t, "acme", "api_calls", 3, 90000, 95000)

	run := startRun(t, svc, ctx)
	done := waitForRun(t, svc, ctx, run.ID)

	assert.Equal(t, recondomain.RunStatusCompleted, done.Status)
	assert.EqualValues(t, 0, done.AnomaliesFound)
	assert.True(t, done.TotalLeakValue.IsZero())

	results, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStartRunValidation(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)

	_, err := svc.StartRun(context.Background(), recondomain.StartRunRequest{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	})
	assert.ErrorIs(t, err, recondomain.ErrInvalidOrganization)

	_, err = svc.StartRun(h.ctx(), recondomain.StartRunRequest{
		PeriodStart: periodEnd,
		PeriodEnd:   periodStart,
	})
	assert.ErrorIs(t, err, recondomain.ErrInvalidPeriod)
}

// usageStub wraps a real usage service and lets tests override individual
// calls.
type usageStub struct {
	usagedomain.Service
	listActivePairs func(ctx context.Context, orgID snowflake.ID, periodStart, periodEnd time.Time) ([]usagedomain.Pair, error)
	aggregateActual func(ctx context.Context, q usagedomain.AggregateQuery) ([]usagedomain.BucketTotal, error)
}

func (s *usageStub) ListActivePairs(ctx context.Context, orgID snowflake.ID, periodStart, periodEnd time.Time) ([]usagedomain.Pair, error) {
	if s.listActivePairs != nil {
		return s.listActivePairs(ctx, orgID, periodStart, periodEnd)
	}
	return s.Service.ListActivePairs(ctx, orgID, periodStart, periodEnd)
}

func (s *usageStub) AggregateActual(ctx context.Context, q usagedomain.AggregateQuery) ([]usagedomain.BucketTotal, error) {
	if s.aggregateActual != nil {
		return s.aggregateActual(ctx, q)
	}
	return s.Service.AggregateActual(ctx, q)
}

func TestMutualExclusionPerOrgPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx()

	gate := make(chan struct{})
	var once sync.Once
	stub := &usageStub{
		Service: h.usage,
		listActivePairs: func(ctx context.Context, orgID snowflake.ID, periodStart, periodEnd time.Time) ([]usagedomain.Pair, error) {
			<-gate
			return nil, nil
		},
	}
	svc := h.service(stub)
	defer once.Do(func() { close(gate) })

	first := startRun(t, svc, ctx)

	_, err := svc.StartRun(ctx, recondomain.StartRunRequest{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	})
	assert.ErrorIs(t, err, recondomain.ErrRunAlreadyInProgress)

	// A different period is not blocked.
	other, err := svc.StartRun(ctx, recondomain.StartRunRequest{
		PeriodStart: periodEnd,
		PeriodEnd:   periodEnd.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	once.Do(func() { close(gate) })
	waitForRun(t, svc, ctx, first.ID)
	waitForRun(t, svc, ctx, other.ID)
}

func TestRerunCreatesIndependentRun(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)
	ctx := h.ctx()

	h.ingest(t, "acme", "api_calls", 5, 50000, 40000)

	first := startRun(t, svc, ctx)
	waitForRun(t, svc, ctx, first.ID)

	second := startRun(t, svc, ctx)
	require.NotEqual(t, first.ID, second.ID)
	waitForRun(t, svc, ctx, second.ID)

	// Each run owns a fresh result set; nothing is merged or deduplicated.
	for _, runID := range []snowflake.ID{first.ID, second.ID} {
		results, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: runID})
		require.NoError(t, err)
		assert.Len(t, results, 1, "run %s", runID)
	}
}

func TestListRunsPeriodFilter(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)
	ctx := h.ctx()

	first := startRun(t, svc, ctx)
	waitForRun(t, svc, ctx, first.ID)

	second, err := svc.StartRun(ctx, recondomain.StartRunRequest{
		PeriodStart: periodEnd,
		PeriodEnd:   periodEnd.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	waitForRun(t, svc, ctx, second.ID)

	all, _, err := svc.ListRuns(ctx, recondomain.ListRunsRequest{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, page, err := svc.ListRuns(ctx, recondomain.ListRunsRequest{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, first.ID, filtered[0].ID)
}

func TestPartialFailureContainment(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)
	ctx := h.ctx()

	h.ingest(t, "p1", "api_calls", 5, 50000, 40000)
	h.ingest(t, "p2", "api_calls", 5, 30000, 10000)
	h.ingest(t, "p3", "api_calls", 5, 20000, 15000)

	// Corrupt p2 with two entitlements covering the same instants so
	// resolution is ambiguous for every bucket in the period.
	for i := 0; i < 2; i++ {
		require.NoError(t, h.db.Create(&entdomain.Entitlement{
			ID:            h.node.Generate(),
			OrgID:         h.orgID,
			AccountID:     "p2",
			ProductID:     "api_calls",
			PeriodStart:   periodStart,
			PeriodEnd:     periodEnd,
			IncludedUnits: decimal.NewFromInt(1000),
		}).Error)
	}

	run := startRun(t, svc, ctx)
	done := waitForRun(t, svc, ctx, run.ID)

	assert.Equal(t, recondomain.RunStatusFailed, done.Status)
	assert.EqualValues(t, 1, done.PairFailures)
	assert.Contains(t, done.ErrorMessage, "1 pair failure")
	assert.Contains(t, done.ErrorMessage, "p2")

	// The healthy pairs' results survived the failed run.
	results, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID})
	require.NoError(t, err)
	accounts := make([]string, 0, len(results))
	for _, r := range results {
		accounts = append(accounts, r.AccountID)
	}
	assert.ElementsMatch(t, []string{"p1", "p3"}, accounts)
	assert.EqualValues(t, 2, done.AnomaliesFound)
}

func TestPreflightStoreFailureFailsFast(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx()

	stub := &usageStub{
		Service: h.usage,
		listActivePairs: func(context.Context, snowflake.ID, time.Time, time.Time) ([]usagedomain.Pair, error) {
			return nil, fmt.Errorf("%w: connection refused", usagedomain.ErrStoreUnavailable)
		},
	}
	svc := h.service(stub)

	run := startRun(t, svc, ctx)
	done := waitForRun(t, svc, ctx, run.ID)

	assert.Equal(t, recondomain.RunStatusFailed, done.Status)
	assert.EqualValues(t, 0, done.PairsProcessed)
	assert.EqualValues(t, 0, done.AnomaliesFound)
	assert.Contains(t, done.ErrorMessage, "pair enumeration failed")

	results, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMidRunStoreFailureIsContained(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx()

	h.ingest(t, "ok", "api_calls", 5, 50000, 40000)
	h.ingest(t, "broken", "api_calls", 5, 30000, 10000)

	stub := &usageStub{
		Service: h.usage,
		aggregateActual: func(ctx context.Context, q usagedomain.AggregateQuery) ([]usagedomain.BucketTotal, error) {
			if q.AccountID == "broken" {
				return nil, fmt.Errorf("%w: read timeout", usagedomain.ErrStoreUnavailable)
			}
			return h.usage.AggregateActual(ctx, q)
		},
	}
	svc := h.service(stub)

	run := startRun(t, svc, ctx)
	done := waitForRun(t, svc, ctx, run.ID)

	assert.Equal(t, recondomain.RunStatusFailed, done.Status)
	assert.EqualValues(t, 1, done.PairFailures)
	assert.EqualValues(t, 1, done.AnomaliesFound)

	results, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].AccountID)
}

func TestCancelRunKeepsPartialResults(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx()

	h.ingest(t, "a1", "api_calls", 5, 50000, 40000)
	h.ingest(t, "a2", "api_calls", 5, 30000, 10000)
	h.ingest(t, "a3", "api_calls", 5, 20000, 15000)

	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	stub := &usageStub{
		Service: h.usage,
		aggregateActual: func(ctx context.Context, q usagedomain.AggregateQuery) ([]usagedomain.BucketTotal, error) {
			first := false
			once.Do(func() { first = true })
			if first {
				close(started)
				<-gate
			}
			return h.usage.AggregateActual(ctx, q)
		},
	}

	svc := NewService(ServiceParam{
		Cfg: config.Config{
			ReconWorkers:     1,
			ReconPairTimeout: 5,
		},
		Log:          zap.NewNop(),
		GenID:        h.node,
		Clock:        clock.NewSystemClock(),
		Repo:         reconrepository.Provide(h.db),
		Usage:        stub,
		Entitlements: h.ents,
		Policy:       pricing.NewProvider(config.Config{}, zap.NewNop()),
	})

	run := startRun(t, svc, ctx)

	// Cancel only once the first pair is in flight on the single worker.
	<-started
	require.NoError(t, svc.CancelRun(ctx, run.ID))
	// Give the dispatcher a beat to observe cancellation before the worker
	// frees up, so the remaining pairs are never handed out.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	done := waitForRun(t, svc, ctx, run.ID)
	assert.Equal(t, recondomain.RunStatusFailed, done.Status)
	assert.Equal(t, "cancelled", done.ErrorMessage)

	// The in-flight pair finished and its result was kept.
	results, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
	assert.Less(t, len(results), 3)

	// A terminal run cannot be cancelled again.
	err = svc.CancelRun(ctx, run.ID)
	assert.ErrorIs(t, err, recondomain.ErrRunNotCancellable)
}

func TestTerminalErrorMessage(t *testing.T) {
	assert.Equal(t, "", terminalErrorMessage(false, 0, ""))
	assert.Equal(t, "cancelled", terminalErrorMessage(true, 0, ""))
	assert.Equal(t,
		"acme/api_calls: boom (2 pair failure(s))",
		terminalErrorMessage(false, 2, "acme/api_calls: boom"))
	assert.Equal(t,
		"cancelled; acme/api_calls: boom (1 pair failure(s))",
		terminalErrorMessage(true, 1, "acme/api_calls: boom"))
}

func TestUpdateResultStatusTransitions(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)
	ctx := h.ctx()

	h.ingest(t, "acme", "api_calls", 5, 50000, 40000)
	run := startRun(t, svc, ctx)
	waitForRun(t, svc, ctx, run.ID)

	results, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, results, 1)
	resultID := results[0].ID

	// NEW cannot jump straight to ACTION_SENT.
	_, err = svc.UpdateResultStatus(ctx, resultID, recondomain.ResultStatusActionSent)
	assert.ErrorIs(t, err, recondomain.ErrInvalidStatusTransition)

	updated, err := svc.UpdateResultStatus(ctx, resultID, recondomain.ResultStatusReviewed)
	require.NoError(t, err)
	assert.Equal(t, recondomain.ResultStatusReviewed, updated.Status)

	updated, err = svc.UpdateResultStatus(ctx, resultID, recondomain.ResultStatusActionDrafted)
	require.NoError(t, err)
	assert.Equal(t, recondomain.ResultStatusActionDrafted, updated.Status)

	// No way back.
	_, err = svc.UpdateResultStatus(ctx, resultID, recondomain.ResultStatusNew)
	assert.ErrorIs(t, err, recondomain.ErrInvalidStatusTransition)
	_, err = svc.UpdateResultStatus(ctx, resultID, recondomain.ResultStatusDismissed)
	assert.ErrorIs(t, err, recondomain.ErrInvalidStatusTransition)

	updated, err = svc.UpdateResultStatus(ctx, resultID, recondomain.ResultStatusActionSent)
	require.NoError(t, err)
	assert.Equal(t, recondomain.ResultStatusActionSent, updated.Status)

	_, err = svc.UpdateResultStatus(ctx, resultID, "SHIPPED")
	assert.ErrorIs(t, err, recondomain.ErrInvalidResultStatus)
}

func TestListResultsFiltersAndPagination(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)
	ctx := h.ctx()

	// Three leaking pairs with different magnitudes.
	h.entitle(t, "big", "api_calls", 100000, "0.05")
	h.ingest(t, "big", "api_calls", 5, 125000, 100000)
	h.ingest(t, "mid", "api_calls", 5, 30000, 20000)
	h.ingest(t, "small", "storage_gb", 5, 1000, 900)

	run := startRun(t, svc, ctx)
	waitForRun(t, svc, ctx, run.ID)

	all, page, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.EqualValues(t, 3, page.Total)
	assert.False(t, page.HasMore)

	// Highest leak value first.
	assert.Equal(t, "big", all[0].AccountID)

	req := recondomain.ListResultsRequest{RunID: run.ID}
	req.Limit = 2
	firstPage, page, err := svc.ListResults(ctx, req)
	require.NoError(t, err)
	assert.Len(t, firstPage, 2)
	assert.EqualValues(t, 3, page.Total)
	assert.True(t, page.HasMore)

	req.Offset = 2
	secondPage, page, err := svc.ListResults(ctx, req)
	require.NoError(t, err)
	assert.Len(t, secondPage, 1)
	assert.False(t, page.HasMore)

	byAccount, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID, AccountID: "mid"})
	require.NoError(t, err)
	require.Len(t, byAccount, 1)
	assert.Equal(t, "mid", byAccount[0].AccountID)

	byType, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID, AnomalyType: recondomain.AnomalyMissedOverage})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "big", byType[0].AccountID)

	minLeak := decimal.NewFromInt(100)
	byValue, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{RunID: run.ID, MinLeakValue: &minLeak})
	require.NoError(t, err)
	require.Len(t, byValue, 1)
	assert.Equal(t, "big", byValue[0].AccountID)
}

func TestGetRunScopedToOrg(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)
	ctx := h.ctx()

	run := startRun(t, svc, ctx)
	waitForRun(t, svc, ctx, run.ID)

	otherOrg := orgcontext.WithOrgID(context.Background(), int64(h.node.Generate()))
	_, err := svc.GetRun(otherOrg, run.ID)
	assert.ErrorIs(t, err, recondomain.ErrRunNotFound)

	_, err = svc.GetRun(ctx, h.node.Generate())
	assert.ErrorIs(t, err, recondomain.ErrRunNotFound)
}

func TestSummary(t *testing.T) {
	h := newHarness(t)
	svc := h.service(h.usage)
	ctx := h.ctx()

	h.entitle(t, "big", "api_calls", 100000, "0.05")
	h.ingest(t, "big", "api_calls", 5, 125000, 100000)
	h.ingest(t, "mid", "api_calls", 5, 30000, 20000)

	run := startRun(t, svc, ctx)
	waitForRun(t, svc, ctx, run.ID)

	summary, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, summary.OpenResults)
	assert.True(t, summary.OpenLeakValue.Equal(decimal.RequireFromString("1250.00")),
		"open leak %s", summary.OpenLeakValue)
	require.NotNil(t, summary.LastRun)
	assert.Equal(t, run.ID, summary.LastRun.ID)

	// Dismissed results drop out of the open exposure.
	results, _, err := svc.ListResults(ctx, recondomain.ListResultsRequest{AccountID: "mid"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	_, err = svc.UpdateResultStatus(ctx, results[0].ID, recondomain.ResultStatusDismissed)
	require.NoError(t, err)

	summary, err = svc.Summary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.OpenResults)
}

func TestWaitForRunSeesRunningFirst(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx()

	gate := make(chan struct{})
	stub := &usageStub{
		Service: h.usage,
		listActivePairs: func(context.Context, snowflake.ID, time.Time, time.Time) ([]usagedomain.Pair, error) {
			<-gate
			return nil, nil
		},
	}
	svc := h.service(stub)

	run := startRun(t, svc, ctx)

	// Status is observable as RUNNING while execution is in flight.
	current, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, recondomain.RunStatusRunning, current.Status)
	assert.Nil(t, current.FinishedAt)

	close(gate)
	done := waitForRun(t, svc, ctx, run.ID)
	assert.Equal(t, recondomain.RunStatusCompleted, done.Status)
	assert.EqualValues(t, 0, done.PairsProcessed)
}
