package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	auditdomain "github.com/smallbiznis/recoup/internal/audit/domain"
	"github.com/smallbiznis/recoup/internal/clock"
	"github.com/smallbiznis/recoup/internal/config"
	entdomain "github.com/smallbiznis/recoup/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/recoup/internal/observability/metrics"
	"github.com/smallbiznis/recoup/internal/orgcontext"
	"github.com/smallbiznis/recoup/internal/pricing"
	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
	usagedomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
	"github.com/smallbiznis/recoup/pkg/db/pagination"
)

const (
	defaultWorkers     = 8
	defaultPairTimeout = 30 * time.Second
)

type ServiceParam struct {
	fx.In

	Cfg          config.Config
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         recondomain.Repository
	Usage        usagedomain.Service
	Entitlements entdomain.Service
	Policy       *pricing.Provider
	Audit        auditdomain.Service `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo         recondomain.Repository
	usage        usagedomain.Service
	entitlements entdomain.Service
	policy       *pricing.Provider
	audit        auditdomain.Service
	obsMetrics   *obsmetrics.Metrics

	workers     int
	pairTimeout time.Duration

	// startLocks serializes Start per org+period so the in-transaction
	// RUNNING check cannot race with itself in-process.
	startLocks keyedMutex
	// cancels maps live run IDs to their cancel functions.
	cancels sync.Map
}

func NewService(p ServiceParam) recondomain.Service {
	workers := p.Cfg.ReconWorkers
	if workers <= 0 {
		workers = defaultWorkers
	}
	pairTimeout := time.Duration(p.Cfg.ReconPairTimeout) * time.Second
	if pairTimeout <= 0 {
		pairTimeout = defaultPairTimeout
	}

	return &Service{
		log:          p.Log.Named("recon.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		usage:        p.Usage,
		entitlements: p.Entitlements,
		policy:       p.Policy,
		audit:        p.Audit,
		obsMetrics:   p.ObsMetrics,
		workers:      workers,
		pairTimeout:  pairTimeout,
	}
}

// StartRun creates the run synchronously and hands execution to a
// background coordinator goroutine. The returned run is always RUNNING.
func (s *Service) StartRun(ctx context.Context, req recondomain.StartRunRequest) (*recondomain.ReconRun, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, recondomain.ErrInvalidOrganization
	}

	periodStart := req.PeriodStart.UTC()
	periodEnd := req.PeriodEnd.UTC()
	if periodStart.IsZero() || periodEnd.IsZero() || !periodEnd.After(periodStart) {
		return nil, recondomain.ErrInvalidPeriod
	}

	unlock := s.startLocks.Lock(startKey(orgID, periodStart, periodEnd))
	defer unlock()

	run := &recondomain.ReconRun{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Status:      recondomain.RunStatusRunning,
		StartedAt:   s.clock.Now(),
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	obsmetrics.Recon().IncRunStarted()
	s.obsMetrics.RecordReconRun(ctx, string(recondomain.RunStatusRunning))
	s.recordAudit(ctx, auditdomain.Entry{
		Action:     "recon.run.started",
		EntityType: "recon_run",
		EntityID:   run.ID.String(),
		After: map[string]any{
			"status":       string(run.Status),
			"period_start": run.PeriodStart,
			"period_end":   run.PeriodEnd,
		},
	})

	// The run outlives the request; execution gets its own context,
	// cancellable only via CancelRun. The coordinator goroutine owns the
	// run struct from here on, so the caller gets a snapshot.
	runCtx, cancel := context.WithCancel(orgcontext.WithOrgID(context.Background(), int64(orgID)))
	s.cancels.Store(run.ID, cancel)
	snapshot := *run
	go s.execute(runCtx, run)

	return &snapshot, nil
}

func (s *Service) GetRun(ctx context.Context, runID snowflake.ID) (*recondomain.ReconRun, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, recondomain.ErrInvalidOrganization
	}

	run, err := s.repo.FindRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil || run.OrgID != orgID {
		return nil, recondomain.ErrRunNotFound
	}
	return run, nil
}

func (s *Service) ListRuns(ctx context.Context, req recondomain.ListRunsRequest) ([]recondomain.ReconRun, *pagination.PageInfo, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, nil, recondomain.ErrInvalidOrganization
	}

	req.Pagination = req.Pagination.Normalize()
	runs, total, err := s.repo.ListRuns(ctx, orgID, req)
	if err != nil {
		return nil, nil, err
	}
	info := pagination.BuildPageInfo(total, req.Pagination)
	return runs, &info, nil
}

// CancelRun signals the coordinator to stop dispatching new pairs. The run
// ends FAILED with a cancelled reason once in-flight pairs drain.
func (s *Service) CancelRun(ctx context.Context, runID snowflake.ID) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return recondomain.ErrRunNotCancellable
	}

	value, ok := s.cancels.Load(runID)
	if !ok {
		return recondomain.ErrRunNotCancellable
	}
	value.(context.CancelFunc)()

	s.recordAudit(ctx, auditdomain.Entry{
		Action:     "recon.run.cancel_requested",
		EntityType: "recon_run",
		EntityID:   runID.String(),
	})
	return nil
}

func (s *Service) ListResults(ctx context.Context, req recondomain.ListResultsRequest) ([]recondomain.ReconResult, *pagination.PageInfo, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, nil, recondomain.ErrInvalidOrganization
	}

	req.Pagination = req.Pagination.Normalize()
	results, total, err := s.repo.ListResults(ctx, orgID, req)
	if err != nil {
		return nil, nil, err
	}
	info := pagination.BuildPageInfo(total, req.Pagination)
	return results, &info, nil
}

func (s *Service) GetResult(ctx context.Context, resultID snowflake.ID) (*recondomain.ReconResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, recondomain.ErrInvalidOrganization
	}

	result, err := s.repo.FindResult(ctx, resultID)
	if err != nil {
		return nil, err
	}
	if result == nil || result.OrgID != orgID {
		return nil, recondomain.ErrResultNotFound
	}
	return result, nil
}

func (s *Service) UpdateResultStatus(ctx context.Context, resultID snowflake.ID, next recondomain.ResultStatus) (*recondomain.ReconResult, error) {
	if !next.Valid() {
		return nil, recondomain.ErrInvalidResultStatus
	}

	result, err := s.GetResult(ctx, resultID)
	if err != nil {
		return nil, err
	}
	if !result.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", recondomain.ErrInvalidStatusTransition, result.Status, next)
	}

	previous := result.Status
	result.Status = next
	if err := s.repo.UpdateResultStatus(ctx, result); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, auditdomain.Entry{
		Action:     "recon.result.status_changed",
		EntityType: "recon_result",
		EntityID:   result.ID.String(),
		Before:     map[string]any{"status": string(previous)},
		After:      map[string]any{"status": string(next)},
	})
	s.obsMetrics.RecordReconResult(ctx, string(result.AnomalyType), string(result.Severity))

	return result, nil
}

func (s *Service) Summary(ctx context.Context) (*recondomain.Summary, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, recondomain.ErrInvalidOrganization
	}
	return s.repo.Summarize(ctx, orgID)
}

// recordAudit best-effort writes an audit entry. Audit misses are logged,
// never propagated.
func (s *Service) recordAudit(ctx context.Context, entry auditdomain.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log.Warn("audit record failed",
			zap.String("action", entry.Action),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err),
		)
	}
}

func startKey(orgID snowflake.ID, start, end time.Time) string {
	return fmt.Sprintf("%d|%d|%d", orgID, start.UnixNano(), end.UnixNano())
}

// keyedMutex hands out one mutex per key, released and reclaimed when the
// last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
