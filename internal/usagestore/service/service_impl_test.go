package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/recoup/internal/orgcontext"
	"github.com/smallbiznis/recoup/internal/usagestore/repository"
	usagedomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
)

func setupService(t *testing.T) (usagedomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&usagedomain.UsageFact{}, &usagedomain.ReportedFact{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(db),
	})
	return svc, db, node
}

func orgCtx(orgID snowflake.ID) context.Context {
	return orgcontext.WithOrgID(context.Background(), int64(orgID))
}

func TestIngestActualIdempotent(t *testing.T) {
	svc, db, node := setupService(t)
	ctx := orgCtx(node.Generate())

	req := usagedomain.IngestFactRequest{
		AccountID:  "acme",
		ProductID:  "api_calls",
		RecordedAt: time.Date(2024, 1, 15, 13, 45, 0, 0, time.UTC),
		Units:      decimal.NewFromInt(1200),
		Source:     "collector",
		SourceRef:  "evt-001",
	}

	first, err := svc.IngestActual(ctx, req)
	require.NoError(t, err)

	second, err := svc.IngestActual(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Units.Equal(decimal.NewFromInt(1200)))

	var count int64
	require.NoError(t, db.Model(&usagedomain.UsageFact{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestBucketsByDay(t *testing.T) {
	svc, _, node := setupService(t)
	ctx := orgCtx(node.Generate())

	fact, err := svc.IngestActual(ctx, usagedomain.IngestFactRequest{
		AccountID:  "acme",
		ProductID:  "api_calls",
		RecordedAt: time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC),
		Units:      decimal.NewFromInt(10),
		Source:     "collector",
		SourceRef:  "evt-002",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), fact.TimeBucket)
}

func TestIngestGeneratesSourceRef(t *testing.T) {
	svc, db, node := setupService(t)
	ctx := orgCtx(node.Generate())

	base := usagedomain.IngestFactRequest{
		AccountID:  "acme",
		ProductID:  "api_calls",
		RecordedAt: time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC),
		Units:      decimal.NewFromInt(5),
		Source:     "collector",
	}

	first, err := svc.IngestActual(ctx, base)
	require.NoError(t, err)
	second, err := svc.IngestActual(ctx, base)
	require.NoError(t, err)

	// Without a caller-provided ref each delivery is a distinct fact.
	assert.NotEqual(t, first.SourceRef, second.SourceRef)
	assert.NotEmpty(t, first.SourceRef)

	var count int64
	require.NoError(t, db.Model(&usagedomain.UsageFact{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestIngestValidation(t *testing.T) {
	svc, _, node := setupService(t)
	ctx := orgCtx(node.Generate())

	valid := usagedomain.IngestFactRequest{
		AccountID:  "acme",
		ProductID:  "api_calls",
		RecordedAt: time.Now().UTC(),
		Units:      decimal.NewFromInt(1),
		Source:     "collector",
	}

	_, err := svc.IngestActual(context.Background(), valid)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidOrganization)

	missingAccount := valid
	missingAccount.AccountID = " "
	_, err = svc.IngestActual(ctx, missingAccount)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidAccount)

	negative := valid
	negative.Units = decimal.NewFromInt(-1)
	_, err = svc.IngestActual(ctx, negative)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidUnits)

	noSource := valid
	noSource.Source = ""
	_, err = svc.IngestActual(ctx, noSource)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidSource)
}

func TestAggregateSumsPerBucket(t *testing.T) {
	svc, _, node := setupService(t)
	orgID := node.Generate()
	ctx := orgCtx(orgID)

	day1 := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 1, 11, 9, 0, 0, 0, time.UTC)

	for i, ingest := range []usagedomain.IngestFactRequest{
		{AccountID: "acme", ProductID: "api_calls", RecordedAt: day1, Units: decimal.NewFromInt(100), Source: "collector"},
		{AccountID: "acme", ProductID: "api_calls", RecordedAt: day1.Add(2 * time.Hour), Units: decimal.NewFromInt(50), Source: "collector"},
		{AccountID: "acme", ProductID: "api_calls", RecordedAt: day2, Units: decimal.NewFromInt(25), Source: "collector"},
		{AccountID: "globex", ProductID: "storage_gb", RecordedAt: day1, Units: decimal.NewFromInt(7), Source: "collector"},
	} {
		ingest.SourceRef = fmt.Sprintf("evt-%d", i)
		_, err := svc.IngestActual(ctx, ingest)
		require.NoError(t, err)
	}

	query := usagedomain.AggregateQuery{
		OrgID:       orgID,
		PeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	rows, err := svc.AggregateActual(ctx, query)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byKey := map[string]decimal.Decimal{}
	for _, row := range rows {
		byKey[row.AccountID+"/"+row.ProductID+"/"+row.TimeBucket.Format("2006-01-02")] = row.Units
	}
	assert.True(t, byKey["acme/api_calls/2024-01-10"].Equal(decimal.NewFromInt(150)))
	assert.True(t, byKey["acme/api_calls/2024-01-11"].Equal(decimal.NewFromInt(25)))
	assert.True(t, byKey["globex/storage_gb/2024-01-10"].Equal(decimal.NewFromInt(7)))

	// Pure read: a second pass yields identical totals.
	again, err := svc.AggregateActual(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, rows, again)
}

func TestAggregateValidation(t *testing.T) {
	svc, _, node := setupService(t)
	ctx := orgCtx(node.Generate())

	_, err := svc.AggregateActual(ctx, usagedomain.AggregateQuery{})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidOrganization)

	_, err = svc.AggregateActual(ctx, usagedomain.AggregateQuery{
		OrgID:       node.Generate(),
		PeriodStart: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidPeriod)
}

func TestListActivePairsUnionsBothSeries(t *testing.T) {
	svc, _, node := setupService(t)
	orgID := node.Generate()
	ctx := orgCtx(orgID)

	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	_, err := svc.IngestActual(ctx, usagedomain.IngestFactRequest{
		AccountID: "acme", ProductID: "api_calls",
		RecordedAt: day, Units: decimal.NewFromInt(10), Source: "collector", SourceRef: "a-1",
	})
	require.NoError(t, err)

	// Reported-only pair must appear too, so a "billed but never metered"
	// discrepancy is visible downstream.
	_, err = svc.IngestReported(ctx, usagedomain.IngestFactRequest{
		AccountID: "globex", ProductID: "api_calls",
		RecordedAt: day, Units: decimal.NewFromInt(20), Source: "billing", SourceRef: "r-1",
	})
	require.NoError(t, err)

	pairs, err := svc.ListActivePairs(ctx, orgID,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	assert.ElementsMatch(t, []usagedomain.Pair{
		{AccountID: "acme", ProductID: "api_calls"},
		{AccountID: "globex", ProductID: "api_calls"},
	}, pairs)
}

func TestListActiveOrgs(t *testing.T) {
	svc, _, node := setupService(t)
	orgA := node.Generate()
	orgB := node.Generate()
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	for _, org := range []snowflake.ID{orgA, orgB} {
		_, err := svc.IngestActual(orgCtx(org), usagedomain.IngestFactRequest{
			AccountID: "acme", ProductID: "api_calls",
			RecordedAt: day, Units: decimal.NewFromInt(1), Source: "collector",
		})
		require.NoError(t, err)
	}

	orgs, err := svc.ListActiveOrgs(context.Background(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	assert.ElementsMatch(t, []snowflake.ID{orgA, orgB}, orgs)
}
