package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/recoup/internal/observability/metrics"
	"github.com/smallbiznis/recoup/internal/orgcontext"
	usagestoredomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
	"github.com/smallbiznis/recoup/pkg/db"
	"github.com/smallbiznis/recoup/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       usagestoredomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	repo         usagestoredomain.Repository
	actualRepo   repository.Repository[usagestoredomain.UsageFact]
	reportedRepo repository.Repository[usagestoredomain.ReportedFact]
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagestoredomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usagestore.service"),

		genID:        p.GenID,
		repo:         p.Repo,
		actualRepo:   repository.ProvideStore[usagestoredomain.UsageFact](p.DB),
		reportedRepo: repository.ProvideStore[usagestoredomain.ReportedFact](p.DB),
		obsMetrics:   p.ObsMetrics,
	}
}

func (s *Service) IngestActual(ctx context.Context, req usagestoredomain.IngestFactRequest) (*usagestoredomain.UsageFact, error) {
	orgID, sourceRef, err := s.validateIngest(ctx, &req)
	if err != nil {
		return nil, err
	}

	fact := &usagestoredomain.UsageFact{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		AccountID:  req.AccountID,
		ProductID:  req.ProductID,
		TimeBucket: usagestoredomain.BucketStart(req.RecordedAt),
		Units:      req.Units,
		Source:     req.Source,
		SourceRef:  sourceRef,
		Metadata:   datatypes.JSONMap(req.Metadata),
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.actualRepo.Create(ctx, fact); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Re-delivery of an already ingested event: return the
			// original fact untouched.
			existing, findErr := s.actualRepo.FindOne(ctx, &usagestoredomain.UsageFact{
				OrgID:      fact.OrgID,
				AccountID:  fact.AccountID,
				ProductID:  fact.ProductID,
				TimeBucket: fact.TimeBucket,
				SourceRef:  fact.SourceRef,
			})
			if findErr != nil {
				return nil, wrapStoreErr(findErr)
			}
			return existing, nil
		}
		return nil, wrapStoreErr(err)
	}

	s.obsMetrics.RecordFactIngest(ctx, "actual")
	return fact, nil
}

func (s *Service) IngestReported(ctx context.Context, req usagestoredomain.IngestFactRequest) (*usagestoredomain.ReportedFact, error) {
	orgID, sourceRef, err := s.validateIngest(ctx, &req)
	if err != nil {
		return nil, err
	}

	fact := &usagestoredomain.ReportedFact{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		AccountID:      req.AccountID,
		ProductID:      req.ProductID,
		TimeBucket:     usagestoredomain.BucketStart(req.RecordedAt),
		Units:          req.Units,
		Source:         req.Source,
		SourceRef:      sourceRef,
		BillingLineRef: strings.TrimSpace(req.BillingLineRef),
		Metadata:       datatypes.JSONMap(req.Metadata),
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.reportedRepo.Create(ctx, fact); err != nil {
		if db.IsDuplicateKeyErr(err) {
			existing, findErr := s.reportedRepo.FindOne(ctx, &usagestoredomain.ReportedFact{
				OrgID:      fact.OrgID,
				AccountID:  fact.AccountID,
				ProductID:  fact.ProductID,
				TimeBucket: fact.TimeBucket,
				SourceRef:  fact.SourceRef,
			})
			if findErr != nil {
				return nil, wrapStoreErr(findErr)
			}
			return existing, nil
		}
		return nil, wrapStoreErr(err)
	}

	s.obsMetrics.RecordFactIngest(ctx, "reported")
	return fact, nil
}

func (s *Service) AggregateActual(ctx context.Context, q usagestoredomain.AggregateQuery) ([]usagestoredomain.BucketTotal, error) {
	if err := validateAggregate(q); err != nil {
		return nil, err
	}
	rows, err := s.repo.AggregateActual(ctx, q)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return rows, nil
}

func (s *Service) AggregateReported(ctx context.Context, q usagestoredomain.AggregateQuery) ([]usagestoredomain.BucketTotal, error) {
	if err := validateAggregate(q); err != nil {
		return nil, err
	}
	rows, err := s.repo.AggregateReported(ctx, q)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return rows, nil
}

func (s *Service) ListActivePairs(ctx context.Context, orgID snowflake.ID, periodStart, periodEnd time.Time) ([]usagestoredomain.Pair, error) {
	if orgID == 0 {
		return nil, usagestoredomain.ErrInvalidOrganization
	}
	if !periodEnd.After(periodStart) {
		return nil, usagestoredomain.ErrInvalidPeriod
	}
	pairs, err := s.repo.ListActivePairs(ctx, orgID, periodStart, periodEnd)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return pairs, nil
}

func (s *Service) ListActiveOrgs(ctx context.Context, periodStart, periodEnd time.Time) ([]snowflake.ID, error) {
	if !periodEnd.After(periodStart) {
		return nil, usagestoredomain.ErrInvalidPeriod
	}
	orgs, err := s.repo.ListActiveOrgs(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return orgs, nil
}

func (s *Service) validateIngest(ctx context.Context, req *usagestoredomain.IngestFactRequest) (snowflake.ID, string, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, "", usagestoredomain.ErrInvalidOrganization
	}

	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return 0, "", usagestoredomain.ErrInvalidAccount
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return 0, "", usagestoredomain.ErrInvalidProduct
	}
	if req.Units.IsNegative() {
		return 0, "", usagestoredomain.ErrInvalidUnits
	}
	if req.RecordedAt.IsZero() {
		return 0, "", usagestoredomain.ErrInvalidRecordedAt
	}
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		return 0, "", usagestoredomain.ErrInvalidSource
	}

	sourceRef := strings.TrimSpace(req.SourceRef)
	if sourceRef == "" {
		// No collector-supplied reference means no dedupe contract; a
		// generated ref keeps the uniqueness tuple total.
		sourceRef = "gen-" + s.genID.Generate().String()
	}
	return orgID, sourceRef, nil
}

func validateAggregate(q usagestoredomain.AggregateQuery) error {
	if q.OrgID == 0 {
		return usagestoredomain.ErrInvalidOrganization
	}
	if !q.PeriodEnd.After(q.PeriodStart) {
		return usagestoredomain.ErrInvalidPeriod
	}
	return nil
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", usagestoredomain.ErrStoreUnavailable, err)
}
