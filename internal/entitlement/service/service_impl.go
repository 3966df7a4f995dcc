package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/recoup/internal/entitlement/domain"
	"github.com/smallbiznis/recoup/internal/orgcontext"
	"github.com/smallbiznis/recoup/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  entitlementdomain.Repository
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	repo  entitlementdomain.Repository
	store repository.Repository[entitlementdomain.Entitlement]
}

func NewService(p ServiceParam) entitlementdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("entitlement.service"),

		genID: p.GenID,
		repo:  p.Repo,
		store: repository.ProvideStore[entitlementdomain.Entitlement](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req entitlementdomain.CreateEntitlementRequest) (*entitlementdomain.Entitlement, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, entitlementdomain.ErrInvalidOrganization
	}

	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return nil, entitlementdomain.ErrInvalidAccount
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return nil, entitlementdomain.ErrInvalidProduct
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		return nil, entitlementdomain.ErrInvalidPeriod
	}
	if req.IncludedUnits.IsNegative() {
		return nil, entitlementdomain.ErrInvalidIncludedUnits
	}
	if req.OverageRate != nil && req.OverageRate.IsNegative() {
		return nil, entitlementdomain.ErrInvalidOverageRate
	}

	ent := &entitlementdomain.Entitlement{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		AccountID:     req.AccountID,
		ProductID:     req.ProductID,
		PeriodStart:   req.PeriodStart.UTC(),
		PeriodEnd:     req.PeriodEnd.UTC(),
		IncludedUnits: req.IncludedUnits,
		OverageRate:   req.OverageRate,
		BillingRef:    strings.TrimSpace(req.BillingRef),
		CreatedAt:     time.Now().UTC(),
	}

	// Overlap check and insert share one transaction so two concurrent
	// creates cannot both pass validation.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		overlapping, err := s.repo.WithTrx(tx).ListOverlapping(ctx, orgID, ent.AccountID, ent.ProductID, ent.PeriodStart, ent.PeriodEnd)
		if err != nil {
			return wrapStoreErr(err)
		}
		if len(overlapping) > 0 {
			return entitlementdomain.ErrOverlappingPeriod
		}
		return s.store.WithTrx(tx).Create(ctx, ent)
	})
	if err != nil {
		if errors.Is(err, entitlementdomain.ErrOverlappingPeriod) {
			return nil, err
		}
		return nil, wrapStoreErr(err)
	}
	return ent, nil
}

func (s *Service) List(ctx context.Context, req entitlementdomain.ListEntitlementsRequest) ([]entitlementdomain.Entitlement, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, entitlementdomain.ErrInvalidOrganization
	}

	stmt := s.db.WithContext(ctx).Where("org_id = ?", orgID)
	if account := strings.TrimSpace(req.AccountID); account != "" {
		stmt = stmt.Where("account_id = ?", account)
	}
	if product := strings.TrimSpace(req.ProductID); product != "" {
		stmt = stmt.Where("product_id = ?", product)
	}

	var rows []entitlementdomain.Entitlement
	if err := stmt.Order("account_id, product_id, period_start").Find(&rows).Error; err != nil {
		return nil, wrapStoreErr(err)
	}
	return rows, nil
}

func (s *Service) NewResolver(orgID snowflake.ID) entitlementdomain.Resolver {
	return &resolver{
		orgID: orgID,
		repo:  s.repo,
	}
}

// resolver caches sorted interval lists per (account, product) for the
// duration of one reconciliation run. Multiple workers may resolve the same
// pair concurrently; sync.Map keeps population race-free and entries are
// read-only once stored.
type resolver struct {
	orgID snowflake.ID
	repo  entitlementdomain.Repository
	cache sync.Map // "account\x00product" -> []entitlementdomain.Entitlement
}

func (r *resolver) Resolve(ctx context.Context, accountID, productID string, ts time.Time) (*entitlementdomain.Entitlement, error) {
	intervals, err := r.intervals(ctx, accountID, productID)
	if err != nil {
		return nil, err
	}

	var match *entitlementdomain.Entitlement
	for i := range intervals {
		if !intervals[i].Contains(ts) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: account=%s product=%s ts=%s",
				entitlementdomain.ErrAmbiguousEntitlement, accountID, productID, ts.Format(time.RFC3339))
		}
		match = &intervals[i]
	}
	return match, nil
}

func (r *resolver) intervals(ctx context.Context, accountID, productID string) ([]entitlementdomain.Entitlement, error) {
	key := accountID + "\x00" + productID
	if cached, ok := r.cache.Load(key); ok {
		return cached.([]entitlementdomain.Entitlement), nil
	}

	rows, err := r.repo.ListByPair(ctx, r.orgID, accountID, productID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	actual, _ := r.cache.LoadOrStore(key, rows)
	return actual.([]entitlementdomain.Entitlement), nil
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", entitlementdomain.ErrEntitlementStoreFault, err)
}
