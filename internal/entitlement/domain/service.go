package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CreateEntitlementRequest struct {
	AccountID     string           `json:"account_id"`
	ProductID     string           `json:"product_id"`
	PeriodStart   time.Time        `json:"period_start"`
	PeriodEnd     time.Time        `json:"period_end"`
	IncludedUnits decimal.Decimal  `json:"included_units"`
	OverageRate   *decimal.Decimal `json:"overage_rate"`
	BillingRef    string           `json:"billing_ref"`
}

type ListEntitlementsRequest struct {
	AccountID string `form:"account_id"`
	ProductID string `form:"product_id"`
}

type Service interface {
	Create(ctx context.Context, req CreateEntitlementRequest) (*Entitlement, error)
	List(ctx context.Context, req ListEntitlementsRequest) ([]Entitlement, error)

	// NewResolver builds a run-scoped resolver. The resolver caches the
	// sorted interval list per (account, product) for the lifetime of one
	// reconciliation run and is safe for concurrent use; discard it when
	// the run ends.
	NewResolver(orgID snowflake.ID) Resolver
}

// Resolver answers point-in-time entitlement lookups.
type Resolver interface {
	// Resolve returns the entitlement whose interval contains ts, nil
	// when none does and ErrAmbiguousEntitlement when more than one does.
	Resolve(ctx context.Context, accountID, productID string, ts time.Time) (*Entitlement, error)
}

// Repository is the persistence contract for entitlements.
type Repository interface {
	// WithTrx rebinds the repository to an open transaction so reads can
	// share it with writes.
	WithTrx(tx *gorm.DB) Repository
	ListByPair(ctx context.Context, orgID snowflake.ID, accountID, productID string) ([]Entitlement, error)
	ListOverlapping(ctx context.Context, orgID snowflake.ID, accountID, productID string, start, end time.Time) ([]Entitlement, error)
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidProduct        = errors.New("invalid_product")
	ErrInvalidPeriod         = errors.New("invalid_period")
	ErrInvalidIncludedUnits  = errors.New("invalid_included_units")
	ErrInvalidOverageRate    = errors.New("invalid_overage_rate")
	ErrOverlappingPeriod     = errors.New("overlapping_entitlement_period")
	ErrAmbiguousEntitlement  = errors.New("ambiguous_entitlement")
	ErrEntitlementStoreFault = errors.New("entitlement_store_fault")
)
