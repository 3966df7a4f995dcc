package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// IngestFactRequest carries one fact for either series.
type IngestFactRequest struct {
	AccountID      string          `json:"account_id"`
	ProductID      string          `json:"product_id"`
	RecordedAt     time.Time       `json:"recorded_at"`
	Units          decimal.Decimal `json:"units"`
	Source         string          `json:"source"`
	SourceRef      string          `json:"source_ref"`
	BillingLineRef string          `json:"billing_line_ref"`
	Metadata       map[string]any  `json:"metadata"`
}

// AggregateQuery bounds an aggregation to one org and a half-open period.
// AccountID and ProductID are optional narrowing filters.
type AggregateQuery struct {
	OrgID       snowflake.ID
	AccountID   string
	ProductID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// BucketTotal is one grouped row of an aggregation: summed units for an
// (account, product, bucket) triple.
type BucketTotal struct {
	AccountID  string          `json:"account_id"`
	ProductID  string          `json:"product_id"`
	TimeBucket time.Time       `json:"time_bucket"`
	Units      decimal.Decimal `json:"units"`
}

// Pair identifies an account/product combination with usage activity.
type Pair struct {
	AccountID string `json:"account_id"`
	ProductID string `json:"product_id"`
}

type Service interface {
	IngestActual(ctx context.Context, req IngestFactRequest) (*UsageFact, error)
	IngestReported(ctx context.Context, req IngestFactRequest) (*ReportedFact, error)

	// AggregateActual and AggregateReported sum units grouped by
	// (account, product, bucket) inside [PeriodStart, PeriodEnd). Pure
	// reads; they fail with ErrStoreUnavailable rather than returning a
	// partial aggregate.
	AggregateActual(ctx context.Context, q AggregateQuery) ([]BucketTotal, error)
	AggregateReported(ctx context.Context, q AggregateQuery) ([]BucketTotal, error)

	// ListActivePairs returns every distinct (account, product) pair that
	// appears in either series during the period.
	ListActivePairs(ctx context.Context, orgID snowflake.ID, periodStart, periodEnd time.Time) ([]Pair, error)

	// ListActiveOrgs returns orgs with any actual usage during the period.
	ListActiveOrgs(ctx context.Context, periodStart, periodEnd time.Time) ([]snowflake.ID, error)
}

// Repository is the raw query layer backing the service.
type Repository interface {
	AggregateActual(ctx context.Context, q AggregateQuery) ([]BucketTotal, error)
	AggregateReported(ctx context.Context, q AggregateQuery) ([]BucketTotal, error)
	ListActivePairs(ctx context.Context, orgID snowflake.ID, periodStart, periodEnd time.Time) ([]Pair, error)
	ListActiveOrgs(ctx context.Context, periodStart, periodEnd time.Time) ([]snowflake.ID, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidProduct      = errors.New("invalid_product")
	ErrInvalidUnits        = errors.New("invalid_units")
	ErrInvalidRecordedAt   = errors.New("invalid_recorded_at")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrStoreUnavailable    = errors.New("store_unavailable")
)
