package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"

	"github.com/smallbiznis/recoup/pkg/db/pagination"
)

// StartRunRequest asks for one reconciliation run over a half-open period.
type StartRunRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// ListRunsRequest filters the run history of one org.
type ListRunsRequest struct {
	Status RunStatus `form:"status"`
	// PeriodStart and PeriodEnd, when both set, narrow to runs covering
	// exactly that period.
	PeriodStart time.Time `form:"period_start" time_format:"2006-01-02T15:04:05Z07:00"`
	PeriodEnd   time.Time `form:"period_end" time_format:"2006-01-02T15:04:05Z07:00"`
	pagination.Pagination
}

// ListResultsRequest filters results across runs of one org.
type ListResultsRequest struct {
	RunID         snowflake.ID `form:"run_id"`
	AccountID     string       `form:"account_id"`
	ProductID     string       `form:"product_id"`
	AnomalyType   AnomalyType  `form:"anomaly_type"`
	Status        ResultStatus `form:"status"`
	Severity      Severity     `form:"severity"`
	PeriodStart   time.Time    `form:"period_start" time_format:"2006-01-02T15:04:05Z07:00"`
	PeriodEnd     time.Time    `form:"period_end" time_format:"2006-01-02T15:04:05Z07:00"`
	MinLeakValue  *decimal.Decimal `form:"min_leak_value"`
	MinConfidence *float64         `form:"min_confidence"`
	pagination.Pagination
}

// Summary aggregates open leak exposure for dashboards.
type Summary struct {
	OpenResults    int64           `json:"open_results"`
	OpenLeakValue  decimal.Decimal `json:"open_leak_value"`
	HighSeverity   int64           `json:"high_severity"`
	MediumSeverity int64           `json:"medium_severity"`
	LowSeverity    int64           `json:"low_severity"`
	LastRun        *ReconRun       `json:"last_run,omitempty"`
}

type Service interface {
	// StartRun creates a RUNNING run and returns immediately; execution
	// proceeds in the background. Completion is observed via GetRun.
	StartRun(ctx context.Context, req StartRunRequest) (*ReconRun, error)
	GetRun(ctx context.Context, runID snowflake.ID) (*ReconRun, error)
	ListRuns(ctx context.Context, req ListRunsRequest) ([]ReconRun, *pagination.PageInfo, error)

	// CancelRun requests cooperative cancellation: in-flight pairs finish,
	// no new pairs are dispatched, the run ends FAILED with a cancelled
	// reason and partial results are kept.
	CancelRun(ctx context.Context, runID snowflake.ID) error

	ListResults(ctx context.Context, req ListResultsRequest) ([]ReconResult, *pagination.PageInfo, error)
	GetResult(ctx context.Context, resultID snowflake.ID) (*ReconResult, error)

	// UpdateResultStatus applies one forward workflow transition. The
	// engine never calls this; it belongs to operators and the action
	// dispatcher.
	UpdateResultStatus(ctx context.Context, resultID snowflake.ID, next ResultStatus) (*ReconResult, error)

	Summary(ctx context.Context) (*Summary, error)
}

// Repository is the persistence contract for runs and results.
type Repository interface {
	// CreateRun inserts the run after verifying, inside the same
	// transaction, that no RUNNING run exists for the org+period. Returns
	// ErrRunAlreadyInProgress on conflict.
	CreateRun(ctx context.Context, run *ReconRun) error
	UpdateRun(ctx context.Context, run *ReconRun) error
	FindRun(ctx context.Context, runID snowflake.ID) (*ReconRun, error)
	ListRuns(ctx context.Context, orgID snowflake.ID, req ListRunsRequest) ([]ReconRun, int64, error)

	CreateResult(ctx context.Context, result *ReconResult) error
	FindResult(ctx context.Context, resultID snowflake.ID) (*ReconResult, error)
	ListResults(ctx context.Context, orgID snowflake.ID, req ListResultsRequest) ([]ReconResult, int64, error)
	UpdateResultStatus(ctx context.Context, result *ReconResult) error

	Summarize(ctx context.Context, orgID snowflake.ID) (*Summary, error)
}

var (
	ErrInvalidOrganization     = errors.New("invalid_organization")
	ErrInvalidPeriod           = errors.New("invalid_period")
	ErrRunAlreadyInProgress    = errors.New("run_already_in_progress")
	ErrRunNotFound             = errors.New("run_not_found")
	ErrRunNotCancellable       = errors.New("run_not_cancellable")
	ErrResultNotFound          = errors.New("result_not_found")
	ErrInvalidResultStatus     = errors.New("invalid_result_status")
	ErrInvalidStatusTransition = errors.New("invalid_status_transition")
)
