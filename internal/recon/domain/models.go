// Package domain defines reconciliation runs and their results.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// AnomalyType classifies a detected leak.
type AnomalyType string

const (
	AnomalyUnderReported AnomalyType = "UNDER_REPORTED"
	AnomalyMissedOverage AnomalyType = "MISSED_OVERAGE"
	AnomalyRenewalDrift  AnomalyType = "RENEWAL_DRIFT"
)

// Severity buckets a result by business impact.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// ResultStatus is the operator-driven workflow state of a result. The
// engine writes NEW once at creation and never mutates it afterwards.
type ResultStatus string

const (
	ResultStatusNew           ResultStatus = "NEW"
	ResultStatusReviewed      ResultStatus = "REVIEWED"
	ResultStatusActionDrafted ResultStatus = "ACTION_DRAFTED"
	ResultStatusActionSent    ResultStatus = "ACTION_SENT"
	ResultStatusDismissed     ResultStatus = "DISMISSED"
)

// forwardTransitions lists the allowed moves. Workflow state only moves
// forward; there is no way back from DISMISSED or ACTION_SENT.
var forwardTransitions = map[ResultStatus][]ResultStatus{
	ResultStatusNew:           {ResultStatusReviewed, ResultStatusDismissed},
	ResultStatusReviewed:      {ResultStatusActionDrafted, ResultStatusDismissed},
	ResultStatusActionDrafted: {ResultStatusActionSent},
}

// CanTransition reports whether moving from s to next is allowed.
func (s ResultStatus) CanTransition(next ResultStatus) bool {
	for _, allowed := range forwardTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known workflow state.
func (s ResultStatus) Valid() bool {
	switch s {
	case ResultStatusNew, ResultStatusReviewed, ResultStatusActionDrafted,
		ResultStatusActionSent, ResultStatusDismissed:
		return true
	}
	return false
}

// ReconRun is one execution of the reconciliation algorithm over one org
// and one half-open period. Terminal runs are never re-opened; re-running
// the same period creates a new row.
type ReconRun struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID `gorm:"not null;index:idx_recon_runs_scope,priority:1" json:"org_id"`
	PeriodStart time.Time    `gorm:"not null;index:idx_recon_runs_scope,priority:2" json:"period_start"`
	PeriodEnd   time.Time    `gorm:"not null;index:idx_recon_runs_scope,priority:3" json:"period_end"`

	Status         RunStatus       `gorm:"type:text;not null;index" json:"status"`
	AnomaliesFound int64           `gorm:"not null;default:0" json:"anomalies_found"`
	TotalLeakValue decimal.Decimal `gorm:"type:numeric(15,4);not null;default:0" json:"total_leak_value"`
	PairsProcessed int64           `gorm:"not null;default:0" json:"pairs_processed"`
	PairFailures   int64           `gorm:"not null;default:0" json:"pair_failures"`
	ErrorMessage   string          `gorm:"type:text" json:"error_message,omitempty"`

	StartedAt  time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ReconRun) TableName() string { return "recon_runs" }

// ReconResult is one detected discrepancy for an (account, product) pair
// inside a run's period. A run exclusively owns its results.
type ReconResult struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id"`
	RunID snowflake.ID `gorm:"not null;index" json:"run_id"`
	Run   *ReconRun    `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"-"`

	OrgID       snowflake.ID `gorm:"not null;index:idx_recon_results_scope,priority:1" json:"org_id"`
	AccountID   string       `gorm:"type:text;not null;index:idx_recon_results_scope,priority:2" json:"account_id"`
	ProductID   string       `gorm:"type:text;not null;index:idx_recon_results_scope,priority:3" json:"product_id"`
	PeriodStart time.Time    `gorm:"not null" json:"period_start"`
	PeriodEnd   time.Time    `gorm:"not null" json:"period_end"`

	ActualUnits      decimal.Decimal  `gorm:"type:numeric(15,4);not null" json:"actual_units"`
	ReportedUnits    decimal.Decimal  `gorm:"type:numeric(15,4);not null" json:"reported_units"`
	EntitlementUnits *decimal.Decimal `gorm:"type:numeric(15,4)" json:"entitlement_units,omitempty"`
	OverageRate      *decimal.Decimal `gorm:"type:numeric(10,4)" json:"overage_rate,omitempty"`
	LeakUnits        decimal.Decimal  `gorm:"type:numeric(15,4);not null" json:"leak_units"`
	LeakValue        decimal.Decimal  `gorm:"type:numeric(15,4);not null" json:"leak_value"`

	AnomalyType AnomalyType  `gorm:"type:text;not null;index" json:"anomaly_type"`
	Confidence  float64      `gorm:"not null" json:"confidence"`
	Severity    Severity     `gorm:"type:text;not null;index" json:"severity"`
	Status      ResultStatus `gorm:"type:text;not null;default:NEW;index" json:"status"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ReconResult) TableName() string { return "recon_results" }
