// Package domain contains the contractual entitlement model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Entitlement is the contracted included quantity and overage price for an
// account/product over a half-open [PeriodStart, PeriodEnd) interval.
// Intervals for one (account, product) must not overlap; overlapping rows
// are data corruption and surface as ErrAmbiguousEntitlement at read time.
type Entitlement struct {
	ID            snowflake.ID     `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID     `gorm:"not null;index:idx_entitlements_scope,priority:1" json:"org_id"`
	AccountID     string           `gorm:"type:text;not null;index:idx_entitlements_scope,priority:2" json:"account_id"`
	ProductID     string           `gorm:"type:text;not null;index:idx_entitlements_scope,priority:3" json:"product_id"`
	PeriodStart   time.Time        `gorm:"not null" json:"period_start"`
	PeriodEnd     time.Time        `gorm:"not null" json:"period_end"`
	IncludedUnits decimal.Decimal  `gorm:"type:numeric(15,4);not null" json:"included_units"`
	OverageRate   *decimal.Decimal `gorm:"type:numeric(10,4)" json:"overage_rate,omitempty"`
	BillingRef    string           `gorm:"type:text" json:"billing_ref,omitempty"`
	CreatedAt     time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Entitlement) TableName() string { return "entitlements" }

// Contains reports whether ts falls inside the half-open interval.
func (e Entitlement) Contains(ts time.Time) bool {
	return !ts.Before(e.PeriodStart) && ts.Before(e.PeriodEnd)
}

// Overlaps reports whether two half-open intervals overlap.
func (e Entitlement) Overlaps(start, end time.Time) bool {
	return e.PeriodStart.Before(end) && start.Before(e.PeriodEnd)
}
