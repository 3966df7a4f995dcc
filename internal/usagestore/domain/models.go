// Package domain contains persistence models for usage fact ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageFact stores one append-only measurement of actual product usage.
// Facts are summed per bucket, never overwritten; the
// (org, account, product, bucket, source_ref) tuple is unique so
// re-delivered events collapse onto the original row.
type UsageFact struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID      `gorm:"not null;index:idx_usage_actual_scope,priority:1;uniqueIndex:uq_usage_actual_fact,priority:1" json:"org_id"`
	AccountID  string            `gorm:"type:text;not null;index:idx_usage_actual_scope,priority:2;uniqueIndex:uq_usage_actual_fact,priority:2" json:"account_id"`
	ProductID  string            `gorm:"type:text;not null;index:idx_usage_actual_scope,priority:3;uniqueIndex:uq_usage_actual_fact,priority:3" json:"product_id"`
	TimeBucket time.Time         `gorm:"not null;index:idx_usage_actual_scope,priority:4;uniqueIndex:uq_usage_actual_fact,priority:4" json:"time_bucket"`
	Units      decimal.Decimal   `gorm:"type:numeric(15,4);not null" json:"units"`
	Source     string            `gorm:"type:text;not null" json:"source"`
	SourceRef  string            `gorm:"type:text;not null;uniqueIndex:uq_usage_actual_fact,priority:5" json:"source_ref"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageFact) TableName() string { return "usage_actual" }

// ReportedFact mirrors UsageFact for usage that was actually billed.
// BillingLineRef points at the downstream billing line item.
type ReportedFact struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID      `gorm:"not null;index:idx_usage_reported_scope,priority:1;uniqueIndex:uq_usage_reported_fact,priority:1" json:"org_id"`
	AccountID      string            `gorm:"type:text;not null;index:idx_usage_reported_scope,priority:2;uniqueIndex:uq_usage_reported_fact,priority:2" json:"account_id"`
	ProductID      string            `gorm:"type:text;not null;index:idx_usage_reported_scope,priority:3;uniqueIndex:uq_usage_reported_fact,priority:3" json:"product_id"`
	TimeBucket     time.Time         `gorm:"not null;index:idx_usage_reported_scope,priority:4;uniqueIndex:uq_usage_reported_fact,priority:4" json:"time_bucket"`
	Units          decimal.Decimal   `gorm:"type:numeric(15,4);not null" json:"units"`
	Source         string            `gorm:"type:text;not null" json:"source"`
	SourceRef      string            `gorm:"type:text;not null;uniqueIndex:uq_usage_reported_fact,priority:5" json:"source_ref"`
	BillingLineRef string            `gorm:"type:text" json:"billing_line_ref,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (ReportedFact) TableName() string { return "usage_reported" }

// BucketStart truncates a timestamp to its containing daily bucket, in UTC.
func BucketStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
