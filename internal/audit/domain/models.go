// Package domain defines the audit trail written around run lifecycle and
// result workflow mutations.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	"github.com/smallbiznis/recoup/pkg/db/pagination"
)

// AuditLog is one immutable before/after record of a state change.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID      `gorm:"not null;index:idx_audit_log_scope,priority:1" json:"org_id"`
	Actor      string            `gorm:"type:text;not null" json:"actor"`
	Action     string            `gorm:"type:text;not null;index:idx_audit_log_scope,priority:2" json:"action"`
	EntityType string            `gorm:"type:text;not null" json:"entity_type"`
	EntityID   string            `gorm:"type:text;not null;index" json:"entity_id"`
	Before     datatypes.JSONMap `json:"before,omitempty"`
	After      datatypes.JSONMap `json:"after,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_log" }

// Entry is one event to record. Actor defaults to "system" when empty.
type Entry struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Before     map[string]any
	After      map[string]any
}

// ListRequest filters the audit trail of one org.
type ListRequest struct {
	Action     string `form:"action"`
	EntityType string `form:"entity_type"`
	EntityID   string `form:"entity_id"`
	pagination.Pagination
}

type Service interface {
	// Record persists one entry. Failures are the caller's to log and
	// swallow; an audit miss must never fail the audited operation.
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, req ListRequest) ([]AuditLog, *pagination.PageInfo, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAction       = errors.New("invalid_action")
)
