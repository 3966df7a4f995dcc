// Package domain defines recovery actions drafted from reconciliation
// results. Actual delivery (Stripe, CRM, email) happens in external
// collaborators; this package owns the draft/dispatch bookkeeping.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	"github.com/smallbiznis/recoup/pkg/db/pagination"
)

// Kind is the recovery channel an action targets.
type Kind string

const (
	KindStripeDraftInvoice Kind = "STRIPE_DRAFT_INVOICE"
	KindCRMTask            Kind = "CRM_TASK"
	KindEmailNotification  Kind = "EMAIL_NOTIFICATION"
)

// Valid reports whether k is a known channel.
func (k Kind) Valid() bool {
	switch k {
	case KindStripeDraftInvoice, KindCRMTask, KindEmailNotification:
		return true
	}
	return false
}

// Status is the delivery state of an action.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Action is one drafted recovery action bound to a reconciliation result.
type Action struct {
	ID       snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID    snowflake.ID `gorm:"not null;index:idx_actions_scope,priority:1" json:"org_id"`
	ResultID snowflake.ID `gorm:"not null;index" json:"result_id"`

	Kind        Kind              `gorm:"type:text;not null" json:"kind"`
	Status      Status            `gorm:"type:text;not null;default:PENDING;index:idx_actions_scope,priority:2" json:"status"`
	Payload     datatypes.JSONMap `json:"payload,omitempty"`
	ExternalRef string            `gorm:"type:text" json:"external_ref,omitempty"`
	ErrorReason string            `gorm:"type:text" json:"error_reason,omitempty"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CreatedAt    time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Action) TableName() string { return "actions" }

// DraftRequest asks for one action drafted from a result.
type DraftRequest struct {
	ResultID snowflake.ID   `json:"result_id"`
	Kind     Kind           `json:"kind"`
	Payload  map[string]any `json:"payload"`
}

// ListRequest filters the actions of one org.
type ListRequest struct {
	ResultID snowflake.ID `form:"result_id"`
	Kind     Kind         `form:"kind"`
	Status   Status       `form:"status"`
	pagination.Pagination
}

type Service interface {
	// Draft creates a PENDING action from a NEW or REVIEWED result and
	// walks the result forward to ACTION_DRAFTED.
	Draft(ctx context.Context, req DraftRequest) (*Action, error)
	Get(ctx context.Context, actionID snowflake.ID) (*Action, error)
	List(ctx context.Context, req ListRequest) ([]Action, *pagination.PageInfo, error)

	// Complete records a successful dispatch and moves the backing result
	// to ACTION_SENT.
	Complete(ctx context.Context, actionID snowflake.ID, externalRef string) (*Action, error)
	// Fail records a dispatch failure; the result stays ACTION_DRAFTED so
	// the action can be re-drafted.
	Fail(ctx context.Context, actionID snowflake.ID, reason string) (*Action, error)
	Cancel(ctx context.Context, actionID snowflake.ID) (*Action, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidKind         = errors.New("invalid_action_kind")
	ErrActionNotFound      = errors.New("action_not_found")
	ErrResultNotDraftable  = errors.New("result_not_draftable")
	ErrActionNotPending    = errors.New("action_not_pending")
)
