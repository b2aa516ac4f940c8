package store

import (
	"context"
	"encoding/json"
	"time"
)

// ToolcallStatus is the state of a guarded tool call.
type ToolcallStatus string

const (
	ToolcallPending  ToolcallStatus = "pending"
	ToolcallApproved ToolcallStatus = "approved"
	ToolcallRejected ToolcallStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s ToolcallStatus) Terminal() bool {
	return s == ToolcallApproved || s == ToolcallRejected
}

// PendingToolcall is a guarded agent action awaiting a human decision.
type PendingToolcall struct {
	ID              string          `json:"id"`
	DraftEventID    string          `json:"draftEventId"`
	OriginalEventID string          `json:"originalEventId"`
	ToolName        string          `json:"toolName"`
	ToolArgs        json.RawMessage `json:"toolArgs"`
	Status          ToolcallStatus  `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ToolcallStore persists PendingToolcall records. Only the approval
// workflow writes through it.
type ToolcallStore interface {
	CreateToolcall(ctx context.Context, tc *PendingToolcall) error

	// GetToolcall returns the record or a KindNotFound error.
	GetToolcall(ctx context.Context, id string) (*PendingToolcall, error)

	// ToolcallByDraft returns the record whose draft is draftEventID, or nil.
	ToolcallByDraft(ctx context.Context, draftEventID string) (*PendingToolcall, error)

	// TransitionToolcall moves a pending record to status. It reports false
	// without error when the record is no longer pending.
	TransitionToolcall(ctx context.Context, id string, status ToolcallStatus) (bool, error)
}
