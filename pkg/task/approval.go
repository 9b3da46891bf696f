package task

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsResolved reports whether the request can no longer change.
func (s ApprovalStatus) IsResolved() bool {
	return s != ApprovalPending
}

// ApprovalRequest asks a human to permit a tool call the guardrails did not
// auto-approve. Resolution is authorized only for the task's owning user.
type ApprovalRequest struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Workspace string         `json:"workspace"`
	Call      ToolCall       `json:"tool_call"`
	Risk      RiskLevel      `json:"risk"`
	Reason    string         `json:"reason"`
	Status    ApprovalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
	ResolvedAt time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
}

// NewApproval creates a pending approval request for the given tool call.
func NewApproval(taskID, workspace string, call ToolCall, risk RiskLevel, reason string, ttl time.Duration) *ApprovalRequest {
	a := &ApprovalRequest{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Workspace: workspace,
		Call:      call,
		Risk:      risk,
		Reason:    reason,
		Status:    ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		a.ExpiresAt = a.CreatedAt.Add(ttl)
	}
	return a
}

// Expired reports whether the request has a deadline in the past.
// Expiry is pull-checked: at resolution time and by the loop's wait poll.
func (a *ApprovalRequest) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}
