package models

import "time"

// WorkflowStatus is the closed workflow life cycle state
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusApproved  WorkflowStatus = "approved"
	StatusDenied    WorkflowStatus = "denied"
	StatusExecuting WorkflowStatus = "executing"
	StatusExecuted  WorkflowStatus = "executed"
	StatusFailed    WorkflowStatus = "failed"
	StatusExpired   WorkflowStatus = "expired"
)

// Terminal reports whether the status is immutable
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// CanTransition is the total transition function over the state machine.
// Every pair not listed is illegal.
func (s WorkflowStatus) CanTransition(to WorkflowStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusApproved || to == StatusDenied || to == StatusExpired
	case StatusApproved:
		return to == StatusExecuting
	case StatusExecuting:
		return to == StatusExecuted || to == StatusFailed
	}
	return false
}

// Workflow is an approval-gated request to run a script on target agents
type Workflow struct {
	WorkflowID             string         `json:"workflow_id"`
	ScriptID               string         `json:"script_id"`
	Targets                []string       `json:"targets"`
	Requestor              string         `json:"requestor"`
	RequestorEmail         string         `json:"requestor_email,omitempty"`
	Reason                 string         `json:"reason,omitempty"`
	RequiredApprovalLevels int            `json:"required_approval_levels"`
	NotifyEmail            string         `json:"notify_email,omitempty"`
	TTLMinutes             int            `json:"ttl_minutes"`
	ScriptParams           map[string]any `json:"script_params,omitempty"`
	Status                 WorkflowStatus `json:"status"`
	CreatedAt              time.Time      `json:"created_at"`
	ExpiresAt              time.Time      `json:"expires_at"`
	Approvals              []Approval     `json:"approvals,omitempty"`
}

// Expired reports whether the workflow's TTL elapsed while still pending
func (w *Workflow) Expired(now time.Time) bool {
	return w.Status == StatusPending && now.After(w.ExpiresAt)
}

// EffectiveStatus applies lazy expiry on read
func (w *Workflow) EffectiveStatus(now time.Time) WorkflowStatus {
	if w.Expired(now) {
		return StatusExpired
	}
	return w.Status
}

// Approval is one recorded approval for a workflow
type Approval struct {
	WorkflowID string    `json:"workflow_id"`
	Approver   string    `json:"approver"`
	Level      int       `json:"level"`
	ApprovedAt time.Time `json:"approved_at"`
}

// AuditEntry is one append-only audit record for a workflow
type AuditEntry struct {
	ID         int64     `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	User       string    `json:"user"`
	Note       string    `json:"note,omitempty"`
}

// ExecutionToken is a single-use right to re-execute a workflow
type ExecutionToken struct {
	Token      string    `json:"token"`
	WorkflowID string    `json:"workflow_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Used       bool      `json:"used"`
	UsedBy     string    `json:"used_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReexecStatus is the state of a re-execution approval request
type ReexecStatus string

const (
	ReexecPending  ReexecStatus = "pending"
	ReexecApproved ReexecStatus = "approved"
	ReexecDenied   ReexecStatus = "denied"
)

// ReexecRequest is a queued request for a one-time re-execution token
type ReexecRequest struct {
	RequestID      string       `json:"request_id"`
	WorkflowID     string       `json:"workflow_id"`
	Requester      string       `json:"requester"`
	RequesterEmail string       `json:"requester_email,omitempty"`
	Note           string       `json:"note,omitempty"`
	Status         ReexecStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
}
