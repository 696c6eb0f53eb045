// Package notify turns engine events into email. The engine publishes
// events on the queue and returns immediately; a dispatcher goroutine
// renders and sends mail. Failures are logged and never reach the
// state transition that triggered them.
package notify

import (
	"context"
	"encoding/json"

	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/queue"
)

// Topic is the queue topic notification events travel on
const Topic = "notifications"

// Event types emitted by the workflow engine
const (
	EventWorkflowCreated  = "workflow.created"
	EventWorkflowApproved = "workflow.approved"
	EventWorkflowDenied   = "workflow.denied"
	EventWorkflowExecuted = "workflow.executed"
	EventReexecRequested  = "reexec.requested"
	EventReexecApproved   = "reexec.approved"
)

// Event is one notification to be mailed
type Event struct {
	Type       string   `json:"type"`
	To         []string `json:"to"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	ScriptID   string   `json:"script_id,omitempty"`
	Requestor  string   `json:"requestor,omitempty"`
	Targets    []string `json:"targets,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Approver   string   `json:"approver,omitempty"`
	// ExitCodes maps agent name to exit code for executed workflows
	ExitCodes map[string]int `json:"exit_codes,omitempty"`
	Token     string         `json:"token,omitempty"`
	Note      string         `json:"note,omitempty"`
	// DashboardURL links the recipient back to the workflow
	DashboardURL string `json:"dashboard_url,omitempty"`
}

// Notifier publishes events onto the queue. Publish never returns an
// error to callers; a failed publish is logged and dropped.
type Notifier struct {
	q   queue.Queue
	log *logger.Logger
}

// NewNotifier creates a notifier over the given queue
func NewNotifier(q queue.Queue, log *logger.Logger) *Notifier {
	return &Notifier{q: q, log: log}
}

// Publish enqueues one event, best effort
func (n *Notifier) Publish(ctx context.Context, ev Event) {
	if len(ev.To) == 0 {
		n.log.Debug("notification without recipients dropped", "type", ev.Type)
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("marshal notification", "type", ev.Type, "error", err)
		return
	}
	if err := n.q.Publish(ctx, Topic, payload); err != nil {
		n.log.Error("publish notification", "type", ev.Type, "error", err)
	}
}
