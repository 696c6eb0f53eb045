package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/mailer"
	"github.com/mailganti/opsconductor/common/queue"
)

// Dispatcher consumes notification events and mails them
type Dispatcher struct {
	q      queue.Queue
	mailer *mailer.Mailer
	log    *logger.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(q queue.Queue, m *mailer.Mailer, log *logger.Logger) *Dispatcher {
	return &Dispatcher{q: q, mailer: m, log: log}
}

// Start consumes events until the context is cancelled or the queue
// closes. Run it in its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	events := d.q.Subscribe(Topic)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-events:
			if !ok {
				return
			}
			d.handle(ctx, payload)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.log.Error("decode notification", "error", err)
		return
	}

	subject, body, err := Render(ev)
	if err != nil {
		d.log.Error("render notification", "type", ev.Type, "error", err)
		return
	}

	if err := d.mailer.Send(ctx, ev.To, subject, body); err != nil {
		d.log.Error("send notification",
			"type", ev.Type,
			"workflow_id", ev.WorkflowID,
			"to", strings.Join(ev.To, ","),
			"error", err,
		)
		return
	}
	d.log.Info("notification sent", "type", ev.Type, "workflow_id", ev.WorkflowID)
}

// subjectFor builds the mail subject line for an event
func subjectFor(ev Event) string {
	switch ev.Type {
	case EventWorkflowCreated:
		return fmt.Sprintf("[Action Required] Workflow %s awaiting approval", ev.WorkflowID)
	case EventWorkflowApproved:
		return fmt.Sprintf("Workflow %s approved", ev.WorkflowID)
	case EventWorkflowDenied:
		return fmt.Sprintf("Workflow %s denied", ev.WorkflowID)
	case EventWorkflowExecuted:
		return fmt.Sprintf("Workflow %s executed", ev.WorkflowID)
	case EventReexecRequested:
		return fmt.Sprintf("[Action Required] Re-execution requested for %s", ev.WorkflowID)
	case EventReexecApproved:
		return fmt.Sprintf("Re-execution approved for %s", ev.WorkflowID)
	}
	return fmt.Sprintf("Notification for %s", ev.WorkflowID)
}
