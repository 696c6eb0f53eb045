package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
)

// Mail bodies share one dark-theme shell with a detail table per event.
var mailTmpl = template.Must(template.New("mail").Parse(`<!DOCTYPE html>
<html>
<body style="margin:0;padding:24px;background-color:#1e1e2e;font-family:Segoe UI,Arial,sans-serif;color:#cdd6f4;">
  <div style="max-width:640px;margin:0 auto;background-color:#2a2a3c;border-radius:8px;padding:24px;">
    <h2 style="margin-top:0;color:#89b4fa;">{{.Heading}}</h2>
    <p>{{.Intro}}</p>
    <table style="width:100%;border-collapse:collapse;">
      {{- range .Rows}}
      <tr>
        <td style="padding:8px;border-bottom:1px solid #45475a;color:#a6adc8;white-space:nowrap;">{{.Key}}</td>
        <td style="padding:8px;border-bottom:1px solid #45475a;">{{.Value}}</td>
      </tr>
      {{- end}}
    </table>
    {{- if .Link}}
    <p style="margin-top:24px;">
      <a href="{{.Link}}" style="color:#89b4fa;">Open in dashboard</a>
    </p>
    {{- end}}
    <p style="margin-top:24px;color:#6c7086;font-size:12px;">This is an automated message from OpsConductor.</p>
  </div>
</body>
</html>`))

type mailRow struct {
	Key   string
	Value string
}

type mailData struct {
	Heading string
	Intro   string
	Rows    []mailRow
	Link    string
}

// Render produces the subject and HTML body for one event
func Render(ev Event) (subject, body string, err error) {
	data := mailData{Link: ev.DashboardURL}

	rows := []mailRow{
		{"Workflow", ev.WorkflowID},
	}
	if ev.ScriptID != "" {
		rows = append(rows, mailRow{"Script", ev.ScriptID})
	}
	if len(ev.Targets) > 0 {
		rows = append(rows, mailRow{"Targets", strings.Join(ev.Targets, ", ")})
	}
	if ev.Requestor != "" {
		rows = append(rows, mailRow{"Requested by", ev.Requestor})
	}

	switch ev.Type {
	case EventWorkflowCreated:
		data.Heading = "Workflow awaiting approval"
		data.Intro = "A new workflow request needs your approval."
		if ev.Reason != "" {
			rows = append(rows, mailRow{"Reason", ev.Reason})
		}
	case EventWorkflowApproved:
		data.Heading = "Workflow approved"
		data.Intro = "Your workflow request has been fully approved and is ready to execute."
		if ev.Approver != "" {
			rows = append(rows, mailRow{"Approved by", ev.Approver})
		}
	case EventWorkflowDenied:
		data.Heading = "Workflow denied"
		data.Intro = "Your workflow request was denied."
		if ev.Approver != "" {
			rows = append(rows, mailRow{"Denied by", ev.Approver})
		}
		if ev.Reason != "" {
			rows = append(rows, mailRow{"Reason", ev.Reason})
		}
	case EventWorkflowExecuted:
		data.Heading = "Workflow executed"
		data.Intro = "Your workflow has finished executing."
		for _, agent := range sortedAgents(ev.ExitCodes) {
			rows = append(rows, mailRow{
				Key:   "Exit code (" + agent + ")",
				Value: fmt.Sprintf("%d", ev.ExitCodes[agent]),
			})
		}
	case EventReexecRequested:
		data.Heading = "Re-execution requested"
		data.Intro = "A requestor is asking to re-execute a completed workflow."
		if ev.Note != "" {
			rows = append(rows, mailRow{"Note", ev.Note})
		}
	case EventReexecApproved:
		data.Heading = "Re-execution approved"
		data.Intro = "Your re-execution request was approved. Use the one-time token below; it expires shortly and can be used once."
		rows = append(rows, mailRow{"Execution token", ev.Token})
	default:
		return "", "", fmt.Errorf("unknown event type %q", ev.Type)
	}

	data.Rows = rows

	var buf bytes.Buffer
	if err := mailTmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("execute mail template: %w", err)
	}
	return subjectFor(ev), buf.String(), nil
}

func sortedAgents(codes map[string]int) []string {
	agents := make([]string, 0, len(codes))
	for a := range codes {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	return agents
}
