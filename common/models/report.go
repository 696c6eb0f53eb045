package models

import "time"

// RunStatus is the closed report-run state; transitions are monotonic
// toward a terminal state.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run reached an immutable state
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimeout, RunCancelled:
		return true
	}
	return false
}

// ParamType is the closed set of report parameter input types
type ParamType string

const (
	ParamText     ParamType = "text"
	ParamNumber   ParamType = "number"
	ParamDate     ParamType = "date"
	ParamSelect   ParamType = "select"
	ParamCheckbox ParamType = "checkbox"
	ParamTextarea ParamType = "textarea"
)

// Valid reports whether t is a known parameter type
func (t ParamType) Valid() bool {
	switch t {
	case ParamText, ParamNumber, ParamDate, ParamSelect, ParamCheckbox, ParamTextarea:
		return true
	}
	return false
}

// ReportParam is one declared parameter in a report's schema
type ReportParam struct {
	Name     string    `json:"name"`
	Label    string    `json:"label,omitempty"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required"`
	Default  any       `json:"default,omitempty"`
	Options  []string  `json:"options,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	// Constraint is an optional CEL expression over `value`; it must
	// evaluate to true for the supplied value to be accepted.
	Constraint string `json:"constraint,omitempty"`
}

// ReportScript is a registered read-only script; runs bypass approval
type ReportScript struct {
	ScriptID    string        `json:"script_id"`
	Name        string        `json:"name"`
	ScriptPath  string        `json:"script_path"`
	Category    string        `json:"category,omitempty"`
	Description string        `json:"description,omitempty"`
	TimeoutS    int           `json:"timeout_s"`
	Parameters  []ReportParam `json:"parameters,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ReportRun is one recorded execution of a report script
type ReportRun struct {
	RunID       string         `json:"run_id"`
	ScriptID    string         `json:"script_id"`
	TargetAgent string         `json:"target_agent"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	RunBy       string         `json:"run_by"`
}
