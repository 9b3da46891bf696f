package task

import (
	"time"
)

// EventType tags the event union.
type EventType string

const (
	EventPlanCreated        EventType = "plan_created"
	EventStepStarted        EventType = "step_started"
	EventThinking           EventType = "thinking"
	EventToolCalled         EventType = "tool_called"
	EventToolResult         EventType = "tool_result"
	EventStepComplete       EventType = "step_complete"
	EventApprovalNeeded     EventType = "approval_needed"
	EventTaskComplete       EventType = "task_complete"
	EventTaskFailed         EventType = "task_failed"
	EventTaskPaused         EventType = "task_paused"
	EventMetricsUpdate      EventType = "metrics_update"
	EventDelegationProgress EventType = "delegation_progress"
	EventDelegationComplete EventType = "delegation_complete"
)

// Progress is a compact snapshot of plan advancement.
type Progress struct {
	CompletedSteps int `json:"completed_steps"`
	TotalSteps     int `json:"total_steps"`
	Iteration      int `json:"iteration"`
}

// Event is a typed record attached to a task. Only the fields relevant to
// the variant are populated; Envelope is the wire projection sent to
// subscribers.
type Event struct {
	Type       EventType `json:"type"`
	TaskID     string    `json:"task_id"`
	StepID     string    `json:"step_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolArgs   string    `json:"tool_args,omitempty"`
	ToolResult string    `json:"tool_result,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Progress   *Progress `json:"progress,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// maxEventFieldChars bounds opaque event strings before emission.
const maxEventFieldChars = 2_000

func clipEventField(s string) string {
	if len(s) <= maxEventFieldChars {
		return s
	}
	return s[:maxEventFieldChars] + "..."
}

// Envelope returns the event with opaque fields truncated for emission.
func (e Event) Envelope() Event {
	e.Content = clipEventField(e.Content)
	e.ToolArgs = clipEventField(e.ToolArgs)
	e.ToolResult = clipEventField(e.ToolResult)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}
