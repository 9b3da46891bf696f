package task

import (
	"encoding/json"
	"time"
)

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepComplete   StepStatus = "complete"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Step is the smallest unit the loop tracks; typically one to three tool
// calls.
type Step struct {
	ID            string       `json:"id"`
	Index         int          `json:"index"`
	Description   string       `json:"description"`
	ExpectedTools []string     `json:"expected_tools,omitempty"`
	DependsOn     []string     `json:"depends_on,omitempty"`
	Status        StepStatus   `json:"status"`
	ToolCalls     []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults   []ToolResult `json:"tool_results,omitempty"`
	Result        string       `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
	Attempts      int          `json:"attempts"`
}

// Plan is an ordered sequence of steps with dependency edges.
type Plan struct {
	Steps         []Step    `json:"steps"`
	Reasoning     string    `json:"reasoning,omitempty"`
	RevisionCount int       `json:"revision_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// NextEligibleStep returns the topologically first pending step whose
// dependencies are all complete, or nil when none is eligible.
func (p *Plan) NextEligibleStep() *Step {
	done := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Status == StepComplete {
			done[s.ID] = true
		}
	}

	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status != StepPending {
			continue
		}
		eligible := true
		for _, dep := range s.DependsOn {
			if !done[dep] {
				eligible = false
				break
			}
		}
		if eligible {
			return s
		}
	}
	return nil
}

// IsComplete reports whether every step finished as complete or skipped.
func (p *Plan) IsComplete() bool {
	for _, s := range p.Steps {
		if s.Status != StepComplete && s.Status != StepSkipped {
			return false
		}
	}
	return true
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// CompletedIDs returns the set of step ids whose status is complete.
func (p *Plan) CompletedIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, s := range p.Steps {
		if s.Status == StepComplete {
			ids[s.ID] = true
		}
	}
	return ids
}

// Marshal serializes the plan with stable field ordering.
func (p *Plan) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPlan deserializes a plan.
func UnmarshalPlan(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
