package task

import (
	"time"
)

// RiskLevel grades the blast radius of a tool.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// rank orders risk levels for threshold comparisons. Unknown levels,
// including the zero value, rank below low so comparisons fail closed.
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// AtMost reports whether r is at or below the given threshold. Unknown
// values on either side fail closed: an unrecognized risk is never within
// any threshold, and an unrecognized threshold admits nothing.
func (r RiskLevel) AtMost(threshold RiskLevel) bool {
	rr, tr := r.rank(), threshold.rank()
	if rr < 0 || tr < 0 {
		return false
	}
	return rr <= tr
}

// MaxOutputChars bounds tool output; longer outputs are truncated with a
// marker.
const MaxOutputChars = 10_000

// TruncationMarker is appended to outputs cut at MaxOutputChars.
const TruncationMarker = "\n... [output truncated]"

// ToolCall is an LLM-requested invocation of a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	CallID        string        `json:"call_id"`
	Success       bool          `json:"success"`
	Output        string        `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time_ms"`
}

// TruncateOutput enforces the MaxOutputChars bound on a result's output.
func TruncateOutput(s string) string {
	if len(s) <= MaxOutputChars {
		return s
	}
	return s[:MaxOutputChars] + TruncationMarker
}
