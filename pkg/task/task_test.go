package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTransitions(t *testing.T) {
	tk := New("user-1", "ws-1", "do something")
	assert.Equal(t, StatusPlanning, tk.Status)

	require.NoError(t, tk.Transition(StatusExecuting))
	require.NoError(t, tk.Complete("done"))
	assert.Equal(t, StatusComplete, tk.Status)
	assert.False(t, tk.EndedAt.IsZero())
}

func TestTerminalTaskNeverTransitions(t *testing.T) {
	for _, terminal := range []Status{StatusComplete, StatusFailed, StatusCancelled} {
		tk := New("u", "w", "g")
		tk.Status = terminal

		for _, next := range []Status{
			StatusPlanning, StatusExecuting, StatusObserving, StatusReflecting,
			StatusWaitingApproval, StatusPaused, StatusComplete, StatusFailed, StatusCancelled,
		} {
			err := tk.Transition(next)
			assert.ErrorIs(t, err, ErrTerminalTask, "from %s to %s", terminal, next)
			assert.Equal(t, terminal, tk.Status)
		}
	}
}

func TestFailSetsError(t *testing.T) {
	tk := New("u", "w", "g")
	require.NoError(t, tk.Fail("Tool call limit exceeded"))
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Contains(t, tk.Error, "Tool call limit")
}

func TestPlanNextEligibleStep(t *testing.T) {
	p := &Plan{Steps: []Step{
		{ID: "s1", Index: 0, Status: StepComplete},
		{ID: "s2", Index: 1, Status: StepPending, DependsOn: []string{"s1"}},
		{ID: "s3", Index: 2, Status: StepPending, DependsOn: []string{"s2"}},
	}}

	next := p.NextEligibleStep()
	require.NotNil(t, next)
	assert.Equal(t, "s2", next.ID)

	next.Status = StepComplete
	next = p.NextEligibleStep()
	require.NotNil(t, next)
	assert.Equal(t, "s3", next.ID)
}

func TestPlanStepBlockedByIncompleteDependency(t *testing.T) {
	p := &Plan{Steps: []Step{
		{ID: "s1", Status: StepFailed},
		{ID: "s2", Status: StepPending, DependsOn: []string{"s1"}},
	}}
	assert.Nil(t, p.NextEligibleStep())
}

func TestPlanIsComplete(t *testing.T) {
	p := &Plan{Steps: []Step{
		{ID: "s1", Status: StepComplete},
		{ID: "s2", Status: StepSkipped},
	}}
	assert.True(t, p.IsComplete())

	p.Steps = append(p.Steps, Step{ID: "s3", Status: StepFailed})
	assert.False(t, p.IsComplete())
}

func TestPlanSerializeRoundTrip(t *testing.T) {
	p := &Plan{
		Steps: []Step{
			{ID: "s1", Index: 0, Description: "first", ExpectedTools: []string{"a"}, Status: StepComplete},
			{ID: "s2", Index: 1, Description: "second", DependsOn: []string{"s1"}, Status: StepPending},
		},
		Reasoning:     "two steps",
		RevisionCount: 1,
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	first, err := p.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalPlan(first)
	require.NoError(t, err)

	second, err := decoded.Marshal()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTruncateOutput(t *testing.T) {
	short := "ok"
	assert.Equal(t, short, TruncateOutput(short))

	long := strings.Repeat("x", MaxOutputChars+500)
	truncated := TruncateOutput(long)
	assert.True(t, strings.HasSuffix(truncated, TruncationMarker))
	assert.Len(t, truncated, MaxOutputChars+len(TruncationMarker))
}

func TestApprovalExpiry(t *testing.T) {
	a := NewApproval("t1", "w1", ToolCall{Name: "file_write"}, RiskHigh, "risky", time.Minute)
	assert.False(t, a.Expired(time.Now()))
	assert.True(t, a.Expired(time.Now().Add(2*time.Minute)))

	noTTL := NewApproval("t1", "w1", ToolCall{Name: "file_write"}, RiskHigh, "risky", 0)
	assert.False(t, noTTL.Expired(time.Now().Add(24*time.Hour)))
}

func TestRiskLevelOrdering(t *testing.T) {
	assert.True(t, RiskLow.AtMost(RiskMedium))
	assert.True(t, RiskMedium.AtMost(RiskMedium))
	assert.False(t, RiskCritical.AtMost(RiskHigh))

	// Unknown values fail closed on both sides of the comparison: an
	// unrecognized risk is never within any threshold, and an empty or
	// unrecognized threshold auto-approves nothing.
	assert.False(t, RiskLevel("weird").AtMost(RiskMedium))
	assert.False(t, RiskLevel("weird").AtMost(RiskCritical))
	assert.False(t, RiskHigh.AtMost(RiskLevel("")))
	assert.False(t, RiskLow.AtMost(RiskLevel("")))
	assert.False(t, RiskLow.AtMost(RiskLevel("weird")))
}

func TestEventEnvelopeClipsOpaqueFields(t *testing.T) {
	ev := Event{
		Type:       EventToolResult,
		TaskID:     "t1",
		ToolResult: strings.Repeat("y", 5000),
	}
	env := ev.Envelope()
	assert.LessOrEqual(t, len(env.ToolResult), 2003)
	assert.False(t, env.Timestamp.IsZero())
}
