package persona

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

func TestExplicitSignalsApplyImmediately(t *testing.T) {
	tr := NewTracker()
	tr.RecordExplicit("alice", "code_style", "language", "Go")

	prefs := tr.Get("alice")
	require.NotNil(t, prefs)
	assert.Equal(t, "Go", prefs.CodeStyle["language"])
}

func TestInferredNeedsCorroboration(t *testing.T) {
	tr := NewTracker()
	obs := Observation{Field: "communication_style", Key: "tone", Value: "terse", Confidence: 0.8}

	tr.RecordInferred("alice", obs)
	tr.RecordInferred("alice", obs)
	assert.Nil(t, tr.Get("alice"))

	tr.RecordInferred("alice", obs)
	prefs := tr.Get("alice")
	require.NotNil(t, prefs)
	assert.Equal(t, "terse", prefs.CommunicationStyle["tone"])
}

func TestInferredLowConfidenceNeverPromotes(t *testing.T) {
	tr := NewTracker()
	obs := Observation{Field: "workflow", Key: "review", Value: "pair", Confidence: 0.3}

	for i := 0; i < 5; i++ {
		tr.RecordInferred("alice", obs)
	}
	assert.Nil(t, tr.Get("alice"))
}

func TestInferredAverageConfidenceGate(t *testing.T) {
	tr := NewTracker()
	mk := func(conf float64) Observation {
		return Observation{Field: "workflow", Key: "tests", Value: "first", Confidence: conf}
	}

	// Average of 0.9, 0.5, 0.5 is below 0.6 at the third observation;
	// the fourth lifts it to 0.625.
	tr.RecordInferred("alice", mk(0.9))
	tr.RecordInferred("alice", mk(0.5))
	tr.RecordInferred("alice", mk(0.5))
	assert.Nil(t, tr.Get("alice"))

	tr.RecordInferred("alice", mk(0.6))
	require.NotNil(t, tr.Get("alice"))
}

func TestConflictingValuesCountSeparately(t *testing.T) {
	tr := NewTracker()
	terse := Observation{Field: "communication_style", Key: "tone", Value: "terse", Confidence: 0.9}
	verbose := Observation{Field: "communication_style", Key: "tone", Value: "verbose", Confidence: 0.9}

	tr.RecordInferred("alice", terse)
	tr.RecordInferred("alice", verbose)
	tr.RecordInferred("alice", terse)
	assert.Nil(t, tr.Get("alice"))

	tr.RecordInferred("alice", terse)
	prefs := tr.Get("alice")
	require.NotNil(t, prefs)
	assert.Equal(t, "terse", prefs.CommunicationStyle["tone"])
}

func TestPromptSection(t *testing.T) {
	tr := NewTracker()
	tk := task.New("alice", "ws1", "goal")

	assert.Empty(t, tr.PromptSection(context.Background(), tk))

	tr.RecordExplicit("alice", "code_style", "language", "Go")
	tr.RecordExplicit("alice", "workflow", "tests", "always")

	section := tr.PromptSection(context.Background(), tk)
	assert.Contains(t, section, "Code style: language = Go")
	assert.Contains(t, section, "Workflow: tests = always")

	// Another user's task sees nothing.
	other := task.New("bob", "ws1", "goal")
	assert.Empty(t, tr.PromptSection(context.Background(), other))
}

func TestGetReturnsCopy(t *testing.T) {
	tr := NewTracker()
	tr.RecordExplicit("alice", "code_style", "language", "Go")

	prefs := tr.Get("alice")
	prefs.CodeStyle["language"] = "Rust"

	assert.Equal(t, "Go", tr.Get("alice").CodeStyle["language"])
}
