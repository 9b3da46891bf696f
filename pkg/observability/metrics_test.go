package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/llms"
)

func TestPriceLookup(t *testing.T) {
	prompt, completion := price("gpt-4o")
	assert.Equal(t, 2.50, prompt)
	assert.Equal(t, 10.00, completion)

	// Dated snapshots price like their family via the longest prefix.
	prompt, _ = price("gpt-4o-mini-2024-07-18")
	assert.Equal(t, 0.15, prompt)

	prompt, _ = price("gpt-4o-2024-11-20")
	assert.Equal(t, 2.50, prompt)

	// Unknown and local models cost nothing.
	prompt, completion = price("qwen3:8b")
	assert.Zero(t, prompt)
	assert.Zero(t, completion)
}

func TestMetricsAccumulation(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordLLMCall("gpt-4o", llms.Usage{PromptTokens: 1_000_000, CompletionTokens: 100_000})
	m.RecordLLMCall("gpt-4o", llms.Usage{PromptTokens: 500, CompletionTokens: 200})
	m.RecordToolExecution(100 * time.Millisecond)
	m.RecordToolExecution(300 * time.Millisecond)
	m.RecordCompaction()
	m.RecordFailover()
	m.RecordVerifierRun()

	s := m.Snapshot()
	assert.Equal(t, 1_000_500, s.PromptTokens)
	assert.Equal(t, 100_200, s.CompletionTokens)
	assert.Equal(t, 1_100_700, s.TotalTokens)
	assert.Equal(t, s.TotalTokens, m.TotalTokens())
	// 1M prompt at $2.50 + 100k completion at $10.00, plus the small call.
	assert.InDelta(t, 2.50+1.00+0.0005*2.50+0.0002*10.00, s.EstimatedCostUSD, 1e-9)
	assert.Equal(t, 2, s.LLMCalls)
	assert.Equal(t, 2, s.ToolExecutions)
	assert.Equal(t, 200*time.Millisecond, s.AvgToolTime)
	assert.Equal(t, 1, s.Compactions)
	assert.Equal(t, 1, s.ModelFailovers)
	assert.Equal(t, 1, s.VerifierRuns)
}

func TestSnapshotEmpty(t *testing.T) {
	s := NewMetricsCollector().Snapshot()
	assert.Zero(t, s.TotalTokens)
	assert.Zero(t, s.EstimatedCostUSD)
	assert.Zero(t, s.AvgToolTime)
}

func TestTokenCounter(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}

	require.Positive(t, tc.Count("hello world"))

	usage := tc.EstimateUsage([]llms.Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "What is 2+2?"},
	}, "4")
	assert.Positive(t, usage.PromptTokens)
	assert.Positive(t, usage.CompletionTokens)
	assert.Equal(t, usage.PromptTokens+usage.CompletionTokens, usage.TotalTokens)
}
