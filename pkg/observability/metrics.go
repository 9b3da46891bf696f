// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability accumulates per-task metrics: tokens, cost, calls,
// latency, compactions, failovers.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/llms"
)

// modelPrices maps model name to USD per 1M prompt/completion tokens.
// Lookup falls back to the longest matching prefix, so dated snapshots
// (gpt-4o-2024-11-20) price like their family.
var modelPrices = map[string][2]float64{
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4.1":           {2.00, 8.00},
	"gpt-4.1-mini":      {0.40, 1.60},
	"o3":                {2.00, 8.00},
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-5-sonnet": {3.00, 15.00},
}

// price returns (prompt, completion) USD per 1M tokens. Local models and
// unknown names cost zero.
func price(model string) (float64, float64) {
	if p, ok := modelPrices[model]; ok {
		return p[0], p[1]
	}
	bestLen := 0
	var best [2]float64
	for prefix, p := range modelPrices {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = p
		}
	}
	if bestLen == 0 {
		return 0, 0
	}
	return best[0], best[1]
}

// Snapshot is an immutable view of the collector, embedded in
// metrics_update events.
type Snapshot struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	LLMCalls         int           `json:"llm_calls"`
	ToolExecutions   int           `json:"tool_executions"`
	AvgToolTime      time.Duration `json:"avg_tool_time_ms"`
	WallTime         time.Duration `json:"wall_time_ms"`
	Compactions      int           `json:"compactions"`
	ModelFailovers   int           `json:"model_failovers"`
	VerifierRuns     int           `json:"verifier_runs"`
}

// MetricsCollector accumulates one task's metrics. The owning loop writes;
// snapshots are safe to read from anywhere.
type MetricsCollector struct {
	mu sync.Mutex

	started       time.Time
	prompt        int
	completion    int
	cost          float64
	llmCalls      int
	toolCount     int
	toolTimeTotal time.Duration
	compactions   int
	failovers     int
	verifierRuns  int
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{started: time.Now()}
}

// RecordLLMCall adds one model call's usage and its cost.
func (m *MetricsCollector) RecordLLMCall(model string, usage llms.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.llmCalls++
	m.prompt += usage.PromptTokens
	m.completion += usage.CompletionTokens

	promptPrice, completionPrice := price(model)
	m.cost += float64(usage.PromptTokens)/1e6*promptPrice +
		float64(usage.CompletionTokens)/1e6*completionPrice
}

// RecordToolExecution adds one tool call's wall time.
func (m *MetricsCollector) RecordToolExecution(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCount++
	m.toolTimeTotal += d
}

func (m *MetricsCollector) RecordCompaction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactions++
}

func (m *MetricsCollector) RecordFailover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failovers++
}

func (m *MetricsCollector) RecordVerifierRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifierRuns++
}

// TotalTokens reports prompt+completion so far.
func (m *MetricsCollector) TotalTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompt + m.completion
}

// Snapshot captures the current totals.
func (m *MetricsCollector) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if m.toolCount > 0 {
		avg = m.toolTimeTotal / time.Duration(m.toolCount)
	}
	return Snapshot{
		PromptTokens:     m.prompt,
		CompletionTokens: m.completion,
		TotalTokens:      m.prompt + m.completion,
		EstimatedCostUSD: m.cost,
		LLMCalls:         m.llmCalls,
		ToolExecutions:   m.toolCount,
		AvgToolTime:      avg,
		WallTime:         time.Since(m.started),
		Compactions:      m.compactions,
		ModelFailovers:   m.failovers,
		VerifierRuns:     m.verifierRuns,
	}
}
