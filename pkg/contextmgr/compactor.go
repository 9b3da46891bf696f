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

package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/llms"
	"github.com/kestrel-ai/kestrel/pkg/logger"
)

const (
	// keepRecent messages are never summarized away.
	keepRecent = 6

	// compactAt and escalateAt are fractions of the model's token limit.
	compactAt  = 0.75
	escalateAt = 0.9

	summaryPrompt = `Summarize the following agent conversation history into a compact brief.
Preserve: decisions made, facts discovered, file paths, error messages, and unfinished work.
Drop: pleasantries, repeated content, raw tool output already acted upon.

Conversation:
%s

Respond with the summary only.`
)

// EstimateTokens approximates token usage as total characters divided by 4.
func EstimateTokens(messages []llms.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return chars / 4
}

// Result reports what compaction did.
type Result struct {
	Messages  []llms.Message
	Compacted bool
	// Escalate signals the caller to retry the step on a larger-context
	// model: even after compaction the estimate is above the red line.
	Escalate bool
}

// Compactor folds old conversation into a synthetic summary message.
type Compactor struct {
	llm llms.LLM // optional; nil selects the extractive fallback
}

func NewCompactor(llm llms.LLM) *Compactor {
	return &Compactor{llm: llm}
}

// Compact returns the messages to send for a model with the given token
// limit. Below threshold the input passes through untouched.
func (c *Compactor) Compact(ctx context.Context, messages []llms.Message, limit int) Result {
	estimate := EstimateTokens(messages)
	if limit <= 0 || float64(estimate) <= float64(limit)*compactAt {
		return Result{Messages: messages}
	}

	// A leading system message survives compaction verbatim.
	var system []llms.Message
	rest := messages
	if len(rest) > 0 && rest[0].Role == "system" {
		system = rest[:1]
		rest = rest[1:]
	}

	if len(rest) <= keepRecent {
		// Nothing old enough to fold; the recent window alone is too big.
		return Result{
			Messages: messages,
			Escalate: float64(estimate) > float64(limit)*escalateAt,
		}
	}

	old := rest[:len(rest)-keepRecent]
	recent := rest[len(rest)-keepRecent:]

	summary := c.summarize(ctx, old)
	out := make([]llms.Message, 0, len(system)+1+len(recent))
	out = append(out, system...)
	out = append(out, llms.Message{
		Role:    "system",
		Content: "Context summary of earlier conversation:\n" + summary,
	})
	out = append(out, recent...)

	after := EstimateTokens(out)
	logger.GetLogger().Debug("Compacted conversation",
		"before_tokens", estimate, "after_tokens", after, "folded", len(old))

	return Result{
		Messages:  out,
		Compacted: true,
		Escalate:  float64(after) > float64(limit)*escalateAt,
	}
}

func (c *Compactor) summarize(ctx context.Context, old []llms.Message) string {
	transcript := renderTranscript(old)

	if c.llm != nil {
		resp, err := c.llm.Generate(ctx, llms.Request{
			Messages: []llms.Message{{
				Role:    "user",
				Content: fmt.Sprintf(summaryPrompt, transcript),
			}},
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content)
		}
		logger.GetLogger().Warn("LLM summarization failed, using extractive fallback", "error", err)
	}

	return extractiveSummary(old)
}

// extractiveSummary is the deterministic fallback: one clipped bullet per
// message.
func extractiveSummary(old []llms.Message) string {
	var b strings.Builder
	for _, m := range old {
		line := strings.TrimSpace(m.Content)
		if line == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			line = "called tools: " + strings.Join(names, ", ")
		}
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200] + "..."
		}
		fmt.Fprintf(&b, "- [%s] %s\n", m.Role, line)
	}
	return b.String()
}

func renderTranscript(messages []llms.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
