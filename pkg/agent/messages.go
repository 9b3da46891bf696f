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

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/diagnostics"
	"github.com/kestrel-ai/kestrel/pkg/llms"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/task"
)

const defaultPreamble = `You are Kestrel, an autonomous agent that accomplishes tasks by planning and using tools.

Work through the current step deliberately. Use the tools available to you;
when the step is done call step_complete with its outcome, and when the whole
goal is achieved call task_complete with the final result. If you are blocked
on information only the user has, call ask_human.`

// generate runs one model turn: assemble the context, compact if needed,
// call the failover chain, and account for tokens.
func (l *Loop) generate(ctx context.Context, t *task.Task, step *task.Step, tracker *diagnostics.Tracker) (*llms.Response, error) {
	messages := l.buildMessages(ctx, t, step, tracker)

	limit := 0
	if primary := l.llm.Primary(); primary != nil {
		limit = primary.ContextWindow()
	}
	if l.compactor != nil {
		compacted := l.compactor.Compact(ctx, messages, limit)
		if compacted.Compacted {
			l.metrics.RecordCompaction()
			l.emit(task.Event{Type: task.EventThinking, TaskID: t.ID, StepID: step.ID,
				Content: "Conversation compacted to fit the context window"})
		}
		if compacted.Escalate {
			logger.GetLogger().Warn("Context still over budget after compaction",
				"task_id", t.ID, "step", step.ID)
			l.emit(task.Event{Type: task.EventThinking, TaskID: t.ID, StepID: step.ID,
				Content: "Context is still near the window limit after compaction; older detail may be dropped"})
		}
		messages = compacted.Messages
	}

	req := llms.Request{
		Messages: messages,
		Tools:    l.toolDefinitions(step),
	}

	resp, served, err := l.llm.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	usage := resp.Usage
	if usage.TotalTokens == 0 && l.counter != nil {
		usage = l.counter.EstimateUsage(messages, resp.Content)
	}
	t.Counters.TokensUsed += usage.TotalTokens
	l.metrics.RecordLLMCall(served.ModelName(), usage)
	if served != l.llm.Primary() {
		l.metrics.RecordFailover()
	}
	return resp, nil
}

// buildMessages assembles the step's prompt: system preamble with enricher
// sections and completed-step context, the goal and current step as the user
// turn, the step conversation so far, and a diagnostics advisory when the
// tracker has seen repeated failures.
func (l *Loop) buildMessages(ctx context.Context, t *task.Task, step *task.Step, tracker *diagnostics.Tracker) []llms.Message {
	var system strings.Builder
	if l.cfg.Preamble != "" {
		system.WriteString(l.cfg.Preamble)
	} else {
		system.WriteString(defaultPreamble)
	}
	for _, enricher := range l.enrichers {
		if section := enricher.PromptSection(ctx, t); section != "" {
			system.WriteString("\n\n")
			system.WriteString(section)
		}
	}
	if prior := priorStepContext(t.Plan, step); prior != "" {
		system.WriteString("\n\nCompleted steps so far:\n")
		system.WriteString(prior)
	}

	messages := []llms.Message{
		{Role: "system", Content: system.String()},
		{Role: "user", Content: fmt.Sprintf("Goal: %s\n\nCurrent step: %s", t.Goal, step.Description)},
	}
	messages = append(messages, t.Conversation...)

	if advisory := tracker.Advisory(); advisory != "" {
		messages = append(messages, llms.Message{Role: "system", Content: advisory})
	}
	return messages
}

// toolDefinitions resolves the selector's picks into wire schemas.
func (l *Loop) toolDefinitions(step *task.Step) []llms.ToolDefinition {
	kind := llms.KindCloud
	if primary := l.llm.Primary(); primary != nil {
		kind = primary.Kind()
	}

	var names []string
	if l.selector != nil {
		names = l.selector.Select(step.Description, step.ExpectedTools, kind)
	} else {
		for _, info := range l.registry.ListTools() {
			names = append(names, info.Name)
		}
	}

	defs := make([]llms.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool, err := l.registry.GetTool(name)
		if err != nil {
			continue
		}
		info := tool.Info()
		defs = append(defs, llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.Parameters,
		})
	}
	return defs
}

func priorStepContext(p *task.Plan, current *task.Step) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	for _, s := range p.Steps {
		if s.ID == current.ID || s.Status != task.StepComplete {
			continue
		}
		result := s.Result
		if len(result) > 500 {
			result = result[:500] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", s.Description, result)
	}
	return strings.TrimRight(b.String(), "\n")
}
