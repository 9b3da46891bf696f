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

// Package planner turns a goal into a step DAG by prompting an LLM for
// structured JSON. Parsing is forgiving; planning never fails a task.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ai/kestrel/pkg/llms"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

const createPrompt = `You are a planning assistant. Decompose the goal into the smallest set of concrete, executable steps.

Goal: %s

Available tools:
%s
%s
Respond with JSON only:
{
  "reasoning": "why these steps",
  "steps": [
    {"id": "s1", "description": "...", "expected_tools": ["tool_name"], "depends_on": []}
  ]
}

Rules:
- Each step must be independently checkable.
- depends_on lists ids of steps that must complete first.
- Prefer fewer steps; a trivial goal is one step.`

const revisePrompt = `You are revising an in-progress plan because of new observations.

Goal: %s

Current plan (JSON):
%s

Observations:
%s

Available tools:
%s

Respond with the full revised plan as JSON in the same shape. Keep the ids and descriptions of steps already marked complete; you may add, remove, or reorder the rest.`

// Planner builds and revises plans.
type Planner struct {
	llm llms.LLM
}

func New(llm llms.LLM) *Planner {
	return &Planner{llm: llm}
}

type planJSON struct {
	Reasoning string     `json:"reasoning"`
	Steps     []stepJSON `json:"steps"`
}

type stepJSON struct {
	ID            string   `json:"id"`
	Description   string   `json:"description"`
	ExpectedTools []string `json:"expected_tools"`
	DependsOn     []string `json:"depends_on"`
}

// CreatePlan asks the LLM to decompose the goal. On any failure it degrades
// to a single-step plan wrapping the goal verbatim.
func (p *Planner) CreatePlan(ctx context.Context, goal string, available []tools.ToolInfo, extra string) *task.Plan {
	log := logger.GetLogger()

	contextSection := ""
	if extra != "" {
		contextSection = "\nContext:\n" + extra + "\n"
	}
	prompt := fmt.Sprintf(createPrompt, goal, formatTools(available), contextSection)

	resp, err := p.llm.Generate(ctx, llms.Request{
		Messages: []llms.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		log.Warn("Plan generation failed, using single-step fallback", "error", err)
		return fallbackPlan(goal)
	}

	parsed, err := parsePlanJSON(resp.Content)
	if err != nil || len(parsed.Steps) == 0 {
		log.Warn("Plan output unparseable, using single-step fallback", "error", err)
		return fallbackPlan(goal)
	}

	return buildPlan(parsed, 0)
}

// RevisePlan asks the LLM for a revised plan. Completed steps survive
// verbatim regardless of what the model returns; the revision counter always
// increments. On failure the original plan is returned with only the counter
// bumped.
func (p *Planner) RevisePlan(ctx context.Context, plan *task.Plan, goal, observations string, available []tools.ToolInfo) *task.Plan {
	log := logger.GetLogger()

	current, err := plan.Marshal()
	if err != nil {
		current = []byte("{}")
	}
	prompt := fmt.Sprintf(revisePrompt, goal, string(current), observations, formatTools(available))

	resp, err := p.llm.Generate(ctx, llms.Request{
		Messages: []llms.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		log.Warn("Plan revision failed, keeping current plan", "error", err)
		return bumpRevision(plan)
	}

	parsed, err := parsePlanJSON(resp.Content)
	if err != nil || len(parsed.Steps) == 0 {
		log.Warn("Revision output unparseable, keeping current plan", "error", err)
		return bumpRevision(plan)
	}

	revised := buildPlan(parsed, plan.RevisionCount+1)
	return mergeCompleted(plan, revised)
}

// mergeCompleted restores every completed step of the old plan into the
// revision: same id, status, result, and tool history.
func mergeCompleted(old, revised *task.Plan) *task.Plan {
	completed := make(map[string]task.Step)
	for _, s := range old.Steps {
		if s.Status == task.StepComplete {
			completed[s.ID] = s
		}
	}

	kept := make(map[string]bool)
	for i, s := range revised.Steps {
		if prior, ok := completed[s.ID]; ok {
			prior.Index = i
			revised.Steps[i] = prior
			kept[s.ID] = true
		}
	}

	// Completed steps the model dropped are prepended so their results stay
	// addressable by dependency ids.
	var missing []task.Step
	for _, s := range old.Steps {
		if s.Status == task.StepComplete && !kept[s.ID] {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		revised.Steps = append(missing, revised.Steps...)
		for i := range revised.Steps {
			revised.Steps[i].Index = i
		}
	}
	return revised
}

func bumpRevision(plan *task.Plan) *task.Plan {
	out := *plan
	out.RevisionCount++
	return &out
}

func buildPlan(parsed *planJSON, revision int) *task.Plan {
	plan := &task.Plan{
		Reasoning:     parsed.Reasoning,
		RevisionCount: revision,
		CreatedAt:     time.Now().UTC(),
	}
	seen := make(map[string]bool)
	for i, s := range parsed.Steps {
		id := strings.TrimSpace(s.ID)
		if id == "" || seen[id] {
			id = uuid.NewString()[:8]
		}
		seen[id] = true
		plan.Steps = append(plan.Steps, task.Step{
			ID:            id,
			Index:         i,
			Description:   s.Description,
			ExpectedTools: s.ExpectedTools,
			DependsOn:     s.DependsOn,
			Status:        task.StepPending,
		})
	}
	return plan
}

func fallbackPlan(goal string) *task.Plan {
	return &task.Plan{
		Steps: []task.Step{{
			ID:          "s1",
			Index:       0,
			Description: goal,
			Status:      task.StepPending,
		}},
		Reasoning: "direct execution of the goal",
		CreatedAt: time.Now().UTC(),
	}
}

// parsePlanJSON extracts the plan object from raw model output, tolerating
// fenced code blocks and surrounding prose.
func parsePlanJSON(content string) (*planJSON, error) {
	candidate := extractJSON(content)
	if candidate == "" {
		return nil, fmt.Errorf("no JSON object found in output")
	}
	var parsed planJSON
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	return &parsed, nil
}

// extractJSON returns the first balanced top-level JSON object, stripping
// ``` fences when present.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)

	if idx := strings.Index(content, "```"); idx != -1 {
		rest := content[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end != -1 {
			content = rest[:end]
		} else {
			content = rest
		}
	}

	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return content[start : i+1]
				}
			}
		}
	}
	return ""
}

func formatTools(available []tools.ToolInfo) string {
	if len(available) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, t := range available {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}
