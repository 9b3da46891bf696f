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

// Package learner extracts reusable lessons from finished tasks and feeds
// the most relevant ones back into future prompts.
package learner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/llms"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/task"
)

// Lesson is one extracted insight.
type Lesson struct {
	Category   string   `json:"category"`
	Summary    string   `json:"summary"`
	Details    string   `json:"details,omitempty"`
	ToolsUsed  []string `json:"tools_used,omitempty"`
	Success    bool     `json:"success"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags,omitempty"`
}

// LessonStore is the knowledge collaborator's surface. The core never owns
// the storage; it only writes lessons and reads back relevant ones.
type LessonStore interface {
	SaveLessons(ctx context.Context, workspace, taskID string, lessons []Lesson) error
	SearchLessons(ctx context.Context, workspace, query string, k int) ([]Lesson, error)
}

const (
	extractionPrompt = `Review this completed agent task and extract lessons that would help with similar future tasks.

Goal: %s
Outcome: %s (%s)
Steps taken:
%s

Respond with ONLY a JSON array of lessons:
[{"category": "...", "summary": "...", "details": "...", "tools_used": ["..."], "success": true, "confidence": 0.8, "tags": ["..."]}]

Categories: tool_usage, planning, error_recovery, domain_knowledge. Return [] if nothing generalizes.`

	retrievalTopK = 5
)

// Learner runs the post-task extraction pass and serves pre-task retrieval.
type Learner struct {
	llm   llms.LLM
	store LessonStore
}

func New(llm llms.LLM, store LessonStore) *Learner {
	return &Learner{llm: llm, store: store}
}

// Learn extracts lessons from a terminal task and stores them keyed by
// workspace and task id. Extraction failures are logged, never fatal: a
// missed lesson must not fail the task that produced it.
func (l *Learner) Learn(ctx context.Context, t *task.Task) {
	log := logger.GetLogger()
	if !t.Status.IsTerminal() {
		return
	}

	resp, err := l.llm.Generate(ctx, llms.Request{
		Messages: []llms.Message{{
			Role:    "user",
			Content: fmt.Sprintf(extractionPrompt, t.Goal, t.Status, outcomeText(t), stepSummary(t.Plan)),
		}},
		Temperature: 0.2,
	})
	if err != nil {
		log.Warn("Lesson extraction failed", "task_id", t.ID, "error", err)
		return
	}

	lessons, err := parseLessons(resp.Content)
	if err != nil {
		log.Warn("Unparseable lesson payload", "task_id", t.ID, "error", err)
		return
	}
	if len(lessons) == 0 {
		return
	}

	if err := l.store.SaveLessons(ctx, t.Workspace, t.ID, lessons); err != nil {
		log.Warn("Failed to store lessons", "task_id", t.ID, "error", err)
	}
}

// PromptSection retrieves the top lessons for the task's goal and formats
// them for the system prompt. Implements the loop's enricher seam.
func (l *Learner) PromptSection(ctx context.Context, t *task.Task) string {
	lessons, err := l.store.SearchLessons(ctx, t.Workspace, t.Goal, retrievalTopK)
	if err != nil {
		logger.GetLogger().Warn("Lesson retrieval failed", "task_id", t.ID, "error", err)
		return ""
	}
	if len(lessons) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Lessons from previous tasks:\n")
	for _, lesson := range lessons {
		fmt.Fprintf(&b, "- [%s] %s", lesson.Category, lesson.Summary)
		if lesson.Details != "" {
			fmt.Fprintf(&b, " (%s)", lesson.Details)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func outcomeText(t *task.Task) string {
	if t.Error != "" {
		return t.Error
	}
	if t.Result != "" {
		return t.Result
	}
	return "no recorded result"
}

func stepSummary(p *task.Plan) string {
	if p == nil {
		return "(no plan)"
	}
	var b strings.Builder
	for _, s := range p.Steps {
		tools := "none"
		if len(s.ToolCalls) > 0 {
			names := make([]string, 0, len(s.ToolCalls))
			for _, c := range s.ToolCalls {
				names = append(names, c.Name)
			}
			tools = strings.Join(names, ", ")
		}
		fmt.Fprintf(&b, "- [%s] %s (tools: %s)\n", s.Status, s.Description, tools)
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseLessons tolerates code fences and stray prose around the JSON array.
func parseLessons(content string) ([]Lesson, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var lessons []Lesson
	if err := json.Unmarshal([]byte(content[start:end+1]), &lessons); err != nil {
		return nil, err
	}
	return lessons, nil
}
