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

// Package task defines the state model of the Kestrel agent execution core:
// tasks, plans, steps, tool calls, approvals, branches, and events.
//
// A Task is the atomic unit of autonomous work. It is exclusively owned by
// the agent loop executing it; every other component receives immutable or
// write-on-own-copy views.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ai/kestrel/pkg/llms"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPlanning        Status = "planning"
	StatusExecuting       Status = "executing"
	StatusObserving       Status = "observing"
	StatusReflecting      Status = "reflecting"
	StatusWaitingApproval Status = "waiting_approval"
	StatusPaused          Status = "paused"
	StatusComplete        Status = "complete"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal returns whether this status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// GuardrailConfig bounds a task's resource consumption.
type GuardrailConfig struct {
	MaxIterations   int    `json:"max_iterations"`
	MaxToolCalls    int    `json:"max_tool_calls"`
	MaxTokens       int    `json:"max_tokens"`
	AutoApproveRisk string `json:"auto_approve_risk,omitempty"`
	MaxWallTime     int64  `json:"max_wall_time_seconds,omitempty"`
}

// DefaultGuardrails returns the budget applied when a task carries none.
func DefaultGuardrails() GuardrailConfig {
	return GuardrailConfig{
		MaxIterations:   25,
		MaxToolCalls:    50,
		MaxTokens:       500_000,
		AutoApproveRisk: string(RiskMedium),
	}
}

// Counters accumulates running usage while a task executes.
type Counters struct {
	Iterations  int `json:"iterations"`
	ToolCalls   int `json:"tool_calls"`
	TokensUsed  int `json:"tokens_used"`
	FailedSteps int `json:"failed_steps"`
}

// Task is the atomic unit of autonomous work.
type Task struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Workspace      string `json:"workspace"`
	ConversationID string `json:"conversation_id,omitempty"`
	ParentTaskID   string `json:"parent_task_id,omitempty"`

	Goal       string          `json:"goal"`
	Source     string          `json:"source,omitempty"`
	Plan       *Plan           `json:"plan,omitempty"`
	Guardrails GuardrailConfig `json:"guardrails"`
	Counters   Counters        `json:"counters"`

	Status Status `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	// Runtime-only state. Never persisted; owned by the executing loop.
	Conversation    []llms.Message   `json:"-"`
	PendingApproval *ApprovalRequest `json:"-"`
}

// New creates a task in the planning state.
func New(userID, workspace, goal string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:         uuid.New().String(),
		UserID:     userID,
		Workspace:  workspace,
		Goal:       goal,
		Guardrails: DefaultGuardrails(),
		Status:     StatusPlanning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the task to the given status, refusing to leave a
// terminal state.
func (t *Task) Transition(next Status) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalTask, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	if next.IsTerminal() {
		t.EndedAt = t.UpdatedAt
	}
	return nil
}

// Fail marks the task failed with a human-readable error.
func (t *Task) Fail(reason string) error {
	t.Error = reason
	return t.Transition(StatusFailed)
}

// Complete marks the task complete with its final result text.
func (t *Task) Complete(result string) error {
	t.Result = result
	return t.Transition(StatusComplete)
}

// Sentinel errors for state-machine outcomes.
var (
	ErrTerminalTask = fmt.Errorf("task is in a terminal state")
	ErrCancelled    = fmt.Errorf("task cancelled")
)
