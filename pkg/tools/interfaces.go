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

// Package tools provides the tool registry and the built-in tool set of the
// Kestrel core. Tools are named capabilities with a parameter schema, risk
// level, and handler; the registry dispatches calls with timeout enforcement
// and output normalization.
package tools

import (
	"context"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

// ToolInfo describes a tool to the registry, the guardrails, and the LLM.
type ToolInfo struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Risk             task.RiskLevel `json:"risk"`
	RequiresApproval bool           `json:"requires_approval"`
	Timeout          time.Duration  `json:"timeout,omitempty"`
	Category         string         `json:"category,omitempty"`

	// ContextKeys names the execution-context values (workspace, user)
	// the handler accepts; the registry injects them into the arguments.
	ContextKeys []string `json:"context_keys,omitempty"`

	// Origin identifies the dispatch route: builtin, mcp, skill, agent.
	Origin string `json:"origin,omitempty"`
}

// Tool is a named capability the agent loop can invoke.
type Tool interface {
	Info() ToolInfo

	Execute(ctx context.Context, args map[string]any) (task.ToolResult, error)
}

// Tool origins used for dispatch routing.
const (
	OriginBuiltin = "builtin"
	OriginControl = "control"
	OriginMCP     = "mcp"
	OriginSkill   = "skill"
	OriginAgent   = "agent"
)

// Context keys injectable into handler arguments.
const (
	ContextKeyWorkspace = "workspace_id"
	ContextKeyUser      = "user_id"
	ContextKeyTask      = "task_id"
)

type execContextKey string

// WithWorkspace attaches the workspace id to the execution context.
func WithWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, execContextKey(ContextKeyWorkspace), workspace)
}

// WithUser attaches the user id to the execution context.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, execContextKey(ContextKeyUser), userID)
}

// WithTask attaches the task id to the execution context.
func WithTask(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, execContextKey(ContextKeyTask), taskID)
}

func contextValue(ctx context.Context, key string) (string, bool) {
	v, ok := ctx.Value(execContextKey(key)).(string)
	return v, ok && v != ""
}
