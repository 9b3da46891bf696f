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

package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrel-ai/kestrel/pkg/registry"
	"github.com/kestrel-ai/kestrel/pkg/task"
)

// DefaultToolTimeout applies to tools that declare none.
const DefaultToolTimeout = 60 * time.Second

type ToolRegistryError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *ToolRegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func NewToolRegistryError(component, action, message string, err error) *ToolRegistryError {
	return &ToolRegistryError{
		Component: component,
		Action:    action,
		Message:   message,
		Err:       err,
	}
}

// Registry is a name-keyed mapping from tool name to handler. Filtered
// views share handler instances with their parent.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Tool](),
	}
}

// RegisterTool adds a tool under its declared name.
func (r *Registry) RegisterTool(t Tool) error {
	info := t.Info()
	if info.Name == "" {
		return NewToolRegistryError("Registry", "RegisterTool", "tool name cannot be empty", nil)
	}
	return r.Register(info.Name, t)
}

// ReplaceTool registers or overwrites a tool; used for skill re-publication
// and MCP discovery refreshes.
func (r *Registry) ReplaceTool(t Tool) error {
	info := t.Info()
	if info.Name == "" {
		return NewToolRegistryError("Registry", "ReplaceTool", "tool name cannot be empty", nil)
	}
	return r.Replace(info.Name, t)
}

// GetTool returns the named tool or a structured error.
func (r *Registry) GetTool(name string) (Tool, error) {
	t, exists := r.Get(name)
	if !exists {
		return nil, NewToolRegistryError("Registry", "GetTool",
			fmt.Sprintf("tool %s not found", name), nil)
	}
	return t, nil
}

// ListTools returns the definitions of all registered tools, sorted by name.
func (r *Registry) ListTools() []ToolInfo {
	var infos []ToolInfo
	for _, t := range r.List() {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Filter returns a view restricted to the given names. Handlers are shared,
// not copied; names not present in the parent are silently dropped.
func (r *Registry) Filter(names []string) *Registry {
	view := NewRegistry()
	for _, name := range names {
		if t, exists := r.Get(name); exists {
			// Registration can only fail on duplicates in the name list.
			_ = view.Register(name, t)
		}
	}
	return view
}

// Execute dispatches a tool call: injects declared context keys, enforces
// the per-tool timeout, catches handler failures, and truncates long output.
// An unknown tool name yields a structured failure, not an error.
func (r *Registry) Execute(ctx context.Context, call task.ToolCall) task.ToolResult {
	startTime := time.Now()

	tracer := otel.Tracer("kestrel.tools")
	ctx, span := tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", call.Name)),
	)
	defer span.End()

	t, err := r.GetTool(call.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool not found")
		return task.ToolResult{
			CallID:        call.ID,
			Success:       false,
			Error:         fmt.Sprintf("unknown tool: %s", call.Name),
			ExecutionTime: time.Since(startTime),
		}
	}

	info := t.Info()

	args := call.Arguments
	if len(info.ContextKeys) > 0 {
		args = make(map[string]any, len(call.Arguments)+len(info.ContextKeys))
		for k, v := range call.Arguments {
			args[k] = v
		}
		for _, key := range info.ContextKeys {
			if v, ok := contextValue(ctx, key); ok {
				args[key] = v
			}
		}
	}

	timeout := info.Timeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := r.executeGuarded(execCtx, t, call, args, timeout)
	result.ExecutionTime = time.Since(startTime)
	result.Output = task.TruncateOutput(result.Output)

	span.SetAttributes(
		attribute.Bool("tool.success", result.Success),
		attribute.Int64("tool.duration_ms", result.ExecutionTime.Milliseconds()),
	)
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	} else {
		span.SetStatus(codes.Ok, "success")
	}

	return result
}

// executeGuarded runs the handler on its own goroutine so a hung handler
// cannot outlive the timeout, and converts panics into structured failures.
func (r *Registry) executeGuarded(ctx context.Context, t Tool, call task.ToolCall, args map[string]any, timeout time.Duration) task.ToolResult {
	type outcome struct {
		result task.ToolResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		res, err := t.Execute(ctx, args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return task.ToolResult{
				CallID:  call.ID,
				Success: false,
				Error:   out.err.Error(),
			}
		}
		out.result.CallID = call.ID
		return out.result
	case <-ctx.Done():
		return task.ToolResult{
			CallID:  call.ID,
			Success: false,
			Error:   fmt.Sprintf("tool %s timed out after %v", call.Name, timeout),
		}
	}
}
