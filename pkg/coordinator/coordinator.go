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

package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

const (
	// maxParallelChildren bounds delegate_parallel fan-out.
	maxParallelChildren = 5
	// childWallTimeCap bounds a child's wall time regardless of the
	// parent's remaining budget.
	childWallTimeCap = 5 * time.Minute
)

// ChildRunner runs one child task loop to completion and returns its final
// result text. Implemented by pkg/runner; injected to avoid a dependency
// cycle with the loop.
type ChildRunner interface {
	RunChild(ctx context.Context, child *task.Task, registry *tools.Registry, preamble string) (string, error)
}

// ChildSpec describes one requested delegation.
type ChildSpec struct {
	Goal       string `json:"goal"`
	Specialist string `json:"specialist"`
}

// Coordinator creates and supervises specialist child tasks.
type Coordinator struct {
	registry *tools.Registry
	bus      *store.Bus
	runner   ChildRunner
}

func New(registry *tools.Registry, bus *store.Bus, runner ChildRunner) *Coordinator {
	return &Coordinator{registry: registry, bus: bus, runner: runner}
}

// Delegate runs one child task for the given specialist and returns its
// result as text. Child failures are folded into the returned string; the
// parent loop treats them as tool output, not errors.
func (c *Coordinator) Delegate(ctx context.Context, parent *task.Task, goal, specialistName string) string {
	spec, ok := GetSpecialist(specialistName)
	if !ok {
		return fmt.Sprintf("delegation failed: unknown specialist %q (available: %s)",
			specialistName, strings.Join(SpecialistNames(), ", "))
	}

	child := c.newChildTask(parent, goal)
	filtered := c.registry.Filter(append(spec.AllowedTools, tools.ControlToolNames()...))

	forwardCtx, stopForwarding := context.WithCancel(ctx)
	done := c.forwardEvents(forwardCtx, parent.ID, child.ID, spec.Name)

	result, err := c.runner.RunChild(ctx, child, filtered, spec.Preamble)
	stopForwarding()
	<-done

	if err != nil {
		result = fmt.Sprintf("delegation to %s failed: %v", spec.Name, err)
		logger.GetLogger().Warn("Child task failed",
			"parent", parent.ID, "child", child.ID, "specialist", spec.Name, "error", err)
	}

	if c.bus != nil {
		c.bus.Publish(task.Event{
			Type:     task.EventDelegationComplete,
			TaskID:   parent.ID,
			ToolName: spec.Name,
			Content:  result,
		})
	}
	return result
}

// DelegateParallel runs up to five children concurrently and gathers their
// results in spec order. It never returns an error: each child's outcome,
// success or failure, is one entry in the returned slice.
func (c *Coordinator) DelegateParallel(ctx context.Context, parent *task.Task, specs []ChildSpec) []string {
	if len(specs) > maxParallelChildren {
		specs = specs[:maxParallelChildren]
	}

	results := make([]string, len(specs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChildren)
	for i, spec := range specs {
		g.Go(func() error {
			result := c.Delegate(gctx, parent, spec.Goal, spec.Specialist)
			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // no child ever returns an error

	return results
}

func (c *Coordinator) newChildTask(parent *task.Task, goal string) *task.Task {
	child := task.New(parent.UserID, parent.Workspace, goal)
	child.ParentTaskID = parent.ID
	child.Source = "delegation:" + parent.ID

	g := parent.Guardrails
	child.Guardrails = task.GuardrailConfig{
		MaxIterations:   g.MaxIterations,
		MaxToolCalls:    g.MaxToolCalls,
		MaxTokens:       g.MaxTokens / 3,
		AutoApproveRisk: g.AutoApproveRisk,
		MaxWallTime:     childWallTime(g.MaxWallTime),
	}
	return child
}

// childWallTime halves the parent's wall budget and caps it at five minutes.
// A parent without a wall budget still caps its children.
func childWallTime(parentSeconds int64) int64 {
	limit := int64(childWallTimeCap / time.Second)
	if parentSeconds <= 0 {
		return limit
	}
	half := parentSeconds / 2
	if half > limit {
		return limit
	}
	return half
}

// forwardEvents republishes a child's event stream onto the parent's stream
// as delegation_progress, preserving the child's internal order.
func (c *Coordinator) forwardEvents(ctx context.Context, parentID, childID, specialist string) <-chan struct{} {
	done := make(chan struct{})
	if c.bus == nil {
		close(done)
		return done
	}

	ch := c.bus.Subscribe(ctx, childID)
	go func() {
		defer close(done)
		for e := range ch {
			c.bus.Publish(task.Event{
				Type:       task.EventDelegationProgress,
				TaskID:     parentID,
				StepID:     e.StepID,
				ToolName:   specialist,
				Content:    fmt.Sprintf("[%s] %s", e.Type, e.Content),
				ToolResult: e.ToolResult,
			})
		}
	}()
	return done
}
