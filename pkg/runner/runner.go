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

// Package runner is the shared task launcher: the CLI, the coordinator's
// sub-agents, and the automation supervisors all start tasks here.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/agent"
	"github.com/kestrel-ai/kestrel/pkg/contextmgr"
	"github.com/kestrel-ai/kestrel/pkg/coordinator"
	"github.com/kestrel-ai/kestrel/pkg/diagnostics"
	"github.com/kestrel-ai/kestrel/pkg/guardrails"
	"github.com/kestrel-ai/kestrel/pkg/learner"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/observability"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

const sweepInterval = time.Minute

// TaskStore is the persistence surface the runner needs beyond the loop's.
type TaskStore interface {
	agent.TaskStore
	GetTask(ctx context.Context, id string) (*task.Task, error)
	PauseInFlight(ctx context.Context) ([]string, error)
	ListByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error)
}

// Services bundles the shared collaborators every loop gets.
type Services struct {
	LLM       *diagnostics.Failover
	Registry  *tools.Registry
	Planner   agent.PlanService
	Selector  *contextmgr.Selector
	Compactor *contextmgr.Compactor
	Checker   *guardrails.Checker
	Memory    *guardrails.ApprovalMemory
	Store     TaskStore
	Bus       *store.Bus
	Enrichers []agent.PromptEnricher
	Counter   *observability.TokenCounter
	// Learner, when set, runs its extraction pass after each terminal task.
	Learner *learner.Learner
	// Guardrails, when set, replaces the default budget on launched tasks.
	Guardrails *task.GuardrailConfig
	// ApprovalTTL bounds pending approvals; zero keeps the loop default.
	ApprovalTTL time.Duration
}

// Runner owns the lifecycle of task loops. It is also the coordinator's
// child runner, so delegation rides the same machinery.
type Runner struct {
	services    Services
	coordinator *coordinator.Coordinator

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(services Services) *Runner {
	r := &Runner{
		services: services,
		running:  map[string]context.CancelFunc{},
	}
	r.coordinator = coordinator.New(services.Registry, services.Bus, r)
	return r
}

// Launch persists a fresh task and starts its loop on its own goroutine.
// The task's lifetime is detached from the caller's context; Cancel and
// Shutdown are the ways to stop it.
func (r *Runner) Launch(ctx context.Context, workspace, userID, goal, source string) (*task.Task, error) {
	t := task.New(userID, workspace, goal)
	t.Source = source
	if r.services.Guardrails != nil {
		t.Guardrails = *r.services.Guardrails
	}
	if err := r.services.Store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting new task: %w", err)
	}

	r.start(t, r.services.Registry, "")
	return t, nil
}

// Resume restarts one paused task. Restart surfacing is explicit: boot
// marks in-flight work paused, a human (or the CLI) resumes it.
func (r *Runner) Resume(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := r.services.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPaused {
		return nil, fmt.Errorf("task %s is %s, not paused", taskID, t.Status)
	}
	if err := t.Transition(task.StatusExecuting); err != nil {
		return nil, err
	}
	if err := r.services.Store.SaveTask(ctx, t); err != nil {
		return nil, err
	}

	r.start(t, r.services.Registry, "")
	return t, nil
}

// PauseInFlight surfaces tasks left mid-run by a previous process as
// paused. Called once at boot, before any Launch.
func (r *Runner) PauseInFlight(ctx context.Context) ([]string, error) {
	ids, err := r.services.Store.PauseInFlight(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		logger.GetLogger().Info("Paused in-flight tasks from previous run", "count", len(ids))
	}
	return ids, nil
}

// RunChild executes a delegated child synchronously on the caller's
// goroutine, with the specialist's filtered registry and preamble.
func (r *Runner) RunChild(ctx context.Context, child *task.Task, registry *tools.Registry, preamble string) (string, error) {
	if err := r.services.Store.SaveTask(ctx, child); err != nil {
		return "", fmt.Errorf("persisting child task: %w", err)
	}

	loop := r.newLoop(registry, preamble)
	if err := loop.Run(ctx, child); err != nil {
		return "", err
	}
	if child.Status == task.StatusFailed {
		return "", fmt.Errorf("%s", child.Error)
	}
	return child.Result, nil
}

// Cancel stops one running task's loop.
func (r *Runner) Cancel(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.running[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// SweepLoop drops expired event rings until the context ends.
func (r *Runner) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.services.Bus.Sweep()
		}
	}
}

// Wait blocks until every running loop has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels all running loops and waits for them to wind down.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) start(t *task.Task, registry *tools.Registry, preamble string) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.running[t.ID] = cancel
	r.mu.Unlock()

	loop := r.newLoop(registry, preamble)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, t.ID)
			r.mu.Unlock()
			cancel()
		}()

		if err := loop.Run(ctx, t); err != nil {
			logger.GetLogger().Warn("Task loop ended with error", "task_id", t.ID, "error", err)
		}
		if r.services.Learner != nil && t.Status.IsTerminal() {
			r.services.Learner.Learn(context.WithoutCancel(ctx), t)
		}
	}()
}

func (r *Runner) newLoop(registry *tools.Registry, preamble string) *agent.Loop {
	selector := r.services.Selector
	if registry != r.services.Registry {
		// Children select from their filtered view, not the full registry.
		selector = contextmgr.NewSelector(registry)
	}
	return agent.NewLoop(agent.Deps{
		LLM:       r.services.LLM,
		Registry:  registry,
		Planner:   r.services.Planner,
		Selector:  selector,
		Compactor: r.services.Compactor,
		Checker:   r.services.Checker,
		Memory:    r.services.Memory,
		Store:     r.services.Store,
		Bus:       r.services.Bus,
		Delegator: r.coordinator,
		Enrichers: r.services.Enrichers,
		Counter:   r.services.Counter,
	}, agent.Config{Preamble: preamble, ApprovalTTL: r.services.ApprovalTTL})
}
