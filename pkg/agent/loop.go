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

// Package agent drives one task to a terminal state: plan, act, observe,
// under guardrails, emitting events for every meaningful transition.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/contextmgr"
	"github.com/kestrel-ai/kestrel/pkg/coordinator"
	"github.com/kestrel-ai/kestrel/pkg/diagnostics"
	"github.com/kestrel-ai/kestrel/pkg/guardrails"
	"github.com/kestrel-ai/kestrel/pkg/llms"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/observability"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

const (
	// maxStepFailures fails the step; maxFailedSteps fails the task.
	maxStepFailures = 3
	maxFailedSteps  = 3

	defaultApprovalPoll = 2 * time.Second
	defaultApprovalTTL  = time.Hour
)

// TaskStore is the slice of pkg/store the loop writes through.
type TaskStore interface {
	SaveTask(ctx context.Context, t *task.Task) error
	SaveApproval(ctx context.Context, a *task.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*task.ApprovalRequest, error)
}

// Delegator routes delegation tool calls to the coordinator.
type Delegator interface {
	Delegate(ctx context.Context, parent *task.Task, goal, specialist string) string
	DelegateParallel(ctx context.Context, parent *task.Task, specs []coordinator.ChildSpec) []string
}

// PromptEnricher contributes one system-prompt section: persona, learned
// lessons, memory-graph context.
type PromptEnricher interface {
	PromptSection(ctx context.Context, t *task.Task) string
}

// Config tunes one loop instance.
type Config struct {
	// Preamble overrides the default system persona (used for specialist
	// children).
	Preamble string
	// ApprovalPoll is the waiting_approval poll interval.
	ApprovalPoll time.Duration
	// ApprovalTTL bounds how long an approval may stay pending.
	ApprovalTTL time.Duration
}

// Loop owns one task's execution. A task is exclusively owned by its loop;
// everything shared (registry, pool, store, bus) is concurrency-safe.
type Loop struct {
	llm       *diagnostics.Failover
	registry  *tools.Registry
	planner   PlanService
	selector  *contextmgr.Selector
	compactor *contextmgr.Compactor
	checker   *guardrails.Checker
	memory    *guardrails.ApprovalMemory
	stor      TaskStore
	bus       *store.Bus
	delegator Delegator
	enrichers []PromptEnricher
	counter   *observability.TokenCounter
	metrics   *observability.MetricsCollector
	cfg       Config
	now       func() time.Time
}

// PlanService is the planning surface the loop needs; *planner.Planner
// satisfies it.
type PlanService interface {
	CreatePlan(ctx context.Context, goal string, available []tools.ToolInfo, extra string) *task.Plan
	RevisePlan(ctx context.Context, plan *task.Plan, goal, observations string, available []tools.ToolInfo) *task.Plan
}

// Deps wires a loop. Nil optional fields (bus, delegator, memory, counter,
// enrichers) degrade gracefully.
type Deps struct {
	LLM       *diagnostics.Failover
	Registry  *tools.Registry
	Planner   PlanService
	Selector  *contextmgr.Selector
	Compactor *contextmgr.Compactor
	Checker   *guardrails.Checker
	Memory    *guardrails.ApprovalMemory
	Store     TaskStore
	Bus       *store.Bus
	Delegator Delegator
	Enrichers []PromptEnricher
	Counter   *observability.TokenCounter
}

func NewLoop(deps Deps, cfg Config) *Loop {
	if cfg.ApprovalPoll <= 0 {
		cfg.ApprovalPoll = defaultApprovalPoll
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = defaultApprovalTTL
	}
	return &Loop{
		llm:       deps.LLM,
		registry:  deps.Registry,
		planner:   deps.Planner,
		selector:  deps.Selector,
		compactor: deps.Compactor,
		checker:   deps.Checker,
		memory:    deps.Memory,
		stor:      deps.Store,
		bus:       deps.Bus,
		delegator: deps.Delegator,
		enrichers: deps.Enrichers,
		counter:   deps.Counter,
		metrics:   observability.NewMetricsCollector(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Metrics exposes the loop's collector, for callers that report usage.
func (l *Loop) Metrics() *observability.MetricsCollector { return l.metrics }

// Run drives the task to a terminal state. The returned error reflects
// infrastructure trouble only; task-level failure lands in the task record.
func (l *Loop) Run(ctx context.Context, t *task.Task) error {
	log := logger.GetLogger()
	if t.StartedAt.IsZero() {
		t.StartedAt = l.now().UTC()
	}
	defer l.checker.TaskFinished(t.ID)

	for {
		if ctx.Err() != nil {
			return l.cancelTask(ctx, t)
		}

		if err := l.checker.CheckBudget(t, l.now()); err != nil {
			return l.failTask(ctx, t, err.Error())
		}

		if t.Plan == nil {
			plan := l.planner.CreatePlan(ctx, t.Goal, l.registry.ListTools(), "")
			t.Plan = plan
			if err := t.Transition(task.StatusExecuting); err != nil {
				return err
			}
			l.save(ctx, t)
			planJSON, _ := plan.Marshal()
			l.emit(task.Event{
				Type:    task.EventPlanCreated,
				TaskID:  t.ID,
				Content: string(planJSON),
			})
			l.emitMetrics(t)
		}

		step := t.Plan.NextEligibleStep()
		if step == nil {
			if t.Plan.IsComplete() {
				return l.completeTask(ctx, t, lastStepResult(t.Plan))
			}
			return l.failTask(ctx, t, "no eligible steps remain; plan is blocked")
		}

		if err := l.runStep(ctx, t, step); err != nil {
			switch {
			case ctx.Err() != nil:
				return l.cancelTask(ctx, t)
			case isBudgetError(err):
				return l.failTask(ctx, t, err.Error())
			case isTaskDone(err):
				return l.completeTask(ctx, t, t.Result)
			default:
				// Step failed. Revise the plan around the failure;
				// completed steps are preserved.
				t.Counters.FailedSteps++
				log.Warn("Step failed", "task_id", t.ID, "step", step.ID, "error", err)
				if t.Counters.FailedSteps >= maxFailedSteps {
					return l.failTask(ctx, t,
						fmt.Sprintf("%d steps failed with no progress; last error: %v", maxFailedSteps, err))
				}
				t.Plan = l.planner.RevisePlan(ctx, t.Plan, t.Goal,
					fmt.Sprintf("step %q failed: %v", step.Description, err), l.registry.ListTools())
				l.save(ctx, t)
			}
		}
		l.emitMetrics(t)
	}
}

// Control-flow sentinels internal to the loop.
var (
	errTaskDone = fmt.Errorf("task declared complete")
)

func isTaskDone(err error) bool { return err == errTaskDone }

func isBudgetError(err error) bool {
	switch err {
	case guardrails.ErrIterationLimit, guardrails.ErrToolCallLimit,
		guardrails.ErrTokenBudget, guardrails.ErrWallTimeLimit:
		return true
	}
	return false
}

// runStep iterates LLM calls and tool dispatches until the step completes or
// fails. Returns nil on completion, errTaskDone when the model declared the
// whole task finished, or an error describing the step failure.
func (l *Loop) runStep(ctx context.Context, t *task.Task, step *task.Step) error {
	step.Status = task.StepInProgress
	l.save(ctx, t)
	l.emit(task.Event{Type: task.EventStepStarted, TaskID: t.ID, StepID: step.ID,
		Content: step.Description, Progress: l.progress(t)})

	tracker := diagnostics.NewTracker()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.checker.CheckBudget(t, l.now()); err != nil {
			return err
		}
		t.Counters.Iterations++

		resp, err := l.generate(ctx, t, step, tracker)
		if err != nil {
			step.Attempts++
			tracker.RecordFailure(task.ToolCall{Name: "llm"}, err.Error())
			if step.Attempts >= maxStepFailures {
				return l.failStep(ctx, t, step, fmt.Sprintf("model chain exhausted: %v", err))
			}
			continue
		}

		if len(resp.ToolCalls) == 0 {
			// Free text with no tool calls closes the step.
			l.completeStep(ctx, t, step, resp.Content)
			return nil
		}

		t.Conversation = append(t.Conversation, llms.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Content != "" {
			l.emit(task.Event{Type: task.EventThinking, TaskID: t.ID, StepID: step.ID, Content: resp.Content})
		}

		stepDone, taskDone, err := l.dispatchCalls(ctx, t, step, resp.ToolCalls, tracker)
		if err != nil {
			return err
		}
		if taskDone {
			return errTaskDone
		}
		if stepDone {
			return nil
		}

		if tracker.Failures() >= maxStepFailures {
			return l.failStep(ctx, t, step,
				fmt.Sprintf("step failed %d times; dominant cause: %s", tracker.Failures(), tracker.Dominant()))
		}
	}
}

// dispatchCalls runs one iteration's tool calls in order.
func (l *Loop) dispatchCalls(ctx context.Context, t *task.Task, step *task.Step, calls []llms.ToolCall, tracker *diagnostics.Tracker) (stepDone, taskDone bool, err error) {
	for _, llmCall := range calls {
		call, parseErr := convertCall(llmCall)
		if parseErr != nil {
			result := task.ToolResult{CallID: llmCall.ID, Success: false,
				Error: fmt.Sprintf("malformed arguments for %s: %v", llmCall.Name, parseErr)}
			l.observeResult(t, step, call, result, tracker)
			continue
		}

		// Control tools resolve inside the loop, before guardrails.
		switch call.Name {
		case tools.ToolTaskComplete:
			result := stringArg(call.Arguments, "result")
			l.appendControlResult(t, call, result)
			l.completeStep(ctx, t, step, result)
			skipRemaining(t.Plan)
			t.Result = result
			return true, true, nil
		case tools.ToolStepComplete:
			result := stringArg(call.Arguments, "result")
			l.appendControlResult(t, call, result)
			l.completeStep(ctx, t, step, result)
			return true, false, nil
		case tools.ToolAskHuman:
			result, waitErr := l.askHuman(ctx, t, step, call)
			if waitErr != nil {
				return false, false, waitErr
			}
			l.observeResult(t, step, call, result, tracker)
			continue
		}

		info := l.toolInfo(call.Name)
		decision := l.checker.CheckCall(t, info, call)
		if decision.Verdict == guardrails.VerdictNeedsApproval {
			approved, waitErr := l.waitForApproval(ctx, t, step, call, info.Risk, decision.Reason)
			if waitErr != nil {
				return false, false, waitErr
			}
			if !approved {
				result := task.ToolResult{CallID: call.ID, Success: false,
					Error: fmt.Sprintf("approval denied: %s", decision.Reason)}
				l.observeResult(t, step, call, result, tracker)
				continue
			}
		}

		l.emit(task.Event{Type: task.EventToolCalled, TaskID: t.ID, StepID: step.ID,
			ToolName: call.Name, ToolArgs: serializeArgs(call.Arguments)})

		result := l.execute(ctx, t, call, info)
		t.Counters.ToolCalls++
		l.metrics.RecordToolExecution(result.ExecutionTime)
		l.observeResult(t, step, call, result, tracker)
		l.save(ctx, t)
	}
	return false, false, nil
}

// execute dispatches by origin: delegation through the coordinator,
// everything else through the registry (builtins, MCP, skills).
func (l *Loop) execute(ctx context.Context, t *task.Task, call task.ToolCall, info tools.ToolInfo) task.ToolResult {
	if info.Origin == tools.OriginAgent && l.delegator != nil {
		return l.delegate(ctx, t, call)
	}

	ctx = tools.WithWorkspace(ctx, t.Workspace)
	ctx = tools.WithUser(ctx, t.UserID)
	ctx = tools.WithTask(ctx, t.ID)
	return l.registry.Execute(ctx, call)
}

func (l *Loop) delegate(ctx context.Context, t *task.Task, call task.ToolCall) task.ToolResult {
	started := l.now()
	var output string
	switch call.Name {
	case coordinator.ToolDelegateParallel:
		specs, err := parseChildSpecs(call.Arguments)
		if err != nil {
			return task.ToolResult{CallID: call.ID, Success: false, Error: err.Error()}
		}
		results := l.delegator.DelegateParallel(ctx, t, specs)
		blob, _ := json.MarshalIndent(results, "", "  ")
		output = string(blob)
	default:
		output = l.delegator.Delegate(ctx, t,
			stringArg(call.Arguments, "goal"), stringArg(call.Arguments, "specialist"))
	}
	return task.ToolResult{
		CallID:        call.ID,
		Success:       true,
		Output:        task.TruncateOutput(output),
		ExecutionTime: l.now().Sub(started),
	}
}

// appendControlResult closes out an intercepted control call so the
// transcript stays well-formed for the next model turn.
func (l *Loop) appendControlResult(t *task.Task, call task.ToolCall, result string) {
	t.Conversation = append(t.Conversation, llms.Message{
		Role:       "tool",
		Content:    result,
		ToolCallID: call.ID,
		Name:       call.Name,
	})
}

// observeResult records a finished call on the step, the conversation, the
// tracker, and the event stream.
func (l *Loop) observeResult(t *task.Task, step *task.Step, call task.ToolCall, result task.ToolResult, tracker *diagnostics.Tracker) {
	step.ToolCalls = append(step.ToolCalls, call)
	step.ToolResults = append(step.ToolResults, result)

	tracker.RecordCall(call)
	if !result.Success {
		tracker.RecordFailure(call, result.Error)
	}

	content := result.Output
	if !result.Success {
		content = "ERROR: " + result.Error
	}
	t.Conversation = append(t.Conversation, llms.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
	})

	l.emit(task.Event{Type: task.EventToolResult, TaskID: t.ID, StepID: step.ID,
		ToolName: call.Name, ToolResult: content})
}

func (l *Loop) completeStep(ctx context.Context, t *task.Task, step *task.Step, result string) {
	step.Status = task.StepComplete
	step.Result = result
	l.save(ctx, t)
	l.emit(task.Event{Type: task.EventStepComplete, TaskID: t.ID, StepID: step.ID,
		Content: result, Progress: l.progress(t)})
}

func (l *Loop) failStep(ctx context.Context, t *task.Task, step *task.Step, reason string) error {
	step.Status = task.StepFailed
	step.Error = reason
	l.save(ctx, t)
	return fmt.Errorf("%s", reason)
}

func (l *Loop) completeTask(ctx context.Context, t *task.Task, result string) error {
	if err := t.Complete(result); err != nil {
		return err
	}
	l.save(ctx, t)
	l.emitMetrics(t)
	l.emit(task.Event{Type: task.EventTaskComplete, TaskID: t.ID, Content: result})
	return nil
}

func (l *Loop) failTask(ctx context.Context, t *task.Task, reason string) error {
	// Best-effort partial summary before the failure event.
	if partial := lastStepResult(t.Plan); partial != "" {
		l.emit(task.Event{Type: task.EventThinking, TaskID: t.ID,
			Content: "Partial results before failure: " + partial})
	}
	if err := t.Fail(reason); err != nil {
		return err
	}
	l.save(ctx, t)
	l.emitMetrics(t)
	l.emit(task.Event{Type: task.EventTaskFailed, TaskID: t.ID, Content: reason})
	return nil
}

func (l *Loop) cancelTask(ctx context.Context, t *task.Task) error {
	if t.Status.IsTerminal() {
		return nil
	}
	if err := t.Transition(task.StatusCancelled); err != nil {
		return err
	}
	l.save(context.WithoutCancel(ctx), t)
	l.emit(task.Event{Type: task.EventTaskFailed, TaskID: t.ID, Content: "task cancelled"})
	return task.ErrCancelled
}

func (l *Loop) progress(t *task.Task) *task.Progress {
	if t.Plan == nil {
		return nil
	}
	completed := 0
	for _, s := range t.Plan.Steps {
		if s.Status == task.StepComplete {
			completed++
		}
	}
	return &task.Progress{
		CompletedSteps: completed,
		TotalSteps:     len(t.Plan.Steps),
		Iteration:      t.Counters.Iterations,
	}
}

func (l *Loop) emit(e task.Event) {
	if l.bus != nil {
		l.bus.Publish(e)
	}
}

func (l *Loop) emitMetrics(t *task.Task) {
	snapshot, err := json.Marshal(l.metrics.Snapshot())
	if err != nil {
		return
	}
	l.emit(task.Event{Type: task.EventMetricsUpdate, TaskID: t.ID, Content: string(snapshot)})
}

func (l *Loop) save(ctx context.Context, t *task.Task) {
	if l.stor == nil {
		return
	}
	if err := l.stor.SaveTask(ctx, t); err != nil {
		logger.GetLogger().Warn("Failed to persist task", "task_id", t.ID, "error", err)
	}
}

func (l *Loop) toolInfo(name string) tools.ToolInfo {
	tool, err := l.registry.GetTool(name)
	if err != nil {
		// Unknown tools flow to Execute, which fails them in a structured
		// way; grade them high risk in the meantime.
		return tools.ToolInfo{Name: name, Risk: task.RiskHigh}
	}
	return tool.Info()
}

// lastStepResult finds the most recent completed step's result text.
func lastStepResult(p *task.Plan) string {
	if p == nil {
		return ""
	}
	result := ""
	for _, s := range p.Steps {
		if s.Status == task.StepComplete && s.Result != "" {
			result = s.Result
		}
	}
	return result
}

// skipRemaining marks pending steps skipped once the task result is declared.
func skipRemaining(p *task.Plan) {
	if p == nil {
		return
	}
	for i := range p.Steps {
		if p.Steps[i].Status == task.StepPending || p.Steps[i].Status == task.StepInProgress {
			p.Steps[i].Status = task.StepSkipped
		}
	}
}

func convertCall(c llms.ToolCall) (task.ToolCall, error) {
	out := task.ToolCall{ID: c.ID, Name: c.Name, Arguments: map[string]any{}}
	if c.Arguments == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(c.Arguments), &out.Arguments); err != nil {
		return out, err
	}
	return out, nil
}

func parseChildSpecs(args map[string]any) ([]coordinator.ChildSpec, error) {
	raw, ok := args["children"]
	if !ok {
		return nil, fmt.Errorf("delegate_parallel requires a children list")
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var specs []coordinator.ChildSpec
	if err := json.Unmarshal(blob, &specs); err != nil {
		return nil, fmt.Errorf("malformed children list: %w", err)
	}
	return specs, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func serializeArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
