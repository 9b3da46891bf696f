package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/contextmgr"
	"github.com/kestrel-ai/kestrel/pkg/coordinator"
	"github.com/kestrel-ai/kestrel/pkg/diagnostics"
	"github.com/kestrel-ai/kestrel/pkg/guardrails"
	"github.com/kestrel-ai/kestrel/pkg/llms"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// scriptedLLM replays a fixed sequence of responses. Once the script runs
// out, it declares the task complete so no test can spin forever.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []llms.Response
	requests  []llms.Request
}

func (s *scriptedLLM) ModelName() string  { return "scripted" }
func (s *scriptedLLM) Kind() llms.Kind    { return llms.KindCloud }
func (s *scriptedLLM) ContextWindow() int { return 128000 }

func (s *scriptedLLM) Generate(_ context.Context, req llms.Request) (*llms.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return &llms.Response{ToolCalls: []llms.ToolCall{
			{ID: "fallback", Name: tools.ToolTaskComplete, Arguments: `{"result":"script exhausted"}`},
		}}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return &resp, nil
}

func (s *scriptedLLM) Stream(context.Context, llms.Request) (<-chan llms.StreamChunk, error) {
	return nil, fmt.Errorf("not streaming")
}

func callJSON(name, args string) llms.ToolCall {
	return llms.ToolCall{ID: "call-" + name, Name: name, Arguments: args}
}

// fixedPlanner hands out a canned plan and counts revisions.
type fixedPlanner struct {
	mu        sync.Mutex
	steps     []string
	revisions int
	onRevise  func(plan *task.Plan) *task.Plan
}

func (p *fixedPlanner) CreatePlan(_ context.Context, goal string, _ []tools.ToolInfo, _ string) *task.Plan {
	steps := make([]task.Step, len(p.steps))
	for i, desc := range p.steps {
		steps[i] = task.Step{ID: fmt.Sprintf("s%d", i+1), Index: i, Description: desc, Status: task.StepPending}
	}
	return &task.Plan{Steps: steps, Reasoning: "canned plan for " + goal, CreatedAt: time.Now().UTC()}
}

func (p *fixedPlanner) RevisePlan(_ context.Context, plan *task.Plan, _, _ string, _ []tools.ToolInfo) *task.Plan {
	p.mu.Lock()
	p.revisions++
	p.mu.Unlock()
	if p.onRevise != nil {
		return p.onRevise(plan)
	}
	return plan
}

// memStore keeps tasks and approvals in maps. resolveAs, when set, resolves
// any pending approval on the first poll.
type memStore struct {
	mu        sync.Mutex
	tasks     map[string]*task.Task
	approvals map[string]*task.ApprovalRequest
	resolveAs task.ApprovalStatus
}

func newMemStore() *memStore {
	return &memStore{
		tasks:     map[string]*task.Task{},
		approvals: map[string]*task.ApprovalRequest{},
	}
}

func (m *memStore) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *t
	m.tasks[t.ID] = &copied
	return nil
}

func (m *memStore) SaveApproval(_ context.Context, a *task.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *a
	m.approvals[a.ID] = &copied
	return nil
}

func (m *memStore) GetApproval(_ context.Context, id string) (*task.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if a.Status == task.ApprovalPending && m.resolveAs != "" {
		a.Status = m.resolveAs
		a.ResolvedAt = time.Now().UTC()
		a.ResolvedBy = "tester"
	}
	copied := *a
	return &copied, nil
}

type fakeDelegator struct {
	mu       sync.Mutex
	goals    []string
	parallel [][]coordinator.ChildSpec
}

func (f *fakeDelegator) Delegate(_ context.Context, _ *task.Task, goal, specialist string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goals = append(f.goals, goal)
	return fmt.Sprintf("%s finished: %s", specialist, goal)
}

func (f *fakeDelegator) DelegateParallel(_ context.Context, _ *task.Task, specs []coordinator.ChildSpec) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parallel = append(f.parallel, specs)
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = "done: " + s.Goal
	}
	return out
}

// staticTool is a registry entry with a fixed result.
type staticTool struct {
	info   tools.ToolInfo
	result task.ToolResult
	err    error
}

func (s *staticTool) Info() tools.ToolInfo { return s.info }
func (s *staticTool) Execute(context.Context, map[string]any) (task.ToolResult, error) {
	return s.result, s.err
}

type loopFixture struct {
	llm       *scriptedLLM
	planner   *fixedPlanner
	stor      *memStore
	bus       *store.Bus
	registry  *tools.Registry
	delegator *fakeDelegator
	loop      *Loop
}

func newFixture(t *testing.T, responses []llms.Response, steps []string) *loopFixture {
	t.Helper()

	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, tools.BuiltinConfig{}))
	require.NoError(t, registry.RegisterTool(&staticTool{
		info:   tools.ToolInfo{Name: "echo", Description: "echoes", Risk: task.RiskLow},
		result: task.ToolResult{Success: true, Output: "echoed"},
	}))
	require.NoError(t, coordinator.RegisterDelegationTools(registry))

	checker, err := guardrails.NewChecker(guardrails.Config{}, guardrails.NewApprovalMemory(nil))
	require.NoError(t, err)

	f := &loopFixture{
		llm:       &scriptedLLM{responses: responses},
		planner:   &fixedPlanner{steps: steps},
		stor:      newMemStore(),
		bus:       store.NewBus(nil),
		registry:  registry,
		delegator: &fakeDelegator{},
	}
	f.loop = NewLoop(Deps{
		LLM:       diagnostics.NewFailover([]llms.LLM{f.llm}),
		Registry:  registry,
		Planner:   f.planner,
		Checker:   checker,
		Memory:    guardrails.NewApprovalMemory(nil),
		Store:     f.stor,
		Bus:       f.bus,
		Delegator: f.delegator,
	}, Config{ApprovalPoll: time.Millisecond, ApprovalTTL: time.Minute})
	return f
}

func collectEvents(t *testing.T, bus *store.Bus, taskID string) []task.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var events []task.Event
	for e := range bus.Subscribe(ctx, taskID) {
		events = append(events, e)
	}
	return events
}

func eventTypes(events []task.Event) []task.EventType {
	out := make([]task.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestTrivialGoalCompletesImmediately(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"4"}`)}},
	}, []string{"answer the question"})

	tk := task.New("alice", "ws1", "What is 2+2?")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, task.StatusComplete, tk.Status)
	assert.Equal(t, "4", tk.Result)
	assert.LessOrEqual(t, tk.Counters.ToolCalls, 2)

	types := eventTypes(collectEvents(t, f.bus, tk.ID))
	assert.Contains(t, types, task.EventPlanCreated)
	assert.Contains(t, types, task.EventStepComplete)
	assert.Equal(t, task.EventTaskComplete, types[len(types)-1])
}

func TestFreeTextClosesStep(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{Content: "The docs live under docs/."},
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"found them"}`)}},
	}, []string{"locate docs", "report back"})

	tk := task.New("alice", "ws1", "find the docs")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, task.StatusComplete, tk.Status)
	require.Len(t, tk.Plan.Steps, 2)
	assert.Equal(t, task.StepComplete, tk.Plan.Steps[0].Status)
	assert.Equal(t, "The docs live under docs/.", tk.Plan.Steps[0].Result)
}

func TestToolResultsFlowIntoConversation(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{ToolCalls: []llms.ToolCall{callJSON("echo", `{"text":"hi"}`)}},
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"done"}`)}},
	}, []string{"use the echo tool"})

	tk := task.New("alice", "ws1", "echo something")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, task.StatusComplete, tk.Status)
	assert.Equal(t, 1, tk.Counters.ToolCalls)

	var toolMsg *llms.Message
	for i := range tk.Conversation {
		if tk.Conversation[i].Role == "tool" {
			toolMsg = &tk.Conversation[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "echoed", toolMsg.Content)
	assert.Equal(t, "echo", toolMsg.Name)
}

func TestDangerousCommandSuspendsForApproval(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{ToolCalls: []llms.ToolCall{callJSON("code_execute", `{"command":"rm -rf /"}`)}},
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"aborted"}`)}},
	}, []string{"clean up"})
	f.stor.resolveAs = task.ApprovalDenied

	tk := task.New("alice", "ws1", "clean up the disk")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, task.StatusComplete, tk.Status)

	events := collectEvents(t, f.bus, tk.ID)
	var approvalEvent *task.Event
	for i := range events {
		if events[i].Type == task.EventApprovalNeeded {
			approvalEvent = &events[i]
		}
	}
	require.NotNil(t, approvalEvent, "expected an approval_needed event")
	assert.Contains(t, approvalEvent.Content, "Dangerous pattern")
	assert.Equal(t, "code_execute", approvalEvent.ToolName)

	// The denial landed in the conversation as a failed tool result.
	var denied bool
	for _, msg := range tk.Conversation {
		if msg.Role == "tool" && msg.Name == "code_execute" {
			assert.Contains(t, msg.Content, "approval denied")
			denied = true
		}
	}
	assert.True(t, denied)
}

func TestApprovedCallExecutes(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{ToolCalls: []llms.ToolCall{callJSON("risky", `{"target":"prod"}`)}},
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"deployed"}`)}},
	}, []string{"deploy"})
	require.NoError(t, f.registry.RegisterTool(&staticTool{
		info:   tools.ToolInfo{Name: "risky", Description: "deploys", Risk: task.RiskHigh},
		result: task.ToolResult{Success: true, Output: "deploy ok"},
	}))
	f.stor.resolveAs = task.ApprovalApproved

	tk := task.New("alice", "ws1", "deploy to prod")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, task.StatusComplete, tk.Status)
	assert.Equal(t, 1, tk.Counters.ToolCalls)
	var sawOutput bool
	for _, msg := range tk.Conversation {
		if msg.Role == "tool" && msg.Content == "deploy ok" {
			sawOutput = true
		}
	}
	assert.True(t, sawOutput)
}

func TestToolCallBudgetFailsTask(t *testing.T) {
	echo := llms.Response{ToolCalls: []llms.ToolCall{callJSON("echo", `{}`)}}
	f := newFixture(t, []llms.Response{echo, echo, echo, echo}, []string{"spin"})

	tk := task.New("alice", "ws1", "spin forever")
	tk.Guardrails.MaxToolCalls = 2
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Contains(t, tk.Error, "Tool call limit")

	types := eventTypes(collectEvents(t, f.bus, tk.ID))
	assert.Equal(t, task.EventTaskFailed, types[len(types)-1])
}

func TestDelegationRoutedThroughDelegator(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{ToolCalls: []llms.ToolCall{callJSON(coordinator.ToolDelegate, `{"goal":"audit the code","specialist":"reviewer"}`)}},
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"audited"}`)}},
	}, []string{"delegate the audit"})

	tk := task.New("alice", "ws1", "audit")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, task.StatusComplete, tk.Status)
	require.Len(t, f.delegator.goals, 1)
	assert.Equal(t, "audit the code", f.delegator.goals[0])

	var sawResult bool
	for _, msg := range tk.Conversation {
		if msg.Role == "tool" && msg.Content == "reviewer finished: audit the code" {
			sawResult = true
		}
	}
	assert.True(t, sawResult)
}

func TestParallelDelegationGathers(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{ToolCalls: []llms.ToolCall{callJSON(coordinator.ToolDelegateParallel,
			`{"children":[{"goal":"a","specialist":"coder"},{"goal":"b","specialist":"analyst"}]}`)}},
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"merged"}`)}},
	}, []string{"fan out"})

	tk := task.New("alice", "ws1", "parallel work")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	require.Len(t, f.delegator.parallel, 1)
	require.Len(t, f.delegator.parallel[0], 2)
	assert.Equal(t, "a", f.delegator.parallel[0][0].Goal)
}

func TestCancellationMarksTaskCancelled(t *testing.T) {
	f := newFixture(t, nil, []string{"never runs"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tk := task.New("alice", "ws1", "doomed")
	err := f.loop.Run(ctx, tk)
	require.ErrorIs(t, err, task.ErrCancelled)
	assert.Equal(t, task.StatusCancelled, tk.Status)
}

func TestRepeatedFailuresFailStepThenTask(t *testing.T) {
	fail := llms.Response{ToolCalls: []llms.ToolCall{callJSON("broken", `{"path":"x"}`)}}
	responses := make([]llms.Response, 0, 12)
	for i := 0; i < 12; i++ {
		responses = append(responses, fail)
	}
	f := newFixture(t, responses, []string{"doomed step"})
	require.NoError(t, f.registry.RegisterTool(&staticTool{
		info:   tools.ToolInfo{Name: "broken", Description: "always fails", Risk: task.RiskLow},
		result: task.ToolResult{Success: false, Error: "file not found: x"},
	}))
	// Revision leaves the failed plan as is, so the task runs out of
	// eligible steps and the failure budget together.
	f.planner.onRevise = func(plan *task.Plan) *task.Plan {
		for i := range plan.Steps {
			plan.Steps[i].Status = task.StepPending
		}
		return plan
	}

	tk := task.New("alice", "ws1", "read a missing file")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Contains(t, tk.Error, "steps failed")
	assert.Equal(t, maxFailedSteps, tk.Counters.FailedSteps)
	assert.Equal(t, maxFailedSteps-1, f.planner.revisions)
}

func TestMalformedToolArgumentsBecomeFailedResult(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{ToolCalls: []llms.ToolCall{callJSON("echo", `{not json`)}},
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"recovered"}`)}},
	}, []string{"recover"})

	tk := task.New("alice", "ws1", "handle bad args")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, task.StatusComplete, tk.Status)
	var sawError bool
	for _, msg := range tk.Conversation {
		if msg.Role == "tool" && msg.Name == "echo" {
			assert.Contains(t, msg.Content, "malformed arguments")
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestTaskCompleteSkipsRemainingSteps(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"shortcut"}`)}},
	}, []string{"step one", "step two", "step three"})

	tk := task.New("alice", "ws1", "multi step goal")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, task.StatusComplete, tk.Status)
	assert.Equal(t, task.StepComplete, tk.Plan.Steps[0].Status)
	assert.Equal(t, task.StepSkipped, tk.Plan.Steps[1].Status)
	assert.Equal(t, task.StepSkipped, tk.Plan.Steps[2].Status)
}

func TestSystemPromptCarriesEnrichersAndPriorSteps(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolStepComplete, `{"result":"alpha done"}`)}},
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"all done"}`)}},
	}, []string{"alpha", "beta"})
	f.loop.enrichers = []PromptEnricher{staticEnricher("User prefers terse answers.")}

	tk := task.New("alice", "ws1", "two phase goal")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	require.Len(t, f.llm.requests, 2)
	first := f.llm.requests[0].Messages[0]
	assert.Equal(t, "system", first.Role)
	assert.Contains(t, first.Content, "User prefers terse answers.")

	second := f.llm.requests[1].Messages[0]
	assert.Contains(t, second.Content, "alpha done")
}

type staticEnricher string

func (s staticEnricher) PromptSection(context.Context, *task.Task) string { return string(s) }

// tinyWindowLLM is a scripted model whose context window is far smaller than
// any real prompt, forcing the compactor over its red line on every turn.
type tinyWindowLLM struct{ scriptedLLM }

func (l *tinyWindowLLM) ContextWindow() int { return 80 }

func TestContextOverBudgetEmitsEscalationEvent(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, tools.BuiltinConfig{}))
	checker, err := guardrails.NewChecker(guardrails.Config{}, guardrails.NewApprovalMemory(nil))
	require.NoError(t, err)

	llm := &tinyWindowLLM{scriptedLLM: scriptedLLM{responses: []llms.Response{
		{ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"ok"}`)}},
	}}}
	bus := store.NewBus(nil)
	loop := NewLoop(Deps{
		LLM:       diagnostics.NewFailover([]llms.LLM{llm}),
		Registry:  registry,
		Planner:   &fixedPlanner{steps: []string{"one step"}},
		Checker:   checker,
		Memory:    guardrails.NewApprovalMemory(nil),
		Store:     newMemStore(),
		Bus:       bus,
		Compactor: contextmgr.NewCompactor(nil),
	}, Config{ApprovalPoll: time.Millisecond, ApprovalTTL: time.Minute})

	tk := task.New("alice", "ws1", "a goal the window cannot hold")
	require.NoError(t, loop.Run(context.Background(), tk))
	assert.Equal(t, task.StatusComplete, tk.Status)

	var escalated bool
	for _, e := range collectEvents(t, bus, tk.ID) {
		if e.Type == task.EventThinking && strings.Contains(e.Content, "window limit") {
			escalated = true
		}
	}
	assert.True(t, escalated, "expected an over-budget escalation event")
}

func TestTokensAccumulateFromUsage(t *testing.T) {
	f := newFixture(t, []llms.Response{
		{
			ToolCalls: []llms.ToolCall{callJSON(tools.ToolTaskComplete, `{"result":"ok"}`)},
			Usage:     llms.Usage{PromptTokens: 900, CompletionTokens: 100, TotalTokens: 1000},
		},
	}, []string{"count tokens"})

	tk := task.New("alice", "ws1", "goal")
	require.NoError(t, f.loop.Run(context.Background(), tk))

	assert.Equal(t, 1000, tk.Counters.TokensUsed)
	assert.Equal(t, 1000, f.loop.Metrics().TotalTokens())
}
