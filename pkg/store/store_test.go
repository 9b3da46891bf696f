package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/guardrails"
	"github.com/kestrel-ai/kestrel/pkg/task"
)

func openTest(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestTaskRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tk := task.New("alice", "ws1", "summarize the repo")
	tk.Source = "cron:nightly"
	tk.Plan = &task.Plan{
		RevisionCount: 2,
		Steps: []task.Step{
			{ID: "s1", Description: "read files", Status: task.StepComplete, Result: "done"},
			{ID: "s2", Description: "write summary", Status: task.StepPending},
		},
	}
	tk.Counters.ToolCalls = 3
	require.NoError(t, s.SaveTask(ctx, tk))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "cron:nightly", got.Source)
	assert.Equal(t, task.StatusPlanning, got.Status)
	assert.Equal(t, 3, got.Counters.ToolCalls)
	require.NotNil(t, got.Plan)
	assert.Equal(t, 2, got.Plan.RevisionCount)
	assert.Equal(t, task.StepComplete, got.Plan.Steps[0].Status)

	// Upsert on the same id updates in place.
	require.NoError(t, tk.Complete("summary written"))
	require.NoError(t, s.SaveTask(ctx, tk))
	got, err = s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusComplete, got.Status)
	assert.Equal(t, "summary written", got.Result)
	assert.False(t, got.EndedAt.IsZero())
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTest(t)
	_, err := s.GetTask(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListTasksOrdersByRecency(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	older := task.New("alice", "ws1", "first")
	older.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.SaveTask(ctx, older))

	newer := task.New("alice", "ws1", "second")
	require.NoError(t, s.SaveTask(ctx, newer))

	other := task.New("alice", "ws2", "elsewhere")
	require.NoError(t, s.SaveTask(ctx, other))

	tasks, err := s.ListTasks(ctx, "ws1", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "second", tasks[0].Goal)
	assert.Equal(t, "first", tasks[1].Goal)
}

func TestPauseInFlight(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	running := task.New("alice", "ws1", "running")
	require.NoError(t, running.Transition(task.StatusExecuting))
	require.NoError(t, s.SaveTask(ctx, running))

	waiting := task.New("alice", "ws1", "waiting")
	require.NoError(t, waiting.Transition(task.StatusWaitingApproval))
	require.NoError(t, s.SaveTask(ctx, waiting))

	done := task.New("alice", "ws1", "done")
	require.NoError(t, done.Complete("ok"))
	require.NoError(t, s.SaveTask(ctx, done))

	ids, err := s.PauseInFlight(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{running.ID, waiting.ID}, ids)

	got, err := s.GetTask(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status)

	got, err = s.GetTask(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusComplete, got.Status)
}

func TestApprovalResolution(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tk := task.New("alice", "ws1", "goal")
	require.NoError(t, s.SaveTask(ctx, tk))

	call := task.ToolCall{ID: "c1", Name: "code_execute", Arguments: map[string]any{"command": "make deploy"}}
	a := task.NewApproval(tk.ID, "ws1", call, task.RiskHigh, "high risk tool", time.Hour)
	require.NoError(t, s.SaveApproval(ctx, a))

	// A stranger cannot resolve.
	_, err := s.ResolveApproval(ctx, a.ID, "mallory", true)
	require.ErrorIs(t, err, ErrNotOwner)

	// The owner resolves once.
	resolved, err := s.ResolveApproval(ctx, a.ID, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, task.ApprovalApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)

	// A second resolution loses, regardless of direction.
	_, err = s.ResolveApproval(ctx, a.ID, "alice", false)
	require.ErrorIs(t, err, ErrAlreadyResolved)

	got, err := s.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ApprovalApproved, got.Status)
	assert.Equal(t, "code_execute", got.Call.Name)
}

func TestApprovalExpiry(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tk := task.New("alice", "ws1", "goal")
	require.NoError(t, s.SaveTask(ctx, tk))

	a := task.NewApproval(tk.ID, "ws1", task.ToolCall{ID: "c", Name: "file_write"},
		task.RiskMedium, "needs approval", time.Nanosecond)
	require.NoError(t, s.SaveApproval(ctx, a))
	time.Sleep(10 * time.Millisecond)

	_, err := s.ResolveApproval(ctx, a.ID, "alice", true)
	require.ErrorIs(t, err, ErrApprovalExpired)

	got, err := s.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ApprovalExpired, got.Status)
}

func TestPendingApprovals(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tk := task.New("alice", "ws1", "goal")
	require.NoError(t, s.SaveTask(ctx, tk))

	first := task.NewApproval(tk.ID, "ws1", task.ToolCall{ID: "1", Name: "a"}, task.RiskLow, "", 0)
	first.CreatedAt = first.CreatedAt.Add(-time.Minute)
	require.NoError(t, s.SaveApproval(ctx, first))
	second := task.NewApproval(tk.ID, "ws1", task.ToolCall{ID: "2", Name: "b"}, task.RiskLow, "", 0)
	require.NoError(t, s.SaveApproval(ctx, second))

	pending, err := s.PendingApprovals(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)

	_, err = s.ResolveApproval(ctx, first.ID, "alice", false)
	require.NoError(t, err)
	pending, err = s.PendingApprovals(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestApprovalPatternStore(t *testing.T) {
	s := openTest(t)

	p := guardrails.Pattern{Workspace: "ws1", ToolName: "file_write", Fingerprint: "abc", ApprovalCount: 1}
	require.NoError(t, s.UpsertPattern(p))

	p.ApprovalCount = 2
	require.NoError(t, s.UpsertPattern(p))

	patterns, err := s.LoadPatterns("ws1")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 2, patterns[0].ApprovalCount)
	assert.Equal(t, "file_write", patterns[0].ToolName)

	patterns, err = s.LoadPatterns("ws2")
	require.NoError(t, err)
	assert.Empty(t, patterns)

	// The memory layer round-trips through the store.
	memory := guardrails.NewApprovalMemory(s)
	args := map[string]any{"path": "/proj/src/main.go"}
	for i := 0; i < 3; i++ {
		memory.Record("ws3", "file_write", args, true)
	}
	fresh := guardrails.NewApprovalMemory(s)
	assert.True(t, fresh.ShouldAutoApprove("ws3", "file_write", args))
}

func TestSkillUpsertKeyedByWorkspaceAndName(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sk := &SkillRecord{Workspace: "ws1", Name: "slugify", Code: "func run(args) {}"}
	require.NoError(t, s.UpsertSkill(ctx, sk))

	sk.Code = "func run(args) { return 1 }"
	require.NoError(t, s.UpsertSkill(ctx, sk))

	got, err := s.GetSkill(ctx, "ws1", "slugify")
	require.NoError(t, err)
	assert.Contains(t, got.Code, "return 1")

	skills, err := s.ListSkills(ctx, "ws1")
	require.NoError(t, err)
	assert.Len(t, skills, 1)

	require.NoError(t, s.DeleteSkill(ctx, "ws1", "slugify"))
	_, err = s.GetSkill(ctx, "ws1", "slugify")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCronJobRunAccounting(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	job := &CronJob{Workspace: "ws1", Name: "nightly", Schedule: "0 3 * * *", Goal: "G", Enabled: true}
	require.NoError(t, s.UpsertCronJob(ctx, job))

	at := time.Now().UTC().Truncate(time.Minute)
	require.NoError(t, s.RecordCronRun(ctx, "ws1", "nightly", at))
	require.NoError(t, s.RecordCronRun(ctx, "ws1", "nightly", at.Add(time.Minute)))

	jobs, err := s.ListCronJobs(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].RunCount)
	assert.False(t, jobs[0].LastRun.IsZero())

	// Re-upserting the definition preserves the counters.
	job.Goal = "G2"
	require.NoError(t, s.UpsertCronJob(ctx, job))
	jobs, err = s.ListCronJobs(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 2, jobs[0].RunCount)
	assert.Equal(t, "G2", jobs[0].Goal)
}

func TestWebhookRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	w := &Webhook{
		ID: "wh1", Workspace: "ws1", Name: "deploy",
		Secret: "s3cret", AllowedIPs: []string{"10.0.0.1"},
		GoalTemplate: "Handle {payload}", Enabled: true,
	}
	require.NoError(t, s.UpsertWebhook(ctx, w))

	got, err := s.GetWebhook(ctx, "wh1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, got.AllowedIPs)
	assert.True(t, got.Enabled)

	_, err = s.GetWebhook(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionMessages(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sess := NewSession("alice", "ws1", "debugging")
	require.NoError(t, s.SaveSession(ctx, sess))

	_, err := s.AppendMessage(ctx, sess.ID, "user", "hello")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, sess.ID, "assistant", "hi")
	require.NoError(t, err)

	messages, err := s.Messages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestBranchRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	b := task.NewBranch("t1", "alt-approach", 2)
	b.StrategyHint = "try the API instead"
	require.NoError(t, s.SaveBranch(ctx, b))

	b.Status = task.BranchComplete
	b.OutcomeSummary = "worked"
	require.NoError(t, s.SaveBranch(ctx, b))

	got, err := s.GetBranch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, task.BranchComplete, got.Status)
	assert.Equal(t, "try the API instead", got.StrategyHint)

	branches, err := s.ListBranches(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, branches, 1)
}

func TestDaemonRecords(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	d := &DaemonRecord{Workspace: "ws1", Name: "watcher", ConfigJSON: "{}", Status: "running"}
	require.NoError(t, s.UpsertDaemon(ctx, d))

	d.Status = "stopped"
	d.LastTick = time.Now().UTC()
	require.NoError(t, s.UpsertDaemon(ctx, d))

	daemons, err := s.ListDaemons(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, daemons, 1)
	assert.Equal(t, "stopped", daemons[0].Status)
	assert.False(t, daemons[0].LastTick.IsZero())
}
