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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/task"
)

// RunCmd launches one goal and streams its events until the task ends.
type RunCmd struct {
	Goal []string `arg:"" help:"Goal for the agent, as free text."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close()

	goal := strings.Join(c.Goal, " ")
	launched, err := rt.runner.Launch(ctx, cli.Workspace, cli.User, goal, "cli")
	if err != nil {
		return err
	}
	fmt.Printf("task %s started\n", launched.ID)

	return followTask(ctx, rt, launched.ID)
}

// ResumeCmd restarts a paused task and streams its events.
type ResumeCmd struct {
	ID string `arg:"" help:"Task ID to resume."`
}

func (c *ResumeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close()

	resumed, err := rt.runner.Resume(ctx, c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("task %s resumed\n", resumed.ID)

	return followTask(ctx, rt, resumed.ID)
}

// TasksCmd lists a workspace's recent tasks.
type TasksCmd struct {
	Limit int `help:"Maximum number of tasks to list." default:"20"`
}

func (c *TasksCmd) Run(cli *CLI) error {
	ctx := context.Background()
	st, err := openStore(cli)
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTasks(ctx, cli.Workspace, c.Limit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("%s  %-17s  %-10s  %s\n",
			t.ID, t.Status, t.Source, clip(t.Goal, 60))
	}
	return nil
}

// ApproveCmd resolves one pending approval request.
type ApproveCmd struct {
	ID   string `arg:"" help:"Approval request ID."`
	Deny bool   `help:"Deny instead of approve."`
}

func (c *ApproveCmd) Run(cli *CLI) error {
	ctx := context.Background()
	st, err := openStore(cli)
	if err != nil {
		return err
	}
	defer st.Close()

	resolved, err := st.ResolveApproval(ctx, c.ID, cli.User, !c.Deny)
	if err != nil {
		return err
	}
	fmt.Printf("approval %s: %s (tool %s)\n", resolved.ID, resolved.Status, resolved.Call.Name)
	return nil
}

func openStore(cli *CLI) (*store.SQLStore, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.Driver, cfg.Store.DSN)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

// followTask prints the task's event stream and reports the final outcome.
func followTask(ctx context.Context, rt *appRuntime, taskID string) error {
	for e := range rt.bus.Subscribe(ctx, taskID) {
		printEvent(e)
	}

	final, err := rt.store.GetTask(context.Background(), taskID)
	if err != nil {
		return fmt.Errorf("fetching final task state: %w", err)
	}
	switch final.Status {
	case task.StatusComplete:
		fmt.Printf("\n%s\n", final.Result)
		return nil
	case task.StatusFailed:
		return fmt.Errorf("task failed: %s", final.Error)
	case task.StatusCancelled:
		return fmt.Errorf("task cancelled")
	default:
		return fmt.Errorf("task ended in state %s", final.Status)
	}
}

func printEvent(e task.Event) {
	switch e.Type {
	case task.EventPlanCreated:
		fmt.Printf("plan: %s\n", clip(e.Content, 400))
	case task.EventStepStarted:
		if e.Progress != nil {
			fmt.Printf("step %d/%d: %s\n", e.Progress.CompletedSteps+1, e.Progress.TotalSteps, e.Content)
		} else {
			fmt.Printf("step: %s\n", e.Content)
		}
	case task.EventThinking:
		fmt.Printf("  %s\n", clip(e.Content, 200))
	case task.EventToolCalled:
		fmt.Printf("  -> %s %s\n", e.ToolName, clip(e.ToolArgs, 120))
	case task.EventToolResult:
		fmt.Printf("  <- %s\n", clip(e.ToolResult, 200))
	case task.EventStepComplete:
		fmt.Printf("  step done\n")
	case task.EventApprovalNeeded:
		fmt.Printf("approval needed for %s: %s\n", e.ToolName, e.Content)
		fmt.Printf("  resolve with: kestrel approve %s [--deny]\n", e.ApprovalID)
	case task.EventDelegationProgress:
		fmt.Printf("  [delegate] %s\n", clip(e.Content, 160))
	case task.EventDelegationComplete:
		fmt.Printf("  [delegate] done: %s\n", clip(e.Content, 160))
	case task.EventTaskComplete:
		fmt.Println("task complete")
	case task.EventTaskFailed:
		fmt.Printf("task failed: %s\n", e.Content)
	case task.EventTaskPaused:
		fmt.Println("task paused")
	}
}
