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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/automation"
	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/llms"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// ServeCmd runs the agent service: task loops, cron scheduler, webhook
// listener, and watch daemons, until interrupted.
type ServeCmd struct {
	WebhookAddr string `name:"webhook-addr" help:"Webhook listener address (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.GetLogger().Info("Shutting down...")
		cancel()
	}()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close()
	log := logger.GetLogger()

	// Work stranded by a previous process surfaces as paused, never as a
	// silent restart.
	paused, err := rt.runner.PauseInFlight(ctx)
	if err != nil {
		return fmt.Errorf("pausing in-flight tasks: %w", err)
	}
	for _, id := range paused {
		fmt.Printf("paused task from previous run: %s (resume with 'kestrel resume %s')\n", id, id)
	}

	rt.pool.StartHealthSweep(ctx)
	go rt.runner.SweepLoop(ctx)

	if err := c.seedAutomation(ctx, rt, cli.Workspace); err != nil {
		return err
	}

	scheduler := automation.NewScheduler(rt.store, rt.runner, cli.Workspace, cli.User)
	if err := scheduler.Load(ctx); err != nil {
		return fmt.Errorf("loading cron jobs: %w", err)
	}
	go scheduler.Run(ctx)

	var webhookSrv *http.Server
	if len(rt.cfg.Automation.Webhooks) > 0 {
		addr := rt.cfg.Automation.Webhook.Addr
		if c.WebhookAddr != "" {
			addr = c.WebhookAddr
		}
		mux := http.NewServeMux()
		mux.Handle("/webhooks/", automation.NewWebhookHandler(rt.store, rt.runner, cli.User))
		webhookSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("Webhook listener started", "addr", addr)
			if err := webhookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Webhook listener failed", "error", err)
			}
		}()
	}

	for _, dc := range rt.cfg.Automation.Daemons {
		d := c.buildDaemon(rt, cli, dc)
		go func() {
			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("Daemon stopped", "daemon", d.Name, "error", err)
			}
		}()
		log.Info("Daemon started", "daemon", d.Name, "watch_tool", dc.WatchTool)
	}

	fmt.Printf("kestrel ready: workspace=%s llm=%s tools=%d cron=%d webhooks=%d daemons=%d\n",
		cli.Workspace, rt.primary.ModelName(), len(rt.registry.ListTools()),
		len(rt.cfg.Automation.Cron), len(rt.cfg.Automation.Webhooks), len(rt.cfg.Automation.Daemons))

	<-ctx.Done()

	if webhookSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = webhookSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// seedAutomation pushes the config-declared cron jobs and webhooks into the
// store, which is the scheduler's source of truth.
func (c *ServeCmd) seedAutomation(ctx context.Context, rt *appRuntime, workspace string) error {
	for _, job := range rt.cfg.Automation.Cron {
		enabled := job.Enabled == nil || *job.Enabled
		if err := rt.store.UpsertCronJob(ctx, &store.CronJob{
			Workspace: workspace,
			Name:      job.Name,
			Schedule:  job.Schedule,
			Goal:      job.Goal,
			MaxRuns:   job.MaxRuns,
			Enabled:   enabled,
		}); err != nil {
			return fmt.Errorf("seeding cron job %q: %w", job.Name, err)
		}
	}
	for _, hook := range rt.cfg.Automation.Webhooks {
		id := strings.Trim(hook.Path, "/")
		if id == "" {
			id = hook.Name
		}
		if err := rt.store.UpsertWebhook(ctx, &store.Webhook{
			ID:           id,
			Workspace:    workspace,
			Name:         hook.Name,
			Secret:       hook.Secret,
			AllowedIPs:   hook.AllowedIPs,
			GoalTemplate: hook.Goal,
			Enabled:      true,
		}); err != nil {
			return fmt.Errorf("seeding webhook %q: %w", hook.Name, err)
		}
	}
	return nil
}

func (c *ServeCmd) buildDaemon(rt *appRuntime, cli *CLI, dc config.DaemonConfig) *automation.Daemon {
	observeCtx := func(ctx context.Context) context.Context {
		ctx = tools.WithWorkspace(ctx, cli.Workspace)
		return tools.WithUser(ctx, cli.User)
	}
	return &automation.Daemon{
		Name:        dc.Name,
		Workspace:   cli.Workspace,
		UserID:      cli.User,
		Sensitivity: dc.Sensitivity,
		Interval:    config.Duration(dc.Interval),
		Observe: func(ctx context.Context) (string, error) {
			result := rt.registry.Execute(observeCtx(ctx), task.ToolCall{
				ID:        "daemon-" + dc.Name,
				Name:      dc.WatchTool,
				Arguments: dc.WatchArgs,
			})
			if !result.Success {
				return "", fmt.Errorf("%s", result.Error)
			}
			return result.Output, nil
		},
		Analyze: newDaemonAnalyzer(rt.primary, dc.Goal),
		Notify: func(signal automation.InterruptSignal) {
			logger.GetLogger().Warn("Daemon observation needs attention",
				"daemon", dc.Name, "severity", signal.Severity, "reason", signal.Reason)
		},
		Launcher: rt.runner,
		Store:    rt.store,
	}
}

const daemonAnalyzePrompt = `You watch a resource for a long-running agent.
The watcher's purpose: %s

Recent observations (oldest first):
%s

Latest observation:
%s

Judge whether the latest observation warrants attention. Respond with only a
JSON object: {"severity":"low|medium|high|critical","reason":"...","goal":"..."}
where goal is the task an agent should run if this needs investigation.
Respond with {"severity":"low","reason":"nothing notable"} when all is well.`

// newDaemonAnalyzer judges observations with the primary model. A reply
// that does not parse is treated as nothing notable.
func newDaemonAnalyzer(llm llms.LLM, purpose string) automation.AnalyzeFunc {
	return func(ctx context.Context, history []automation.Observation, current string) (*automation.InterruptSignal, error) {
		var recent strings.Builder
		start := 0
		if len(history) > 5 {
			start = len(history) - 5
		}
		for _, obs := range history[start:] {
			fmt.Fprintf(&recent, "- [%s] %s\n", obs.At.Format(time.RFC3339), clip(obs.Content, 300))
		}

		resp, err := llm.Generate(ctx, llms.Request{
			Messages: []llms.Message{{
				Role:    "user",
				Content: fmt.Sprintf(daemonAnalyzePrompt, purpose, recent.String(), clip(current, 1000)),
			}},
		})
		if err != nil {
			return nil, err
		}

		raw := resp.Content
		if open := strings.Index(raw, "{"); open >= 0 {
			if end := strings.LastIndex(raw, "}"); end > open {
				raw = raw[open : end+1]
			}
		}
		var signal automation.InterruptSignal
		if err := json.Unmarshal([]byte(raw), &signal); err != nil {
			logger.GetLogger().Debug("Unparseable analyzer verdict", "content", clip(resp.Content, 200))
			return nil, nil
		}
		if signal.Severity == "" {
			return nil, nil
		}
		return &signal, nil
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
