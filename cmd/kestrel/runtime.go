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

	"github.com/kestrel-ai/kestrel/pkg/agent"
	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/contextmgr"
	"github.com/kestrel-ai/kestrel/pkg/coordinator"
	"github.com/kestrel-ai/kestrel/pkg/diagnostics"
	"github.com/kestrel-ai/kestrel/pkg/guardrails"
	"github.com/kestrel-ai/kestrel/pkg/learner"
	"github.com/kestrel-ai/kestrel/pkg/llms"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/mcp"
	"github.com/kestrel-ai/kestrel/pkg/observability"
	"github.com/kestrel-ai/kestrel/pkg/persona"
	"github.com/kestrel-ai/kestrel/pkg/planner"
	"github.com/kestrel-ai/kestrel/pkg/runner"
	"github.com/kestrel-ai/kestrel/pkg/skills"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// appRuntime wires the full service graph from one config file. Both the
// long-running service and the one-shot commands boot through it.
type appRuntime struct {
	cfg      *config.Config
	store    *store.SQLStore
	bus      *store.Bus
	pool     *mcp.Pool
	registry *tools.Registry
	failover *diagnostics.Failover
	primary  llms.LLM
	runner   *runner.Runner
	skills   *skills.Manager
	persona  *persona.Tracker
}

func buildRuntime(ctx context.Context, cli *CLI) (*appRuntime, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	log := logger.GetLogger()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var relay store.EventRelay
	if cfg.Store.Redis.Addr != "" {
		redisRelay, err := store.NewRedisRelay(ctx,
			cfg.Store.Redis.Addr, cfg.Store.Redis.Password,
			cfg.Store.Redis.DB, cfg.Store.Redis.Channel)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connecting event relay: %w", err)
		}
		relay = redisRelay
		log.Info("Event relay enabled", "addr", cfg.Store.Redis.Addr)
	}
	bus := store.NewBus(relay)

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.BuiltinConfig{
		CodeExecute: tools.CodeExecuteConfig{
			AllowedCommands:  cfg.Tools.AllowedCommands,
			WorkingDirectory: cfg.Tools.WorkingDirectory,
		},
		File: tools.FileToolConfig{
			WorkingDirectory: cfg.Tools.WorkingDirectory,
			MaxFileSize:      cfg.Tools.MaxFileSize,
		},
		Web: tools.WebRequestConfig{
			AllowedDomains: cfg.Tools.AllowedDomains,
			DeniedDomains:  cfg.Tools.DeniedDomains,
		},
	}); err != nil {
		st.Close()
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}
	for _, t := range []tools.Tool{coordinator.NewDelegateTool(), coordinator.NewDelegateParallelTool()} {
		if err := registry.RegisterTool(t); err != nil {
			st.Close()
			return nil, err
		}
	}

	pool := mcp.NewPool()
	for name, srv := range cfg.MCPServers {
		if srv.Enabled != nil && !*srv.Enabled {
			continue
		}
		serverCfg := mcp.ServerConfig{
			Name:    name,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
			Timeout: config.Duration(srv.Timeout),
		}
		if err := pool.Add(ctx, serverCfg); err != nil {
			log.Warn("MCP server unavailable, continuing without it", "server", name, "error", err)
			continue
		}
		if err := mcp.RegisterServerTools(pool, registry, name); err != nil {
			log.Warn("MCP tool discovery failed", "server", name, "error", err)
		}
	}

	llmRegistry := llms.NewRegistry()
	for name, lc := range cfg.LLMs {
		provider, err := buildProvider(lc)
		if err != nil {
			pool.Close()
			st.Close()
			return nil, fmt.Errorf("llm %q: %w", name, err)
		}
		if err := llmRegistry.Register(name, provider); err != nil {
			pool.Close()
			st.Close()
			return nil, err
		}
	}
	chain, err := llmRegistry.Chain(cfg.Agent.Chain)
	if err != nil {
		pool.Close()
		st.Close()
		return nil, err
	}
	failover := diagnostics.NewFailover(chain)
	primary := chain[0]

	counter, err := observability.NewTokenCounter(primary.ModelName())
	if err != nil {
		pool.Close()
		st.Close()
		return nil, fmt.Errorf("building token counter: %w", err)
	}

	memory := guardrails.NewApprovalMemory(st)
	checker, err := guardrails.NewChecker(guardrails.Config{}, memory)
	if err != nil {
		pool.Close()
		st.Close()
		return nil, err
	}

	var sandbox *skills.SandboxClient
	if cfg.Skills.SandboxURL != "" {
		sandbox = skills.NewSandboxClient(cfg.Skills.SandboxURL,
			cfg.Skills.AllowedDomains, cfg.Skills.AllowedPaths)
	}
	skillManager := skills.NewManager(st, registry, sandbox)
	if err := skillManager.LoadWorkspace(ctx, cli.Workspace); err != nil {
		log.Warn("Skill loading failed, continuing without stored skills", "error", err)
	}

	lessonLearner := learner.New(primary, learner.NewMemoryStore())
	personaTracker := persona.NewTracker()

	budget := task.GuardrailConfig{
		MaxIterations:   cfg.Agent.MaxIterations,
		MaxToolCalls:    cfg.Agent.MaxToolCalls,
		MaxTokens:       cfg.Agent.MaxTokens,
		AutoApproveRisk: cfg.Agent.AutoApproveRisk,
		MaxWallTime:     int64(config.Duration(cfg.Agent.MaxWallTime).Seconds()),
	}

	r := runner.New(runner.Services{
		LLM:         failover,
		Registry:    registry,
		Planner:     planner.New(primary),
		Selector:    contextmgr.NewSelector(registry),
		Compactor:   contextmgr.NewCompactor(primary),
		Checker:     checker,
		Memory:      memory,
		Store:       st,
		Bus:         bus,
		Enrichers:   []agent.PromptEnricher{lessonLearner, personaTracker},
		Counter:     counter,
		Learner:     lessonLearner,
		Guardrails:  &budget,
		ApprovalTTL: config.Duration(cfg.Agent.ApprovalTTL),
	})

	return &appRuntime{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		pool:     pool,
		registry: registry,
		failover: failover,
		primary:  primary,
		runner:   r,
		skills:   skillManager,
		persona:  personaTracker,
	}, nil
}

func buildProvider(lc config.LLMConfig) (llms.LLM, error) {
	timeout := config.Duration(lc.Timeout)
	switch lc.Type {
	case "anthropic":
		return llms.NewAnthropicProvider(llms.AnthropicConfig{
			APIKey:      lc.APIKey,
			BaseURL:     lc.BaseURL,
			Model:       lc.Model,
			Temperature: lc.Temperature,
			MaxTokens:   lc.MaxTokens,
			Window:      lc.Window,
			Timeout:     timeout,
		})
	case "openai":
		return llms.NewOpenAIProvider(llms.OpenAIConfig{
			APIKey:      lc.APIKey,
			BaseURL:     lc.BaseURL,
			Model:       lc.Model,
			Temperature: lc.Temperature,
			MaxTokens:   lc.MaxTokens,
			Window:      lc.Window,
			Timeout:     timeout,
		})
	case "gemini":
		return llms.NewGeminiProvider(llms.GeminiConfig{
			APIKey:      lc.APIKey,
			BaseURL:     lc.BaseURL,
			Model:       lc.Model,
			Temperature: lc.Temperature,
			MaxTokens:   lc.MaxTokens,
			Window:      lc.Window,
			Timeout:     timeout,
		})
	case "ollama":
		return llms.NewOllamaProvider(llms.OllamaConfig{
			BaseURL:     lc.BaseURL,
			Model:       lc.Model,
			Temperature: lc.Temperature,
			Window:      lc.Window,
			Timeout:     timeout,
		})
	default:
		return nil, fmt.Errorf("unknown provider type %q", lc.Type)
	}
}

// Close winds down the runtime in dependency order: loops first, then the
// tool servers, then storage.
func (rt *appRuntime) Close() {
	rt.runner.Shutdown()
	rt.pool.Close()
	if err := rt.store.Close(); err != nil {
		logger.GetLogger().Warn("Store close failed", "error", err)
	}
}
