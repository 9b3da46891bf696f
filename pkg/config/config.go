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

// Package config defines the Kestrel configuration schema and its loader.
// Configuration is a single YAML document with ${ENV} expansion; every
// section has defaults so a minimal file stays minimal.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Logging    LoggingConfig              `yaml:"logging"`
	LLMs       map[string]LLMConfig       `yaml:"llms"`
	Agent      AgentConfig                `yaml:"agent"`
	Tools      ToolsConfig                `yaml:"tools"`
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
	Store      StoreConfig                `yaml:"store"`
	Automation AutomationConfig           `yaml:"automation"`
	Skills     SkillsConfig               `yaml:"skills"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// LLMConfig configures one named provider.
type LLMConfig struct {
	Type        string  `yaml:"type"` // openai, anthropic, gemini, ollama
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Window      int     `yaml:"context_window"`
	Timeout     string  `yaml:"timeout"`
}

// AgentConfig holds the loop defaults applied to every new task.
type AgentConfig struct {
	// Chain is the ordered model failover chain; the first entry is primary.
	Chain []string `yaml:"chain"`

	MaxIterations   int    `yaml:"max_iterations"`
	MaxToolCalls    int    `yaml:"max_tool_calls"`
	MaxTokens       int    `yaml:"max_tokens"`
	MaxWallTime     string `yaml:"max_wall_time"`
	AutoApproveRisk string `yaml:"auto_approve_risk"`

	// ApprovalTTL bounds how long an approval request stays pending.
	ApprovalTTL string `yaml:"approval_ttl"`
}

type ToolsConfig struct {
	WorkingDirectory string   `yaml:"working_directory"`
	AllowedCommands  []string `yaml:"allowed_commands"`
	MaxFileSize      int      `yaml:"max_file_size"`
	AllowedDomains   []string `yaml:"allowed_domains"`
	DeniedDomains    []string `yaml:"denied_domains"`
}

// MCPServerConfig describes one child-process tool server.
type MCPServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Timeout string            `yaml:"timeout"`
	Enabled *bool             `yaml:"enabled"`
}

type StoreConfig struct {
	// Driver is sqlite3 or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// Redis, when set, relays task events across processes.
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type AutomationConfig struct {
	Cron     []CronJobConfig `yaml:"cron"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Daemons  []DaemonConfig  `yaml:"daemons"`
	Webhook  WebhookListener `yaml:"webhook_listener"`
}

type CronJobConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Goal     string `yaml:"goal"`
	MaxRuns  int    `yaml:"max_runs"`
	Enabled  *bool  `yaml:"enabled"`
}

type WebhookConfig struct {
	Name       string   `yaml:"name"`
	Path       string   `yaml:"path"`
	Secret     string   `yaml:"secret"`
	AllowedIPs []string `yaml:"allowed_ips"`
	Goal       string   `yaml:"goal"`
}

type WebhookListener struct {
	Addr string `yaml:"addr"`
}

type DaemonConfig struct {
	Name        string         `yaml:"name"`
	Goal        string         `yaml:"goal"`
	WatchTool   string         `yaml:"watch_tool"`
	WatchArgs   map[string]any `yaml:"watch_args"`
	Interval    string         `yaml:"interval"`
	Sensitivity string         `yaml:"sensitivity"`
}

type SkillsConfig struct {
	// SandboxURL is the external sandbox RPC endpoint; empty means the
	// restricted in-process evaluator only.
	SandboxURL     string   `yaml:"sandbox_url"`
	AllowedDomains []string `yaml:"allowed_domains"`
	AllowedPaths   []string `yaml:"allowed_paths"`
}

// SetDefaults fills in every unset field with its default.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 25
	}
	if c.Agent.MaxToolCalls == 0 {
		c.Agent.MaxToolCalls = 50
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 500_000
	}
	if c.Agent.MaxWallTime == "" {
		c.Agent.MaxWallTime = "30m"
	}
	if c.Agent.AutoApproveRisk == "" {
		c.Agent.AutoApproveRisk = "medium"
	}
	if c.Agent.ApprovalTTL == "" {
		c.Agent.ApprovalTTL = "1h"
	}

	if c.Tools.WorkingDirectory == "" {
		c.Tools.WorkingDirectory = "./"
	}
	if c.Tools.MaxFileSize == 0 {
		c.Tools.MaxFileSize = 1048576
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "kestrel.db"
	}
	if c.Store.Redis.Channel == "" {
		c.Store.Redis.Channel = "kestrel:events"
	}

	if c.Automation.Webhook.Addr == "" {
		c.Automation.Webhook.Addr = ":8391"
	}

	for name, llm := range c.LLMs {
		if llm.Timeout == "" {
			llm.Timeout = "120s"
		}
		c.LLMs[name] = llm
	}
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	if len(c.LLMs) == 0 {
		return fmt.Errorf("at least one llm provider must be configured")
	}

	for name, llm := range c.LLMs {
		switch llm.Type {
		case "openai", "anthropic", "gemini", "ollama":
		case "":
			return fmt.Errorf("llm %q: type is required", name)
		default:
			return fmt.Errorf("llm %q: unknown type %q", name, llm.Type)
		}
		if llm.Model == "" {
			return fmt.Errorf("llm %q: model is required", name)
		}
		if llm.Timeout != "" {
			if _, err := time.ParseDuration(llm.Timeout); err != nil {
				return fmt.Errorf("llm %q: invalid timeout: %w", name, err)
			}
		}
	}

	if len(c.Agent.Chain) == 0 {
		// Default the chain to the sole provider when unambiguous.
		if len(c.LLMs) == 1 {
			for name := range c.LLMs {
				c.Agent.Chain = []string{name}
			}
		} else {
			return fmt.Errorf("agent.chain is required when multiple llms are configured")
		}
	}
	for _, name := range c.Agent.Chain {
		if _, ok := c.LLMs[name]; !ok {
			return fmt.Errorf("agent.chain references unknown llm %q", name)
		}
	}
	if _, err := time.ParseDuration(c.Agent.MaxWallTime); err != nil {
		return fmt.Errorf("agent.max_wall_time: %w", err)
	}
	if _, err := time.ParseDuration(c.Agent.ApprovalTTL); err != nil {
		return fmt.Errorf("agent.approval_ttl: %w", err)
	}
	switch c.Agent.AutoApproveRisk {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("agent.auto_approve_risk: unknown risk level %q", c.Agent.AutoApproveRisk)
	}

	for name, srv := range c.MCPServers {
		if srv.Command == "" {
			return fmt.Errorf("mcp server %q: command is required", name)
		}
		if srv.Timeout != "" {
			if _, err := time.ParseDuration(srv.Timeout); err != nil {
				return fmt.Errorf("mcp server %q: invalid timeout: %w", name, err)
			}
		}
	}

	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}

	seen := map[string]bool{}
	for _, job := range c.Automation.Cron {
		if job.Name == "" {
			return fmt.Errorf("cron job: name is required")
		}
		if seen[job.Name] {
			return fmt.Errorf("cron job %q: duplicate name", job.Name)
		}
		seen[job.Name] = true
		if job.Schedule == "" || job.Goal == "" {
			return fmt.Errorf("cron job %q: schedule and goal are required", job.Name)
		}
	}

	for _, hook := range c.Automation.Webhooks {
		if hook.Name == "" || hook.Path == "" || hook.Goal == "" {
			return fmt.Errorf("webhook: name, path and goal are required")
		}
	}

	for _, d := range c.Automation.Daemons {
		if d.Name == "" || d.Goal == "" || d.WatchTool == "" {
			return fmt.Errorf("daemon: name, goal and watch_tool are required")
		}
		if d.Interval != "" {
			if _, err := time.ParseDuration(d.Interval); err != nil {
				return fmt.Errorf("daemon %q: invalid interval: %w", d.Name, err)
			}
		}
	}

	return nil
}

// Duration parses a duration field that Validate has already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
