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

// Package guardrails gates every tool call: layered safety checks evaluated
// in order, plus an approval memory that learns from past human decisions.
package guardrails

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// Verdict of one guardrail evaluation.
type Verdict int

const (
	// VerdictAllow lets the call through without a human.
	VerdictAllow Verdict = iota
	// VerdictNeedsApproval suspends the call pending human approval.
	VerdictNeedsApproval
)

// Decision carries the verdict and the human-readable reason.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Budget errors terminate the task.
var (
	ErrIterationLimit = fmt.Errorf("Iteration limit exceeded")
	ErrToolCallLimit  = fmt.Errorf("Tool call limit exceeded")
	ErrTokenBudget    = fmt.Errorf("Token budget exceeded")
	ErrWallTimeLimit  = fmt.Errorf("Wall time limit exceeded")
)

// builtinBlocklist covers destructive shell, SQL, and network patterns.
// Matched against the serialized argument object.
var builtinBlocklist = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*(/|~|\*)`),
	regexp.MustCompile(`mkfs(\.\w+)?\s`),
	regexp.MustCompile(`dd\s+if=`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`chmod\s+-R\s+777\s+/`),
	regexp.MustCompile(`(?i)drop\s+(table|database|schema)\s`),
	regexp.MustCompile(`(?i)truncate\s+table\s`),
	regexp.MustCompile(`(?i)delete\s+from\s+\w+\s*(;|$)`),
	regexp.MustCompile(`(curl|wget)[^|;]*\|\s*(ba)?sh`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`shutdown|reboot\s+now`),
	regexp.MustCompile(`git\s+push\s+[^|;]*--force`),
}

// Config tunes a Checker.
type Config struct {
	// ExtraBlocklist extends the built-in patterns per workspace.
	ExtraBlocklist []string
	// AlwaysApprove lists tool names the config forces through a human.
	AlwaysApprove []string
}

// Checker evaluates the layered checks. The first failing layer wins.
type Checker struct {
	blocklist     []*regexp.Regexp
	alwaysApprove map[string]bool
	rates         *rateTracker
	memory        *ApprovalMemory
}

func NewChecker(cfg Config, memory *ApprovalMemory) (*Checker, error) {
	blocklist := make([]*regexp.Regexp, 0, len(builtinBlocklist)+len(cfg.ExtraBlocklist))
	blocklist = append(blocklist, builtinBlocklist...)
	for _, pattern := range cfg.ExtraBlocklist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocklist pattern %q: %w", pattern, err)
		}
		blocklist = append(blocklist, re)
	}

	always := make(map[string]bool, len(cfg.AlwaysApprove))
	for _, name := range cfg.AlwaysApprove {
		always[name] = true
	}

	return &Checker{
		blocklist:     blocklist,
		alwaysApprove: always,
		rates:         newRateTracker(),
		memory:        memory,
	}, nil
}

// CheckBudget compares the task's counters against its guardrail config.
// An exceeded budget is terminal.
func (c *Checker) CheckBudget(t *task.Task, now time.Time) error {
	g := t.Guardrails
	if g.MaxIterations > 0 && t.Counters.Iterations >= g.MaxIterations {
		return ErrIterationLimit
	}
	if g.MaxToolCalls > 0 && t.Counters.ToolCalls >= g.MaxToolCalls {
		return ErrToolCallLimit
	}
	if g.MaxTokens > 0 && t.Counters.TokensUsed >= g.MaxTokens {
		return ErrTokenBudget
	}
	if g.MaxWallTime > 0 && now.Sub(t.CreatedAt) > time.Duration(g.MaxWallTime)*time.Second {
		return ErrWallTimeLimit
	}
	return nil
}

// CheckCall gates one tool call. Layers, first failure wins:
// blocklist, always-approve list, risk threshold, rate limit.
// A learned approval pattern can lift a risk-threshold requirement but never
// a blocklist hit.
func (c *Checker) CheckCall(t *task.Task, info tools.ToolInfo, call task.ToolCall) Decision {
	serialized := serializeArgs(call.Arguments)

	// 1. Blocklist.
	for _, re := range c.blocklist {
		if re.MatchString(serialized) {
			return Decision{
				Verdict: VerdictNeedsApproval,
				Reason:  fmt.Sprintf("Dangerous pattern: arguments match %q", re.String()),
			}
		}
	}

	// 2. Always-approve list.
	if c.alwaysApprove[call.Name] {
		return Decision{
			Verdict: VerdictNeedsApproval,
			Reason:  fmt.Sprintf("Tool %s is configured to always require approval", call.Name),
		}
	}

	// 3. Risk threshold.
	risk := info.Risk
	if risk == "" {
		risk = task.RiskHigh
	}
	threshold := task.RiskLevel(t.Guardrails.AutoApproveRisk)
	needsApproval := info.RequiresApproval || !risk.AtMost(threshold)
	if risk == task.RiskCritical {
		// Critical never auto-approves, whatever the threshold.
		return Decision{
			Verdict: VerdictNeedsApproval,
			Reason:  fmt.Sprintf("Tool %s is critical risk", call.Name),
		}
	}
	if needsApproval {
		learned := c.memory != nil && c.memory.ShouldAutoApprove(t.Workspace, call.Name, call.Arguments)
		if !learned {
			return Decision{
				Verdict: VerdictNeedsApproval,
				Reason:  fmt.Sprintf("Tool %s risk %s exceeds auto-approve threshold %s", call.Name, risk, threshold),
			}
		}
	}

	// 4. Rate limit.
	if c.rates.record(t.ID, call.Name) {
		return Decision{
			Verdict: VerdictNeedsApproval,
			Reason: fmt.Sprintf("Rate limit: %s called more than %d times in %s, possible loop",
				call.Name, rateLimit, rateWindow),
		}
	}

	return Decision{Verdict: VerdictAllow}
}

// TaskFinished releases per-task state.
func (c *Checker) TaskFinished(taskID string) {
	c.rates.forget(taskID)
}

func serializeArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
