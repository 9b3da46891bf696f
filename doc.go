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

// Package kestrel is an autonomous agent execution core.
//
// Kestrel runs goal-directed tasks through a plan/act/observe loop: a
// planner decomposes the goal into steps, the loop drives an LLM through
// each step with a guarded tool registry, and every action is budgeted,
// risk-checked, and persisted. Dangerous calls suspend the task for human
// approval; repeated approvals are learned so the same pattern does not
// ask twice.
//
// # Quick start
//
// Install the CLI:
//
//	go install github.com/kestrel-ai/kestrel/cmd/kestrel@latest
//
// Create a minimal configuration:
//
//	llms:
//	  main:
//	    type: anthropic
//	    model: claude-sonnet-4-20250514
//	    api_key: ${ANTHROPIC_API_KEY}
//
// Run a goal to completion, streaming events:
//
//	kestrel run -c kestrel.yaml "summarize the open incidents"
//
// Or start the long-running service with cron jobs, webhooks, and watch
// daemons:
//
//	kestrel serve -c kestrel.yaml
//
// # Architecture
//
// The packages under pkg/ compose into the service the CLI boots:
//
//   - task: the task, plan, and event model shared by everything
//   - agent: the plan/act/observe loop
//   - planner: LLM-backed plan creation and revision
//   - tools: the tool registry, builtin tools, and control tools
//   - mcp: stdio MCP servers as external tool providers
//   - guardrails: blocklist, risk, rate checks, and approval memory
//   - diagnostics: model failover and failure classification
//   - contextmgr: tool selection and conversation compaction
//   - store: SQL persistence and the task event bus
//   - coordinator: specialist sub-agent delegation
//   - automation: cron jobs, webhooks, and watch daemons
//   - skills: agent-authored tools in a restricted interpreter
//   - runner: the shared task launcher tying it all together
//
// Library users embed the same pieces directly; see pkg/runner for the
// composition the CLI uses.
package kestrel
