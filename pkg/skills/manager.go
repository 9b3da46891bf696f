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

package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

const skillTimeout = 60 * time.Second

// SkillStore is the slice of pkg/store the manager needs.
type SkillStore interface {
	UpsertSkill(ctx context.Context, sk *store.SkillRecord) error
	GetSkill(ctx context.Context, workspace, name string) (*store.SkillRecord, error)
	ListSkills(ctx context.Context, workspace string) ([]*store.SkillRecord, error)
	DeleteSkill(ctx context.Context, workspace, name string) error
}

// Manager validates, persists, and registers skills as tools. When a
// sandbox client is configured, execution routes there instead of the
// in-process evaluator.
type Manager struct {
	store     SkillStore
	registry  *tools.Registry
	evaluator *Evaluator
	sandbox   *SandboxClient
}

func NewManager(skillStore SkillStore, registry *tools.Registry, sandbox *SandboxClient) *Manager {
	return &Manager{
		store:     skillStore,
		registry:  registry,
		evaluator: NewEvaluator(),
		sandbox:   sandbox,
	}
}

// CreateSkill runs the full admission pipeline: name check, static screen,
// compile probe, upsert, tool registration. Any failure rejects the skill
// before it touches storage.
func (m *Manager) CreateSkill(ctx context.Context, rec *store.SkillRecord) error {
	if err := ValidateName(rec.Name); err != nil {
		return err
	}
	if err := Screen(rec.Code); err != nil {
		return fmt.Errorf("skill %s rejected: %w", rec.Name, err)
	}
	if err := m.evaluator.Probe(rec.Code); err != nil {
		return fmt.Errorf("skill %s rejected: %w", rec.Name, err)
	}
	if rec.SchemaJSON != "" {
		var schema map[string]any
		if err := json.Unmarshal([]byte(rec.SchemaJSON), &schema); err != nil {
			return fmt.Errorf("skill %s has invalid parameter schema: %w", rec.Name, err)
		}
	}

	if err := m.store.UpsertSkill(ctx, rec); err != nil {
		return fmt.Errorf("persisting skill %s: %w", rec.Name, err)
	}
	return m.register(rec)
}

// LoadWorkspace registers every stored skill for a workspace, typically at
// boot. Records that no longer pass the screen are skipped with a warning.
func (m *Manager) LoadWorkspace(ctx context.Context, workspace string) error {
	records, err := m.store.ListSkills(ctx, workspace)
	if err != nil {
		return fmt.Errorf("listing skills for %s: %w", workspace, err)
	}
	log := logger.GetLogger()
	for _, rec := range records {
		if err := Screen(rec.Code); err != nil {
			log.Warn("Skipping stored skill that fails screening",
				"workspace", workspace, "skill", rec.Name, "error", err)
			continue
		}
		if err := m.register(rec); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSkill removes the stored record. The registry is append-only, so
// the tool entry survives until the next process start.
func (m *Manager) DeleteSkill(ctx context.Context, workspace, name string) error {
	return m.store.DeleteSkill(ctx, workspace, name)
}

func (m *Manager) register(rec *store.SkillRecord) error {
	tool := &skillTool{rec: *rec, evaluator: m.evaluator, sandbox: m.sandbox}
	if _, err := m.registry.GetTool(rec.Name); err == nil {
		return m.registry.ReplaceTool(tool)
	}
	return m.registry.RegisterTool(tool)
}

// skillTool adapts one stored skill to the tool registry.
type skillTool struct {
	rec       store.SkillRecord
	evaluator *Evaluator
	sandbox   *SandboxClient
}

func (t *skillTool) Info() tools.ToolInfo {
	var params map[string]any
	if t.rec.SchemaJSON != "" {
		_ = json.Unmarshal([]byte(t.rec.SchemaJSON), &params)
	}
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return tools.ToolInfo{
		Name:        t.rec.Name,
		Description: t.rec.Description,
		Parameters:  params,
		Risk:        task.RiskMedium,
		Timeout:     skillTimeout,
		Category:    "skill",
		Origin:      tools.OriginSkill,
	}
}

func (t *skillTool) Execute(ctx context.Context, args map[string]any) (task.ToolResult, error) {
	started := time.Now()

	var output string
	var err error
	if t.sandbox != nil {
		path := t.rec.Workspace + "/" + t.rec.Name
		output, err = t.sandbox.Execute(ctx, path, args, func(update StatusUpdate) {
			logger.GetLogger().Debug("Sandbox status", "skill", t.rec.Name, "status", update.Status)
		})
	} else {
		output, err = t.evaluator.Execute(ctx, t.rec.Code, args)
	}

	elapsed := time.Since(started)
	if err != nil {
		return task.ToolResult{
			Success:       false,
			Error:         err.Error(),
			ExecutionTime: elapsed,
		}, nil
	}
	return task.ToolResult{
		Success:       true,
		Output:        output,
		ExecutionTime: elapsed,
	}, nil
}
