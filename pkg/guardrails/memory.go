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

package guardrails

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/kestrel-ai/kestrel/pkg/logger"
)

// autoApproveMinApprovals is the number of human approvals a fingerprint
// needs before it auto-approves. A single denial disables it forever.
const autoApproveMinApprovals = 3

var uuidPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Pattern is one learned (fingerprint, workspace) record.
type Pattern struct {
	Workspace     string
	ToolName      string
	Fingerprint   string
	ApprovalCount int
	DenialCount   int
}

// PatternStore persists learned patterns. Implemented by pkg/store.
type PatternStore interface {
	LoadPatterns(workspace string) ([]Pattern, error)
	UpsertPattern(p Pattern) error
}

// ApprovalMemory learns from human approval decisions. Reads go through a
// per-workspace cache; writes are monotonic increments flushed to the store.
type ApprovalMemory struct {
	store PatternStore

	mu    sync.Mutex
	cache map[string]map[string]*Pattern // workspace -> fingerprint -> pattern
}

func NewApprovalMemory(store PatternStore) *ApprovalMemory {
	return &ApprovalMemory{
		store: store,
		cache: make(map[string]map[string]*Pattern),
	}
}

// Preload warms the cache for a workspace.
func (m *ApprovalMemory) Preload(workspace string) error {
	if m.store == nil {
		return nil
	}
	patterns, err := m.store.LoadPatterns(workspace)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ws := make(map[string]*Pattern, len(patterns))
	for i := range patterns {
		p := patterns[i]
		ws[p.Fingerprint] = &p
	}
	m.cache[workspace] = ws
	return nil
}

// ShouldAutoApprove reports whether this exact generalized call shape has
// earned auto-approval: approvals >= 3 and zero denials.
func (m *ApprovalMemory) ShouldAutoApprove(workspace, tool string, args map[string]any) bool {
	fp := Fingerprint(tool, args)

	m.mu.Lock()
	p, ok := m.cache[workspace][fp]
	m.mu.Unlock()

	if !ok && m.store != nil {
		// Cache miss falls back to the store.
		patterns, err := m.store.LoadPatterns(workspace)
		if err != nil {
			return false
		}
		m.mu.Lock()
		ws := m.cache[workspace]
		if ws == nil {
			ws = make(map[string]*Pattern)
			m.cache[workspace] = ws
		}
		for i := range patterns {
			cached := patterns[i]
			ws[cached.Fingerprint] = &cached
		}
		p = ws[fp]
		m.mu.Unlock()
	}

	if p == nil {
		return false
	}
	return p.DenialCount == 0 && p.ApprovalCount >= autoApproveMinApprovals
}

// Record registers one resolved human decision for the call shape.
func (m *ApprovalMemory) Record(workspace, tool string, args map[string]any, approved bool) {
	fp := Fingerprint(tool, args)

	m.mu.Lock()
	ws := m.cache[workspace]
	if ws == nil {
		ws = make(map[string]*Pattern)
		m.cache[workspace] = ws
	}
	p := ws[fp]
	if p == nil {
		p = &Pattern{Workspace: workspace, ToolName: tool, Fingerprint: fp}
		ws[fp] = p
	}
	if approved {
		p.ApprovalCount++
	} else {
		p.DenialCount++
	}
	snapshot := *p
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpsertPattern(snapshot); err != nil {
			logger.GetLogger().Warn("Failed to persist approval pattern",
				"workspace", workspace, "tool", tool, "error", err)
		}
	}
}

// Fingerprint hashes the tool name with the generalized argument shape.
func Fingerprint(tool string, args map[string]any) string {
	generalized := GeneralizeArgs(args)
	data, err := json.Marshal(generalized) // map keys marshal sorted
	if err != nil {
		data = []byte(fmt.Sprintf("%v", generalized))
	}
	sum := sha256.Sum256([]byte(tool + ":" + string(data)))
	return hex.EncodeToString(sum[:])
}

// GeneralizeArgs reduces concrete argument values to shapes, so that
// equivalent calls share a fingerprint.
func GeneralizeArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = generalizeValue(v)
	}
	return out
}

func generalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return generalizeString(val)
	case float64:
		if val > 100 {
			return "<N>"
		}
		return val
	case int:
		if val > 100 {
			return "<N>"
		}
		return val
	case map[string]any:
		return "<OBJECT>"
	case []any:
		return fmt.Sprintf("<LIST:%d>", len(val))
	default:
		return v
	}
}

func generalizeString(s string) string {
	if uuidPattern.MatchString(s) {
		return "<UUID>"
	}
	if strings.Contains(s, "/") && len(s) > 5 {
		return path.Dir(s) + "/*"
	}
	if len(s) > 50 {
		return "<CONTENT>"
	}
	return s
}
