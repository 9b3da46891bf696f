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

// Package contextmgr keeps per-step prompts small: the selector reduces the
// tool set, the compactor summarizes old conversation when the token
// estimate grows past threshold.
package contextmgr

import (
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/llms"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

const (
	// MaxToolsLocal bounds the tool set for local models with small windows.
	MaxToolsLocal = 8
	// MaxToolsCloud bounds the tool set for cloud models.
	MaxToolsCloud = 20
)

// Selector picks the tools relevant to one step.
type Selector struct {
	registry *tools.Registry
}

func NewSelector(registry *tools.Registry) *Selector {
	return &Selector{registry: registry}
}

// Select returns at most the per-kind bound of tool names, in priority
// order: control tools first, then the planner's expected tools, then
// category keyword matches, then name token matches.
func (s *Selector) Select(stepDescription string, expectedTools []string, kind llms.Kind) []string {
	limit := MaxToolsCloud
	if kind == llms.KindLocal {
		limit = MaxToolsLocal
	}

	all := s.registry.ListTools()
	byName := make(map[string]tools.ToolInfo, len(all))
	for _, info := range all {
		byName[info.Name] = info
	}

	picked := make([]string, 0, limit)
	seen := make(map[string]bool)
	add := func(name string) bool {
		if seen[name] || len(picked) >= limit {
			return len(picked) < limit
		}
		if _, ok := byName[name]; !ok {
			return true
		}
		seen[name] = true
		picked = append(picked, name)
		return len(picked) < limit
	}

	// 1. Control tools are always available.
	for _, name := range tools.ControlToolNames() {
		if !add(name) {
			return picked
		}
	}

	// 2. The planner's hints.
	for _, name := range expectedTools {
		if !add(name) {
			return picked
		}
	}

	desc := strings.ToLower(stepDescription)

	// 3. Tools whose category keywords appear in the description.
	for _, info := range all {
		if info.Category == "" {
			continue
		}
		for _, keyword := range categoryKeywords(info.Category) {
			if strings.Contains(desc, keyword) {
				if !add(info.Name) {
					return picked
				}
				break
			}
		}
	}

	// 4. Tools whose own name tokens appear in the description.
	for _, info := range all {
		for _, token := range strings.Split(info.Name, "_") {
			if len(token) < 3 {
				continue
			}
			if strings.Contains(desc, token) {
				if !add(info.Name) {
					return picked
				}
				break
			}
		}
	}

	return picked
}

// categoryKeywords maps a tool category to the step-description keywords
// that make it relevant.
func categoryKeywords(category string) []string {
	switch {
	case category == "filesystem":
		return []string{"file", "read", "write", "directory", "path", "save"}
	case category == "network":
		return []string{"http", "api", "url", "fetch", "request", "download", "web"}
	case category == "execution":
		return []string{"run", "execute", "command", "shell", "script", "install", "build", "test"}
	case category == "skill":
		return []string{"skill"}
	case strings.HasPrefix(category, "mcp:"):
		return []string{strings.TrimPrefix(category, "mcp:")}
	default:
		return []string{category}
	}
}
