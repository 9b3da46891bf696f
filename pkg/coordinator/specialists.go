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

// Package coordinator delegates sub-goals to specialist child agents and
// gathers their results. Child failures never propagate as errors; they
// become structured result strings on the parent.
package coordinator

import "sort"

// Specialist is a named child-agent profile: which tools it may use and the
// persona preamble injected into its system prompt.
type Specialist struct {
	Name         string
	Description  string
	AllowedTools []string
	Preamble     string
}

var specialists = map[string]Specialist{
	"researcher": {
		Name:         "researcher",
		Description:  "Gathers information from the web and local files",
		AllowedTools: []string{"web_request", "file_read"},
		Preamble: "You are a research specialist. Gather the requested information " +
			"thoroughly, cite where each fact came from, and finish with a concise synthesis. " +
			"Do not modify anything.",
	},
	"coder": {
		Name:         "coder",
		Description:  "Writes and modifies code",
		AllowedTools: []string{"file_read", "file_write", "code_execute"},
		Preamble: "You are a coding specialist. Write minimal, correct code. " +
			"Run what you write when a test command is available, and report exactly what changed.",
	},
	"analyst": {
		Name:         "analyst",
		Description:  "Analyzes data and computes results",
		AllowedTools: []string{"file_read", "code_execute"},
		Preamble: "You are a data analysis specialist. Compute precise answers, show " +
			"the numbers behind every conclusion, and state your assumptions.",
	},
	"reviewer": {
		Name:         "reviewer",
		Description:  "Reviews code and documents without modifying them",
		AllowedTools: []string{"file_read"},
		Preamble: "You are a review specialist. Read carefully, point out concrete " +
			"problems with file and line references, and never change anything.",
	},
	"explorer": {
		Name:         "explorer",
		Description:  "Explores unfamiliar systems and codebases",
		AllowedTools: []string{"file_read", "code_execute", "web_request"},
		Preamble: "You are an exploration specialist. Map out the structure of what " +
			"you find, identify the important parts, and summarize how they fit together.",
	},
}

// GetSpecialist looks up a specialist profile by name.
func GetSpecialist(name string) (Specialist, bool) {
	s, ok := specialists[name]
	return s, ok
}

// SpecialistNames returns the sorted list of known specialists.
func SpecialistNames() []string {
	names := make([]string, 0, len(specialists))
	for name := range specialists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
