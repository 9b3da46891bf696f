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

// Package diagnostics classifies tool failures, tracks them per step, and
// provides the model failover chain.
package diagnostics

import (
	"regexp"
	"strings"
)

// Category of one failing tool attempt.
type Category string

const (
	CategoryTransient   Category = "transient"
	CategoryAuth        Category = "auth"
	CategoryNotFound    Category = "not_found"
	CategoryDependency  Category = "dependency"
	CategorySemantic    Category = "semantic"
	CategoryServerCrash Category = "server_crash"
	CategoryImpossible  Category = "impossible"
	CategoryUnknown     Category = "unknown"
)

type classifierRule struct {
	category Category
	pattern  *regexp.Regexp
}

// classifierRules are evaluated in order; the first match wins. Crash and
// auth come before transient so a dead server is not mistaken for a timeout.
var classifierRules = []classifierRule{
	{CategoryServerCrash, regexp.MustCompile(`(?i)broken pipe|process exited|connection refused|connection reset|server crashed|unexpected EOF`)},
	{CategoryAuth, regexp.MustCompile(`(?i)unauthorized|forbidden|invalid (api[_ ]?key|token|credentials)|authentication|permission denied|401|403`)},
	{CategoryDependency, regexp.MustCompile(`(?i)module not found|no module named|cannot find package|command not found|not installed|import error|missing dependency`)},
	{CategoryNotFound, regexp.MustCompile(`(?i)not found|no such file|does not exist|404|unknown tool|no rows`)},
	{CategoryTransient, regexp.MustCompile(`(?i)timeout|timed out|rate limit|too many requests|429|(?:"|\s|^)5\d\d(?:"|\s|$)|temporarily unavailable|try again|overloaded`)},
	{CategorySemantic, regexp.MustCompile(`(?i)invalid (argument|parameter|input|value)|bad request|malformed|missing required|validation|parse error|syntax error`)},
	{CategoryImpossible, regexp.MustCompile(`(?i)impossible|cannot be done|unsupported operation|not supported`)},
}

// Classify maps an error message to its failure category.
func Classify(message string) Category {
	message = strings.TrimSpace(message)
	if message == "" {
		return CategoryUnknown
	}
	for _, rule := range classifierRules {
		if rule.pattern.MatchString(message) {
			return rule.category
		}
	}
	return CategoryUnknown
}

// Guidance returns the dominant-category advice injected into the advisory.
func Guidance(c Category) string {
	switch c {
	case CategoryTransient:
		return "Failures look transient. Retry once more at most, then change approach."
	case CategoryAuth:
		return "Authentication is failing. Do not retry with the same credentials; check configuration or ask the user."
	case CategoryNotFound:
		return "The target resource is missing. Verify the path or name before retrying."
	case CategoryDependency:
		return "A dependency is missing. Install it or choose a tool that does not need it."
	case CategorySemantic:
		return "The arguments are being rejected. Fix the argument shape instead of retrying."
	case CategoryServerCrash:
		return "The tool server is crashing. Prefer a different tool for this step."
	case CategoryImpossible:
		return "The operation is reported as impossible. Escalate to the user or finish with what you have."
	default:
		return "The failure cause is unclear. Gather more information before retrying."
	}
}
