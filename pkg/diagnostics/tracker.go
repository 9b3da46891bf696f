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

package diagnostics

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

const (
	// advisoryTail is how many recent failures the advisory quotes.
	advisoryTail = 5
	// stopAfterFailures is the per-step cutoff: beyond it the advisory
	// tells the model to stop retrying and diagnose.
	stopAfterFailures = 3
)

type attempt struct {
	tool        string
	fingerprint string
	category    Category
	message     string
}

// Tracker accumulates one step's failing tool attempts. One loop owns it;
// it is not shared.
type Tracker struct {
	attempts  []attempt
	callShape map[string]int // tool+args fingerprint -> times seen (incl. successes)
}

func NewTracker() *Tracker {
	return &Tracker{callShape: make(map[string]int)}
}

// RecordCall notes every dispatched call for repetition detection.
func (t *Tracker) RecordCall(call task.ToolCall) {
	t.callShape[callFingerprint(call)]++
}

// RecordFailure classifies and stores one failing attempt.
func (t *Tracker) RecordFailure(call task.ToolCall, errorMessage string) Category {
	category := Classify(errorMessage)
	t.attempts = append(t.attempts, attempt{
		tool:        call.Name,
		fingerprint: callFingerprint(call),
		category:    category,
		message:     clip(errorMessage, 160),
	})
	return category
}

// Failures reports how many attempts failed in this step.
func (t *Tracker) Failures() int { return len(t.attempts) }

// Dominant returns the most frequent failure category.
func (t *Tracker) Dominant() Category {
	if len(t.attempts) == 0 {
		return CategoryUnknown
	}
	counts := t.histogram()
	best := CategoryUnknown
	bestN := 0
	for _, a := range t.attempts {
		if n := counts[a.category]; n > bestN {
			best, bestN = a.category, n
		}
	}
	return best
}

func (t *Tracker) histogram() map[Category]int {
	counts := make(map[Category]int)
	for _, a := range t.attempts {
		counts[a.category]++
	}
	return counts
}

// repeatedCall reports whether any identical tool+args shape was dispatched
// more than once.
func (t *Tracker) repeatedCall() (string, bool) {
	type shape struct {
		fp string
		n  int
	}
	var worst shape
	for fp, n := range t.callShape {
		if n > worst.n {
			worst = shape{fp, n}
		}
	}
	if worst.n <= 1 {
		return "", false
	}
	for _, a := range t.attempts {
		if a.fingerprint == worst.fp {
			return a.tool, true
		}
	}
	// Repetition can also happen on succeeding calls.
	return strings.SplitN(worst.fp, ":", 2)[0], true
}

// Advisory renders the prompt fragment injected between iterations. Empty
// when nothing failed.
func (t *Tracker) Advisory() string {
	if len(t.attempts) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Tool failure diagnostics for this step:\n")

	counts := t.histogram()
	categories := make([]string, 0, len(counts))
	for c := range counts {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)
	parts := make([]string, 0, len(categories))
	for _, c := range categories {
		parts = append(parts, fmt.Sprintf("%s=%d", c, counts[Category(c)]))
	}
	fmt.Fprintf(&b, "- failures by category: %s\n", strings.Join(parts, ", "))
	fmt.Fprintf(&b, "- %s\n", Guidance(t.Dominant()))

	if tool, repeated := t.repeatedCall(); repeated {
		fmt.Fprintf(&b, "- warning: %s was called repeatedly with identical arguments; repeating it will not change the outcome\n", tool)
	}

	tail := t.attempts
	if len(tail) > advisoryTail {
		tail = tail[len(tail)-advisoryTail:]
	}
	b.WriteString("- recent failures:\n")
	for _, a := range tail {
		fmt.Fprintf(&b, "  - %s [%s]: %s\n", a.tool, a.category, a.message)
	}

	if len(t.attempts) >= stopAfterFailures {
		b.WriteString("- this step has failed " + fmt.Sprint(len(t.attempts)) +
			" times: STOP retrying, diagnose the root cause or mark the step failed\n")
	}
	return b.String()
}

// callFingerprint identifies an exact tool+args shape. Map keys marshal
// sorted, so equal argument maps produce equal fingerprints.
func callFingerprint(call task.ToolCall) string {
	data, err := json.Marshal(call.Arguments)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", call.Arguments))
	}
	sum := sha256.Sum256(data)
	return call.Name + ":" + hex.EncodeToString(sum[:8])
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
