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

// Package persona maintains per-user working preferences and surfaces them
// as a prompt section.
package persona

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

const (
	// inferredMinObservations of one preference, averaging
	// inferredMinConfidence, promote it into the record.
	inferredMinObservations = 3
	inferredMinConfidence   = 0.6
)

// Preferences is one user's persisted working style.
type Preferences struct {
	UserID             string            `json:"user_id"`
	CodeStyle          map[string]string `json:"code_style,omitempty"`
	CommunicationStyle map[string]string `json:"communication_style,omitempty"`
	Workflow           map[string]string `json:"workflow,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Observation is one inferred hint about a preference, with the model's
// confidence in it.
type Observation struct {
	Field      string  // code_style, communication_style, workflow
	Key        string
	Value      string
	Confidence float64
}

// Tracker accumulates signals and promotes them into preference records.
// Explicit signals apply immediately; inferred ones need corroboration.
type Tracker struct {
	mu      sync.RWMutex
	users   map[string]*Preferences
	pending map[string][]Observation // keyed userID/field/key/value
}

func NewTracker() *Tracker {
	return &Tracker{
		users:   map[string]*Preferences{},
		pending: map[string][]Observation{},
	}
}

// RecordExplicit applies a user-stated preference immediately.
func (t *Tracker) RecordExplicit(userID, field, key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apply(userID, field, key, value)
}

// RecordInferred buffers an observation; once the same (field, key, value)
// has enough corroborating observations at high enough average confidence,
// it is promoted.
func (t *Tracker) RecordInferred(userID string, obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := fmt.Sprintf("%s/%s/%s/%s", userID, obs.Field, obs.Key, obs.Value)
	t.pending[bucket] = append(t.pending[bucket], obs)

	observations := t.pending[bucket]
	if len(observations) < inferredMinObservations {
		return
	}
	total := 0.0
	for _, o := range observations {
		total += o.Confidence
	}
	if total/float64(len(observations)) < inferredMinConfidence {
		return
	}

	t.apply(userID, obs.Field, obs.Key, obs.Value)
	delete(t.pending, bucket)
}

// apply mutates the record; callers hold the lock.
func (t *Tracker) apply(userID, field, key, value string) {
	prefs, ok := t.users[userID]
	if !ok {
		prefs = &Preferences{
			UserID:             userID,
			CodeStyle:          map[string]string{},
			CommunicationStyle: map[string]string{},
			Workflow:           map[string]string{},
		}
		t.users[userID] = prefs
	}
	switch field {
	case "code_style":
		prefs.CodeStyle[key] = value
	case "communication_style":
		prefs.CommunicationStyle[key] = value
	case "workflow":
		prefs.Workflow[key] = value
	}
	prefs.UpdatedAt = time.Now().UTC()
}

// Get returns a copy of the user's record, or nil when nothing is known.
func (t *Tracker) Get(userID string) *Preferences {
	t.mu.RLock()
	defer t.mu.RUnlock()
	prefs, ok := t.users[userID]
	if !ok {
		return nil
	}
	copied := *prefs
	copied.CodeStyle = copyMap(prefs.CodeStyle)
	copied.CommunicationStyle = copyMap(prefs.CommunicationStyle)
	copied.Workflow = copyMap(prefs.Workflow)
	return &copied
}

// PromptSection formats the task owner's preferences for the system prompt.
// Implements the loop's enricher seam.
func (t *Tracker) PromptSection(_ context.Context, tk *task.Task) string {
	prefs := t.Get(tk.UserID)
	if prefs == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("User preferences:\n")
	writeSection(&b, "Code style", prefs.CodeStyle)
	writeSection(&b, "Communication", prefs.CommunicationStyle)
	writeSection(&b, "Workflow", prefs.Workflow)
	out := strings.TrimRight(b.String(), "\n")
	if out == "User preferences:" {
		return ""
	}
	return out
}

func writeSection(b *strings.Builder, label string, values map[string]string) {
	if len(values) == 0 {
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	// Stable output keeps prompts cache-friendly.
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %s = %s\n", label, k, values[k])
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
