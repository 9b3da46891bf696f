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
	"sync"
	"time"
)

const (
	// rateWindow and rateLimit define the loop heuristic: more than
	// rateLimit calls of one tool inside the trailing window smells like
	// a stuck model.
	rateWindow = 60 * time.Second
	rateLimit  = 20
)

type rateKey struct {
	taskID string
	tool   string
}

// rateTracker is a sliding-window counter keyed by (task, tool).
type rateTracker struct {
	mu    sync.Mutex
	calls map[rateKey][]time.Time
	now   func() time.Time
}

func newRateTracker() *rateTracker {
	return &rateTracker{
		calls: make(map[rateKey][]time.Time),
		now:   time.Now,
	}
}

// record registers one invocation and reports whether the rate is exceeded.
func (r *rateTracker) record(taskID, tool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rateKey{taskID: taskID, tool: tool}
	now := r.now()
	cutoff := now.Add(-rateWindow)

	kept := r.calls[key][:0]
	for _, t := range r.calls[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	r.calls[key] = kept

	return len(kept) > rateLimit
}

// forget drops a finished task's counters.
func (r *rateTracker) forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.calls {
		if key.taskID == taskID {
			delete(r.calls, key)
		}
	}
}
