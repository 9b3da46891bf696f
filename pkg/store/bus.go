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

package store

import (
	"context"
	"sync"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/task"
)

const (
	// defaultRingSize bounds the per-task event ring.
	defaultRingSize = 300
	// defaultEventTTL expires ring entries for abandoned tasks.
	defaultEventTTL = 3600 * time.Second
	// subscriberBuffer is the per-subscriber channel capacity. A subscriber
	// that falls this far behind starts losing events (logged).
	subscriberBuffer = 300
)

type ringEntry struct {
	event task.Event
	at    time.Time
}

// eventRing holds a task's recent events for late subscribers. One writer
// (the loop), many snapshot readers.
type eventRing struct {
	mu      sync.Mutex
	entries []ringEntry
	size    int
	ttl     time.Duration
	now     func() time.Time
}

func newEventRing(size int, ttl time.Duration, now func() time.Time) *eventRing {
	return &eventRing{size: size, ttl: ttl, now: now}
}

func (r *eventRing) append(e task.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, ringEntry{event: e, at: r.now()})
	if len(r.entries) > r.size {
		r.entries = r.entries[len(r.entries)-r.size:]
	}
}

// snapshot returns unexpired events, oldest first.
func (r *eventRing) snapshot() []task.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	out := make([]task.Event, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.at.Before(cutoff) {
			continue
		}
		out = append(out, entry.event)
	}
	return out
}

func (r *eventRing) expired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return true
	}
	last := r.entries[len(r.entries)-1].at
	return r.now().Sub(last) > r.ttl
}

// EventRelay fans events to out-of-process consumers. Implemented by
// RedisRelay; nil disables relaying.
type EventRelay interface {
	Relay(ctx context.Context, e task.Event) error
}

// Bus is the in-process event bus. Event order is total within one task;
// across tasks no ordering is promised. Late subscribers receive the ring
// contents oldest-first, then attach to the live stream.
type Bus struct {
	mu    sync.Mutex
	rings map[string]*eventRing
	subs  map[string][]chan task.Event
	relay EventRelay
	now   func() time.Time
}

func NewBus(relay EventRelay) *Bus {
	return &Bus{
		rings: make(map[string]*eventRing),
		subs:  make(map[string][]chan task.Event),
		relay: relay,
		now:   time.Now,
	}
}

// Publish appends to the task's ring and fans out to live subscribers.
// Terminal events close the task's subscriber channels.
func (b *Bus) Publish(e task.Event) {
	e = e.Envelope()

	b.mu.Lock()
	ring := b.rings[e.TaskID]
	if ring == nil {
		ring = newEventRing(defaultRingSize, defaultEventTTL, b.now)
		b.rings[e.TaskID] = ring
	}
	ring.append(e)

	subs := b.subs[e.TaskID]
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			logger.GetLogger().Warn("Dropping event for slow subscriber",
				"task_id", e.TaskID, "type", e.Type)
		}
	}

	terminal := e.Type == task.EventTaskComplete ||
		e.Type == task.EventTaskFailed ||
		e.Type == task.EventTaskPaused
	if terminal {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, e.TaskID)
	}
	b.mu.Unlock()

	if b.relay != nil {
		if err := b.relay.Relay(context.Background(), e); err != nil {
			logger.GetLogger().Warn("Event relay failed",
				"task_id", e.TaskID, "type", e.Type, "error", err)
		}
	}
}

// Subscribe returns a channel carrying the task's ring contents followed by
// live events. The channel closes when the task reaches a terminal event or
// ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, taskID string) <-chan task.Event {
	out := make(chan task.Event, subscriberBuffer)

	b.mu.Lock()
	var replay []task.Event
	if ring := b.rings[taskID]; ring != nil {
		replay = ring.snapshot()
	}
	for _, e := range replay {
		out <- e
	}

	terminal := false
	for _, e := range replay {
		if e.Type == task.EventTaskComplete || e.Type == task.EventTaskFailed ||
			e.Type == task.EventTaskPaused {
			terminal = true
		}
	}
	if terminal {
		close(out)
		b.mu.Unlock()
		return out
	}

	b.subs[taskID] = append(b.subs[taskID], out)
	b.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			b.unsubscribe(taskID, out)
		}()
	}
	return out
}

func (b *Bus) unsubscribe(taskID string, ch chan task.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[taskID]
	for i, c := range subs {
		if c == ch {
			b.subs[taskID] = append(subs[:i], subs[i+1:]...)
			close(c)
			return
		}
	}
}

// Sweep drops rings whose last event outlived the TTL. The runner calls
// this periodically.
func (b *Bus) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for taskID, ring := range b.rings {
		if ring.expired() && len(b.subs[taskID]) == 0 {
			delete(b.rings, taskID)
		}
	}
}
