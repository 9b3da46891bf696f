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

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/store"
)

const (
	observationRingSize = 100
	// quietAnalyzeEvery forces an analyzer pass even with no change.
	quietAnalyzeEvery = 12
	// quietBackoffAfter consecutive quiet ticks doubles the interval.
	quietBackoffAfter  = 10
	maxDaemonInterval  = time.Hour
	anomalySizeFactor  = 3.0
	defaultSensitivity = "medium"
)

// Observation is one watcher sample.
type Observation struct {
	Content string    `json:"content"`
	At      time.Time `json:"at"`
	Changed bool      `json:"changed"`
}

// InterruptSignal is the analyzer's verdict on the latest observations.
type InterruptSignal struct {
	Severity string `json:"severity"` // low, medium, high, critical
	Reason   string `json:"reason"`
	Goal     string `json:"goal,omitempty"` // goal for an auto-launched task
}

// ObserveFunc samples the watched resource.
type ObserveFunc func(ctx context.Context) (string, error)

// AnalyzeFunc judges recent observations; nil signal means nothing notable.
type AnalyzeFunc func(ctx context.Context, history []Observation, current string) (*InterruptSignal, error)

// NotifyFunc surfaces a signal that warrants attention but not a task.
type NotifyFunc func(signal InterruptSignal)

// DaemonStore persists daemon registrations and liveness.
type DaemonStore interface {
	UpsertDaemon(ctx context.Context, d *store.DaemonRecord) error
}

// Daemon watches one resource at an adaptive interval and escalates through
// the sensitivity table: notify, or launch a task via the shared launcher.
type Daemon struct {
	Name        string
	Workspace   string
	UserID      string
	Sensitivity string
	Interval    time.Duration

	Observe  ObserveFunc
	Analyze  AnalyzeFunc
	Notify   NotifyFunc
	Launcher Launcher
	Store    DaemonStore

	ring       []Observation
	last       string
	hasLast    bool
	quietTicks int
	interval   time.Duration

	now func() time.Time
}

// Run ticks until the context ends. The interval doubles after sustained
// quiet and snaps back to the configured base on any change.
func (d *Daemon) Run(ctx context.Context) error {
	if d.Interval <= 0 {
		d.Interval = time.Minute
	}
	if d.Sensitivity == "" {
		d.Sensitivity = defaultSensitivity
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.interval = d.Interval
	d.persistStatus(ctx, "running")
	defer d.persistStatus(context.WithoutCancel(ctx), "stopped")

	for {
		timer := time.NewTimer(d.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		d.tick(ctx)
	}
}

func (d *Daemon) tick(ctx context.Context) {
	log := logger.GetLogger()

	current, err := d.Observe(ctx)
	if err != nil {
		log.Warn("Daemon observation failed", "daemon", d.Name, "error", err)
		return
	}

	changed := !d.hasLast || current != d.last
	anomalous := d.isAnomalous(current)
	d.record(Observation{Content: current, At: d.now().UTC(), Changed: changed})
	d.last = current
	d.hasLast = true

	if changed {
		d.quietTicks = 0
		d.interval = d.Interval
	} else {
		d.quietTicks++
		if d.quietTicks >= quietBackoffAfter {
			d.interval = min(d.interval*2, maxDaemonInterval)
		}
	}
	d.persistStatus(ctx, "running")

	runAnalyzer := changed || anomalous ||
		(d.quietTicks > 0 && d.quietTicks%quietAnalyzeEvery == 0)
	if !runAnalyzer || d.Analyze == nil {
		return
	}

	signal, err := d.Analyze(ctx, d.History(), current)
	if err != nil {
		log.Warn("Daemon analyzer failed", "daemon", d.Name, "error", err)
		return
	}
	if signal == nil {
		return
	}
	d.escalate(ctx, *signal)
}

// escalate applies the sensitivity table: severities at or above the
// interrupt threshold launch a task, one notch below notifies.
func (d *Daemon) escalate(ctx context.Context, signal InterruptSignal) {
	log := logger.GetLogger()
	rank := severityRank(signal.Severity)
	interruptAt := interruptThreshold(d.Sensitivity)

	switch {
	case rank >= interruptAt:
		goal := signal.Goal
		if goal == "" {
			goal = fmt.Sprintf("Investigate: %s", signal.Reason)
		}
		if d.Launcher == nil {
			log.Warn("Daemon signal with no launcher", "daemon", d.Name, "reason", signal.Reason)
			return
		}
		if _, err := d.Launcher.Launch(ctx, d.Workspace, d.UserID, goal, "daemon:"+d.Name); err != nil {
			log.Error("Daemon task launch failed", "daemon", d.Name, "error", err)
		}
	case rank == interruptAt-1:
		if d.Notify != nil {
			d.Notify(signal)
		} else {
			log.Info("Daemon notification", "daemon", d.Name,
				"severity", signal.Severity, "reason", signal.Reason)
		}
	}
}

// History returns the observation ring, oldest first.
func (d *Daemon) History() []Observation {
	out := make([]Observation, len(d.ring))
	copy(out, d.ring)
	return out
}

func (d *Daemon) record(obs Observation) {
	d.ring = append(d.ring, obs)
	if len(d.ring) > observationRingSize {
		d.ring = d.ring[len(d.ring)-observationRingSize:]
	}
}

// isAnomalous flags observations whose size diverges hard from the trailing
// average, a cheap tell for truncated or exploding watcher output.
func (d *Daemon) isAnomalous(current string) bool {
	if len(d.ring) < 3 {
		return false
	}
	total := 0
	for _, obs := range d.ring {
		total += len(obs.Content)
	}
	avg := float64(total) / float64(len(d.ring))
	if avg == 0 {
		return len(current) > 0
	}
	ratio := float64(len(current)) / avg
	return ratio > anomalySizeFactor || ratio < 1/anomalySizeFactor
}

func (d *Daemon) persistStatus(ctx context.Context, status string) {
	if d.Store == nil {
		return
	}
	cfg, _ := json.Marshal(map[string]any{
		"sensitivity": d.Sensitivity,
		"interval":    d.Interval.String(),
	})
	record := &store.DaemonRecord{
		Workspace:  d.Workspace,
		Name:       d.Name,
		ConfigJSON: string(cfg),
		Status:     status,
		LastTick:   d.now().UTC(),
	}
	if err := d.Store.UpsertDaemon(ctx, record); err != nil {
		logger.GetLogger().Warn("Failed to persist daemon state", "daemon", d.Name, "error", err)
	}
}

func severityRank(severity string) int {
	switch severity {
	case "low":
		return 1
	case "medium":
		return 2
	case "high":
		return 3
	case "critical":
		return 4
	}
	return 0
}

// interruptThreshold maps daemon sensitivity to the minimum severity rank
// that launches a task.
func interruptThreshold(sensitivity string) int {
	switch sensitivity {
	case "low":
		return 4 // only critical interrupts
	case "high":
		return 2 // medium and up interrupts
	default:
		return 3 // medium sensitivity: high and critical
	}
}
