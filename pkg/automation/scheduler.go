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
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/task"
)

// Launcher starts one task on its own loop. pkg/runner provides the real
// implementation; automation only ever goes through this seam.
type Launcher interface {
	Launch(ctx context.Context, workspace, userID, goal, source string) (*task.Task, error)
}

// CronStore is the slice of pkg/store the scheduler needs.
type CronStore interface {
	ListCronJobs(ctx context.Context, workspace string) ([]*store.CronJob, error)
	RecordCronRun(ctx context.Context, workspace, name string, at time.Time) error
}

type cronEntry struct {
	job      *store.CronJob
	schedule *Schedule
}

// Scheduler fires cron jobs on minute boundaries. Missed ticks are not
// backfilled: a tick evaluates only its own minute bucket.
type Scheduler struct {
	store     CronStore
	launcher  Launcher
	workspace string
	userID    string

	mu   sync.Mutex
	jobs map[string]*cronEntry

	now func() time.Time
}

func NewScheduler(cronStore CronStore, launcher Launcher, workspace, userID string) *Scheduler {
	return &Scheduler{
		store:     cronStore,
		launcher:  launcher,
		workspace: workspace,
		userID:    userID,
		jobs:      map[string]*cronEntry{},
		now:       time.Now,
	}
}

// Load refreshes the active-job map from the store. Jobs with unparseable
// expressions are skipped with a warning rather than poisoning the rest.
func (s *Scheduler) Load(ctx context.Context) error {
	jobs, err := s.store.ListCronJobs(ctx, s.workspace)
	if err != nil {
		return fmt.Errorf("loading cron jobs: %w", err)
	}

	log := logger.GetLogger()
	entries := make(map[string]*cronEntry, len(jobs))
	for _, job := range jobs {
		schedule, err := ParseSchedule(job.Schedule)
		if err != nil {
			log.Warn("Skipping cron job with invalid schedule",
				"workspace", job.Workspace, "name", job.Name, "error", err)
			continue
		}
		entries[job.Name] = &cronEntry{job: job, schedule: schedule}
	}

	s.mu.Lock()
	s.jobs = entries
	s.mu.Unlock()
	return nil
}

// Run blocks, waking at each minute boundary, until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.now().UTC().Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.Tick(ctx, next)
	}
}

// Tick evaluates one minute bucket and returns how many tasks launched.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*cronEntry
	for _, entry := range s.jobs {
		job := entry.job
		if !job.Enabled {
			continue
		}
		if job.MaxRuns > 0 && job.RunCount >= job.MaxRuns {
			continue
		}
		if entry.schedule.Matches(now) {
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	log := logger.GetLogger()
	launched := 0
	for _, entry := range due {
		job := entry.job
		if err := s.store.RecordCronRun(ctx, job.Workspace, job.Name, now); err != nil {
			log.Warn("Failed to record cron run", "name", job.Name, "error", err)
			continue
		}
		s.mu.Lock()
		job.RunCount++
		job.LastRun = now
		s.mu.Unlock()

		source := "cron:" + job.Name
		if _, err := s.launcher.Launch(ctx, job.Workspace, s.userID, job.Goal, source); err != nil {
			log.Warn("Cron launch failed", "name", job.Name, "error", err)
			continue
		}
		launched++
	}
	return launched
}
