package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CronJob is one scheduled goal. run_count and last_run advance as the
// scheduler fires; max_runs of zero means unlimited.
type CronJob struct {
	Workspace string    `json:"workspace"`
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Goal      string    `json:"goal"`
	MaxRuns   int       `json:"max_runs"`
	RunCount  int       `json:"run_count"`
	LastRun   time.Time `json:"last_run,omitempty"`
	Enabled   bool      `json:"enabled"`
}

// Webhook is one inbound trigger endpoint.
type Webhook struct {
	ID           string   `json:"id"`
	Workspace    string   `json:"workspace"`
	Name         string   `json:"name"`
	Secret       string   `json:"secret"`
	AllowedIPs   []string `json:"allowed_ips,omitempty"`
	GoalTemplate string   `json:"goal_template"`
	Enabled      bool     `json:"enabled"`
}

// DaemonRecord persists a watcher daemon's registration and liveness.
type DaemonRecord struct {
	Workspace  string    `json:"workspace"`
	Name       string    `json:"name"`
	ConfigJSON string    `json:"config_json"`
	Status     string    `json:"status"`
	LastTick   time.Time `json:"last_tick,omitempty"`
}

// UpsertCronJob writes a cron job keyed by (workspace, name), preserving
// run counters on conflict.
func (s *SQLStore) UpsertCronJob(ctx context.Context, job *CronJob) error {
	query := s.rebind(`
INSERT INTO automation_cron_jobs (workspace, name, schedule, goal, max_runs, run_count, last_run, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace, name) DO UPDATE SET
    schedule = excluded.schedule,
    goal = excluded.goal,
    max_runs = excluded.max_runs,
    enabled = excluded.enabled`)

	_, err := s.db.ExecContext(ctx, query,
		job.Workspace, job.Name, job.Schedule, job.Goal, job.MaxRuns,
		job.RunCount, nullTime(job.LastRun), boolToInt(job.Enabled))
	if err != nil {
		return fmt.Errorf("failed to upsert cron job: %w", err)
	}
	return nil
}

// ListCronJobs returns a workspace's jobs sorted by name.
func (s *SQLStore) ListCronJobs(ctx context.Context, workspace string) ([]*CronJob, error) {
	query := s.rebind(`
SELECT workspace, name, schedule, goal, max_runs, run_count, last_run, enabled
FROM automation_cron_jobs WHERE workspace = ? ORDER BY name ASC`)

	rows, err := s.db.QueryContext(ctx, query, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CronJob
	for rows.Next() {
		var (
			job     CronJob
			lastRun sql.NullTime
			enabled int
		)
		if err := rows.Scan(&job.Workspace, &job.Name, &job.Schedule, &job.Goal,
			&job.MaxRuns, &job.RunCount, &lastRun, &enabled); err != nil {
			return nil, err
		}
		job.LastRun = fromNullTime(lastRun)
		job.Enabled = enabled != 0
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// RecordCronRun increments run_count and stamps last_run.
func (s *SQLStore) RecordCronRun(ctx context.Context, workspace, name string, at time.Time) error {
	query := s.rebind(`
UPDATE automation_cron_jobs SET run_count = run_count + 1, last_run = ?
WHERE workspace = ? AND name = ?`)
	_, err := s.db.ExecContext(ctx, query, at, workspace, name)
	if err != nil {
		return fmt.Errorf("failed to record cron run: %w", err)
	}
	return nil
}

// UpsertWebhook writes a webhook endpoint.
func (s *SQLStore) UpsertWebhook(ctx context.Context, w *Webhook) error {
	ips, err := json.Marshal(w.AllowedIPs)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed ips: %w", err)
	}

	query := s.rebind(`
INSERT INTO automation_webhooks (id, workspace, name, secret, allowed_ips_json, goal_template, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    secret = excluded.secret,
    allowed_ips_json = excluded.allowed_ips_json,
    goal_template = excluded.goal_template,
    enabled = excluded.enabled`)

	_, err = s.db.ExecContext(ctx, query,
		w.ID, w.Workspace, w.Name, w.Secret, string(ips), w.GoalTemplate, boolToInt(w.Enabled))
	if err != nil {
		return fmt.Errorf("failed to upsert webhook: %w", err)
	}
	return nil
}

// GetWebhook loads one webhook by id.
func (s *SQLStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	query := s.rebind(`
SELECT id, workspace, name, secret, allowed_ips_json, goal_template, enabled
FROM automation_webhooks WHERE id = ?`)

	var (
		w       Webhook
		ips     sql.NullString
		enabled int
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&w.ID, &w.Workspace, &w.Name, &w.Secret, &ips, &w.GoalTemplate, &enabled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}
	if ips.String != "" {
		if err := json.Unmarshal([]byte(ips.String), &w.AllowedIPs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allowed ips: %w", err)
		}
	}
	w.Enabled = enabled != 0
	return &w, nil
}

// UpsertDaemon writes a daemon registration keyed by (workspace, name).
func (s *SQLStore) UpsertDaemon(ctx context.Context, d *DaemonRecord) error {
	query := s.rebind(`
INSERT INTO daemon_agents (workspace, name, config_json, status, last_tick)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(workspace, name) DO UPDATE SET
    config_json = excluded.config_json,
    status = excluded.status,
    last_tick = excluded.last_tick`)

	_, err := s.db.ExecContext(ctx, query,
		d.Workspace, d.Name, d.ConfigJSON, d.Status, nullTime(d.LastTick))
	if err != nil {
		return fmt.Errorf("failed to upsert daemon: %w", err)
	}
	return nil
}

// ListDaemons returns a workspace's daemon registrations.
func (s *SQLStore) ListDaemons(ctx context.Context, workspace string) ([]*DaemonRecord, error) {
	query := s.rebind(`
SELECT workspace, name, config_json, status, last_tick
FROM daemon_agents WHERE workspace = ? ORDER BY name ASC`)

	rows, err := s.db.QueryContext(ctx, query, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to list daemons: %w", err)
	}
	defer rows.Close()

	var daemons []*DaemonRecord
	for rows.Next() {
		var d DaemonRecord
		var lastTick sql.NullTime
		if err := rows.Scan(&d.Workspace, &d.Name, &d.ConfigJSON, &d.Status, &lastTick); err != nil {
			return nil, err
		}
		d.LastTick = fromNullTime(lastTick)
		daemons = append(daemons, &d)
	}
	return daemons, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
