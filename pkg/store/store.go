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

// Package store persists tasks, approvals, sessions, patterns, branches,
// skills, and automation records, and carries the task event bus.
//
// The SQL layer assumes only row-keyed upsert, single-row transactional
// writes, and range queries by owner. SQLite and PostgreSQL are supported;
// one *sql.DB is shared by every accessor to avoid SQLite lock contention.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const schemaTimeout = 30 * time.Second

// SQLStore is the durable store for every Kestrel object.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// Open connects to the database and initializes the schema. Driver is
// "sqlite3" or "postgres".
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported store driver: %s (supported: sqlite3, postgres)", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if driver == "sqlite3" {
		// A single connection sidesteps "database is locked" under
		// concurrent loops.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, dialect: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $1..$n for postgres. Statements are
// written in SQLite form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agent_tasks (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    workspace VARCHAR(255) NOT NULL,
    conversation_id VARCHAR(64),
    parent_task_id VARCHAR(64),
    goal TEXT NOT NULL,
    source VARCHAR(255),
    status VARCHAR(32) NOT NULL,
    plan_json TEXT,
    guardrails_json TEXT,
    counters_json TEXT,
    result TEXT,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    ended_at TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tasks_workspace ON agent_tasks(workspace, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tasks_status ON agent_tasks(status)`,

	`CREATE TABLE IF NOT EXISTS agent_approvals (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL,
    workspace VARCHAR(255) NOT NULL,
    tool_call_json TEXT NOT NULL,
    risk VARCHAR(16) NOT NULL,
    reason TEXT,
    status VARCHAR(16) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    resolved_at TIMESTAMP,
    resolved_by VARCHAR(255)
)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_approvals_task ON agent_approvals(task_id, status)`,

	`CREATE TABLE IF NOT EXISTS agent_sessions (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    workspace VARCHAR(255) NOT NULL,
    title TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_sessions_user ON agent_sessions(user_id, updated_at)`,

	`CREATE TABLE IF NOT EXISTS agent_session_messages (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    role VARCHAR(32) NOT NULL,
    content TEXT,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_session_messages_session ON agent_session_messages(session_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS approval_patterns (
    workspace VARCHAR(255) NOT NULL,
    fingerprint VARCHAR(64) NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    approval_count INTEGER NOT NULL DEFAULT 0,
    denial_count INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (workspace, fingerprint)
)`,

	`CREATE TABLE IF NOT EXISTS task_branches (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL,
    name VARCHAR(255) NOT NULL,
    fork_step_index INTEGER NOT NULL,
    status VARCHAR(32) NOT NULL,
    branch_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_branches_task ON task_branches(task_id)`,

	`CREATE TABLE IF NOT EXISTS agent_skills (
    workspace VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    code TEXT NOT NULL,
    schema_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (workspace, name)
)`,

	`CREATE TABLE IF NOT EXISTS automation_cron_jobs (
    workspace VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    schedule VARCHAR(64) NOT NULL,
    goal TEXT NOT NULL,
    max_runs INTEGER NOT NULL DEFAULT 0,
    run_count INTEGER NOT NULL DEFAULT 0,
    last_run TIMESTAMP,
    enabled INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (workspace, name)
)`,

	`CREATE TABLE IF NOT EXISTS automation_webhooks (
    id VARCHAR(64) PRIMARY KEY,
    workspace VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    secret VARCHAR(255) NOT NULL,
    allowed_ips_json TEXT,
    goal_template TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1
)`,
	`CREATE INDEX IF NOT EXISTS idx_automation_webhooks_workspace ON automation_webhooks(workspace)`,

	`CREATE TABLE IF NOT EXISTS daemon_agents (
    workspace VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    config_json TEXT NOT NULL,
    status VARCHAR(32) NOT NULL,
    last_tick TIMESTAMP,
    PRIMARY KEY (workspace, name)
)`,
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// nullTime maps zero time.Time to SQL NULL and back.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
