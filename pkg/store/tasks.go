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
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = fmt.Errorf("not found")

// SaveTask upserts the task row. The loop calls this on every
// state-changing transition.
func (s *SQLStore) SaveTask(ctx context.Context, t *task.Task) error {
	planJSON := []byte("null")
	if t.Plan != nil {
		var err error
		planJSON, err = t.Plan.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
	}
	guardrailsJSON, err := json.Marshal(t.Guardrails)
	if err != nil {
		return fmt.Errorf("failed to marshal guardrails: %w", err)
	}
	countersJSON, err := json.Marshal(t.Counters)
	if err != nil {
		return fmt.Errorf("failed to marshal counters: %w", err)
	}

	query := s.rebind(`
INSERT INTO agent_tasks (id, user_id, workspace, conversation_id, parent_task_id,
    goal, source, status, plan_json, guardrails_json, counters_json,
    result, error, created_at, updated_at, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    plan_json = excluded.plan_json,
    guardrails_json = excluded.guardrails_json,
    counters_json = excluded.counters_json,
    result = excluded.result,
    error = excluded.error,
    updated_at = excluded.updated_at,
    started_at = excluded.started_at,
    ended_at = excluded.ended_at`)

	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.UserID, t.Workspace, t.ConversationID, t.ParentTaskID,
		t.Goal, t.Source, string(t.Status), string(planJSON), string(guardrailsJSON),
		string(countersJSON), t.Result, t.Error,
		t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask loads one task by id.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	query := s.rebind(`
SELECT id, user_id, workspace, conversation_id, parent_task_id,
    goal, source, status, plan_json, guardrails_json, counters_json,
    result, error, created_at, updated_at, started_at, ended_at
FROM agent_tasks WHERE id = ?`)

	row := s.db.QueryRowContext(ctx, query, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns a workspace's tasks, most recently updated first.
func (s *SQLStore) ListTasks(ctx context.Context, workspace string, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.rebind(`
SELECT id, user_id, workspace, conversation_id, parent_task_id,
    goal, source, status, plan_json, guardrails_json, counters_json,
    result, error, created_at, updated_at, started_at, ended_at
FROM agent_tasks WHERE workspace = ?
ORDER BY updated_at DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, workspace, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// PauseInFlight marks every non-terminal, non-paused task as paused and
// returns their ids. Called once on process start: a restarted core never
// resumes loops it does not own.
func (s *SQLStore) PauseInFlight(ctx context.Context) ([]string, error) {
	query := s.rebind(`
SELECT id FROM agent_tasks
WHERE status IN (?, ?, ?, ?, ?)`)

	rows, err := s.db.QueryContext(ctx, query,
		string(task.StatusPlanning), string(task.StatusExecuting),
		string(task.StatusObserving), string(task.StatusReflecting),
		string(task.StatusWaitingApproval))
	if err != nil {
		return nil, fmt.Errorf("failed to find in-flight tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}
	update := s.rebind(`
UPDATE agent_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
WHERE status IN (?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, update, string(task.StatusPaused),
		string(task.StatusPlanning), string(task.StatusExecuting),
		string(task.StatusObserving), string(task.StatusReflecting),
		string(task.StatusWaitingApproval))
	if err != nil {
		return nil, fmt.Errorf("failed to pause in-flight tasks: %w", err)
	}
	return ids, nil
}

// ListByStatus returns tasks in the given status, oldest first.
func (s *SQLStore) ListByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.rebind(`
SELECT id, user_id, workspace, conversation_id, parent_task_id,
    goal, source, status, plan_json, guardrails_json, counters_json,
    result, error, created_at, updated_at, started_at, ended_at
FROM agent_tasks WHERE status = ?
ORDER BY updated_at ASC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                                  task.Task
		status                             string
		planJSON, guardrailsJSON, counters string
		conversationID, parentID, source   sql.NullString
		result, errText                    sql.NullString
		startedAt, endedAt                 sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Workspace, &conversationID, &parentID,
		&t.Goal, &source, &status, &planJSON, &guardrailsJSON, &counters,
		&result, &errText, &t.CreatedAt, &t.UpdatedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	t.ConversationID = conversationID.String
	t.ParentTaskID = parentID.String
	t.Source = source.String
	t.Status = task.Status(status)
	t.Result = result.String
	t.Error = errText.String
	t.StartedAt = fromNullTime(startedAt)
	t.EndedAt = fromNullTime(endedAt)

	if planJSON != "" && planJSON != "null" {
		plan, err := task.UnmarshalPlan([]byte(planJSON))
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
		}
		t.Plan = plan
	}
	if guardrailsJSON != "" {
		if err := json.Unmarshal([]byte(guardrailsJSON), &t.Guardrails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal guardrails: %w", err)
		}
	}
	if counters != "" {
		if err := json.Unmarshal([]byte(counters), &t.Counters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal counters: %w", err)
		}
	}
	return &t, nil
}
