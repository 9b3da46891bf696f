package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

// SaveBranch upserts a task branch.
func (s *SQLStore) SaveBranch(ctx context.Context, b *task.Branch) error {
	blob, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal branch: %w", err)
	}

	query := s.rebind(`
INSERT INTO task_branches (id, task_id, name, fork_step_index, status, branch_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    branch_json = excluded.branch_json`)

	_, err = s.db.ExecContext(ctx, query,
		b.ID, b.TaskID, b.Name, b.ForkStepIndex, string(b.Status), string(blob), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save branch: %w", err)
	}
	return nil
}

// GetBranch loads one branch by id.
func (s *SQLStore) GetBranch(ctx context.Context, id string) (*task.Branch, error) {
	query := s.rebind(`SELECT branch_json FROM task_branches WHERE id = ?`)

	var blob string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("branch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load branch: %w", err)
	}

	var b task.Branch
	if err := json.Unmarshal([]byte(blob), &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal branch: %w", err)
	}
	return &b, nil
}

// ListBranches returns a task's branches, oldest first.
func (s *SQLStore) ListBranches(ctx context.Context, taskID string) ([]*task.Branch, error) {
	query := s.rebind(`
SELECT branch_json FROM task_branches WHERE task_id = ? ORDER BY created_at ASC`)

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var branches []*task.Branch
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var b task.Branch
		if err := json.Unmarshal([]byte(blob), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal branch: %w", err)
		}
		branches = append(branches, &b)
	}
	return branches, rows.Err()
}
