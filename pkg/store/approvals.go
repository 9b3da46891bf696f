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
	"time"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

// Resolution errors. ErrAlreadyResolved also covers a lost race: exactly one
// resolver ever succeeds per approval.
var (
	ErrAlreadyResolved = fmt.Errorf("approval already resolved")
	ErrNotOwner        = fmt.Errorf("approval can only be resolved by the task owner")
	ErrApprovalExpired = fmt.Errorf("approval expired")
)

// SaveApproval upserts an approval request row.
func (s *SQLStore) SaveApproval(ctx context.Context, a *task.ApprovalRequest) error {
	callJSON, err := json.Marshal(a.Call)
	if err != nil {
		return fmt.Errorf("failed to marshal tool call: %w", err)
	}

	query := s.rebind(`
INSERT INTO agent_approvals (id, task_id, workspace, tool_call_json, risk,
    reason, status, created_at, expires_at, resolved_at, resolved_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    resolved_at = excluded.resolved_at,
    resolved_by = excluded.resolved_by`)

	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.TaskID, a.Workspace, string(callJSON), string(a.Risk),
		a.Reason, string(a.Status), a.CreatedAt, nullTime(a.ExpiresAt),
		nullTime(a.ResolvedAt), a.ResolvedBy)
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

// GetApproval loads one approval by id.
func (s *SQLStore) GetApproval(ctx context.Context, id string) (*task.ApprovalRequest, error) {
	query := s.rebind(`
SELECT id, task_id, workspace, tool_call_json, risk, reason, status,
    created_at, expires_at, resolved_at, resolved_by
FROM agent_approvals WHERE id = ?`)

	a, err := scanApproval(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ResolveApproval transitions a pending approval to approved or denied.
// Only the owning task's user may resolve; the guarded UPDATE ensures at
// most one resolution ever succeeds, regardless of concurrent resolvers.
func (s *SQLStore) ResolveApproval(ctx context.Context, approvalID, userID string, approve bool) (*task.ApprovalRequest, error) {
	current, err := s.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	owner, err := s.taskOwner(ctx, current.TaskID)
	if err != nil {
		return nil, err
	}
	if owner != userID {
		return nil, ErrNotOwner
	}

	now := time.Now().UTC()
	next := task.ApprovalApproved
	if !approve {
		next = task.ApprovalDenied
	}
	if current.Expired(now) {
		next = task.ApprovalExpired
	}

	query := s.rebind(`
UPDATE agent_approvals SET status = ?, resolved_at = ?, resolved_by = ?
WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(next), now, userID, approvalID, string(task.ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrAlreadyResolved
	}
	if next == task.ApprovalExpired {
		return nil, ErrApprovalExpired
	}

	current.Status = next
	current.ResolvedAt = now
	current.ResolvedBy = userID
	return current, nil
}

// PendingApprovals returns unresolved approvals for a task, oldest first.
func (s *SQLStore) PendingApprovals(ctx context.Context, taskID string) ([]*task.ApprovalRequest, error) {
	query := s.rebind(`
SELECT id, task_id, workspace, tool_call_json, risk, reason, status,
    created_at, expires_at, resolved_at, resolved_by
FROM agent_approvals WHERE task_id = ? AND status = ?
ORDER BY created_at ASC`)

	rows, err := s.db.QueryContext(ctx, query, taskID, string(task.ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*task.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func (s *SQLStore) taskOwner(ctx context.Context, taskID string) (string, error) {
	query := s.rebind(`SELECT user_id FROM agent_tasks WHERE id = ?`)
	var owner string
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up task owner: %w", err)
	}
	return owner, nil
}

func scanApproval(row rowScanner) (*task.ApprovalRequest, error) {
	var (
		a                   task.ApprovalRequest
		callJSON, risk      string
		status              string
		reason, resolvedBy  sql.NullString
		expiresAt, resolved sql.NullTime
	)
	err := row.Scan(&a.ID, &a.TaskID, &a.Workspace, &callJSON, &risk,
		&reason, &status, &a.CreatedAt, &expiresAt, &resolved, &resolvedBy)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(callJSON), &a.Call); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool call: %w", err)
	}
	a.Risk = task.RiskLevel(risk)
	a.Reason = reason.String
	a.Status = task.ApprovalStatus(status)
	a.ExpiresAt = fromNullTime(expiresAt)
	a.ResolvedAt = fromNullTime(resolved)
	a.ResolvedBy = resolvedBy.String
	return &a, nil
}
