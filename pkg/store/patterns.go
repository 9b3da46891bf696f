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
	"fmt"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/guardrails"
)

// LoadPatterns returns every learned approval pattern for the workspace.
func (s *SQLStore) LoadPatterns(workspace string) ([]guardrails.Pattern, error) {
	query := s.rebind(`
SELECT workspace, fingerprint, tool_name, approval_count, denial_count
FROM approval_patterns WHERE workspace = ?`)

	rows, err := s.db.QueryContext(context.Background(), query, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval patterns: %w", err)
	}
	defer rows.Close()

	var patterns []guardrails.Pattern
	for rows.Next() {
		var p guardrails.Pattern
		if err := rows.Scan(&p.Workspace, &p.Fingerprint, &p.ToolName,
			&p.ApprovalCount, &p.DenialCount); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// UpsertPattern writes one pattern's counters.
func (s *SQLStore) UpsertPattern(p guardrails.Pattern) error {
	query := s.rebind(`
INSERT INTO approval_patterns (workspace, fingerprint, tool_name,
    approval_count, denial_count, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace, fingerprint) DO UPDATE SET
    approval_count = excluded.approval_count,
    denial_count = excluded.denial_count,
    updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(context.Background(), query,
		p.Workspace, p.Fingerprint, p.ToolName,
		p.ApprovalCount, p.DenialCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert approval pattern: %w", err)
	}
	return nil
}

var _ guardrails.PatternStore = (*SQLStore)(nil)
