package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SkillRecord is a user-authored skill persisted per workspace.
type SkillRecord struct {
	Workspace   string    `json:"workspace"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Code        string    `json:"code"`
	SchemaJSON  string    `json:"schema_json,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpsertSkill writes a skill keyed by (workspace, name).
func (s *SQLStore) UpsertSkill(ctx context.Context, sk *SkillRecord) error {
	now := time.Now().UTC()
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	sk.UpdatedAt = now

	query := s.rebind(`
INSERT INTO agent_skills (workspace, name, description, code, schema_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace, name) DO UPDATE SET
    description = excluded.description,
    code = excluded.code,
    schema_json = excluded.schema_json,
    updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		sk.Workspace, sk.Name, sk.Description, sk.Code, sk.SchemaJSON,
		sk.CreatedAt, sk.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert skill: %w", err)
	}
	return nil
}

// GetSkill loads one skill.
func (s *SQLStore) GetSkill(ctx context.Context, workspace, name string) (*SkillRecord, error) {
	query := s.rebind(`
SELECT workspace, name, description, code, schema_json, created_at, updated_at
FROM agent_skills WHERE workspace = ? AND name = ?`)

	sk, err := scanSkill(s.db.QueryRowContext(ctx, query, workspace, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("skill %s: %w", name, ErrNotFound)
	}
	return sk, err
}

// ListSkills returns a workspace's skills sorted by name.
func (s *SQLStore) ListSkills(ctx context.Context, workspace string) ([]*SkillRecord, error) {
	query := s.rebind(`
SELECT workspace, name, description, code, schema_json, created_at, updated_at
FROM agent_skills WHERE workspace = ? ORDER BY name ASC`)

	rows, err := s.db.QueryContext(ctx, query, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to list skills: %w", err)
	}
	defer rows.Close()

	var skills []*SkillRecord
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}

// DeleteSkill removes one skill.
func (s *SQLStore) DeleteSkill(ctx context.Context, workspace, name string) error {
	query := s.rebind(`DELETE FROM agent_skills WHERE workspace = ? AND name = ?`)
	_, err := s.db.ExecContext(ctx, query, workspace, name)
	if err != nil {
		return fmt.Errorf("failed to delete skill: %w", err)
	}
	return nil
}

func scanSkill(row rowScanner) (*SkillRecord, error) {
	var sk SkillRecord
	var description, schemaJSON sql.NullString
	err := row.Scan(&sk.Workspace, &sk.Name, &description, &sk.Code,
		&schemaJSON, &sk.CreatedAt, &sk.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sk.Description = description.String
	sk.SchemaJSON = schemaJSON.String
	return &sk, nil
}
