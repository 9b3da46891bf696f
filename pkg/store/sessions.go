package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session groups a user's conversation with the agent. Tasks reference a
// session through their conversation id.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Workspace string    `json:"workspace"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionMessage is one stored conversation turn.
type SessionMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSession creates a session record.
func NewSession(userID, workspace, title string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Workspace: workspace,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SaveSession upserts session metadata.
func (s *SQLStore) SaveSession(ctx context.Context, sess *Session) error {
	query := s.rebind(`
INSERT INTO agent_sessions (id, user_id, workspace, title, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    title = excluded.title,
    updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.UserID, sess.Workspace, sess.Title, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := s.rebind(`
SELECT id, user_id, workspace, title, created_at, updated_at
FROM agent_sessions WHERE id = ?`)

	var sess Session
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.UserID, &sess.Workspace, &title, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.Title = title.String
	return &sess, nil
}

// ListSessions returns a user's sessions, most recently active first.
func (s *SQLStore) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.rebind(`
SELECT id, user_id, workspace, title, created_at, updated_at
FROM agent_sessions WHERE user_id = ?
ORDER BY updated_at DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var title sql.NullString
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Workspace, &title,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.Title = title.String
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// AppendMessage stores one conversation turn and touches the session.
func (s *SQLStore) AppendMessage(ctx context.Context, sessionID, role, content string) (*SessionMessage, error) {
	msg := &SessionMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	query := s.rebind(`
INSERT INTO agent_session_messages (id, session_id, role, content, created_at)
VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	touch := s.rebind(`UPDATE agent_sessions SET updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, touch, msg.CreatedAt, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	return msg, nil
}

// Messages returns a session's turns in insertion order.
func (s *SQLStore) Messages(ctx context.Context, sessionID string, limit int) ([]*SessionMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	query := s.rebind(`
SELECT id, session_id, role, content, created_at
FROM agent_session_messages WHERE session_id = ?
ORDER BY created_at ASC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*SessionMessage
	for rows.Next() {
		var m SessionMessage
		var content sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Content = content.String
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
