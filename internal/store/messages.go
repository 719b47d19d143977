package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ashstack/ash/internal/models"
)

// AppendMessage appends a transcript entry. The sequence number is assigned
// by a generator subquery inside the INSERT, so assignment is atomic with
// the insert on both SQLite (single writer) and PostgreSQL.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Tenant == "" {
		msg.Tenant = "default"
	}
	msg.CreatedAt = time.Now().UTC()

	_, err := s.exec(ctx, `
		INSERT INTO messages (id, tenant, session_id, sequence, role, content, created_at)
		VALUES (?, ?, ?,
			(SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE tenant = ? AND session_id = ?),
			?, ?, ?)
	`, msg.ID, msg.Tenant, msg.SessionID, msg.Tenant, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt)
	return err
}

// ListMessages returns a session's transcript in sequence order, starting
// after afterSeq. limit <= 0 means no limit.
func (s *Store) ListMessages(ctx context.Context, tenant, sessionID string, afterSeq int64, limit int) ([]*models.Message, error) {
	messages := []*models.Message{}
	query := `
		SELECT id, tenant, session_id, sequence, role, content, created_at
		FROM messages
		WHERE tenant = ? AND session_id = ? AND sequence > ?
		ORDER BY sequence ASC`
	args := []any{tenant, sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	err := s.list(ctx, &messages, query, args...)
	return messages, err
}

// AppendSessionEvent appends a lifecycle event row with the same atomic
// sequence assignment as messages.
func (s *Store) AppendSessionEvent(ctx context.Context, ev *models.SessionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Tenant == "" {
		ev.Tenant = "default"
	}
	if len(ev.Data) == 0 {
		ev.Data = json.RawMessage(`{}`)
	}
	ev.CreatedAt = time.Now().UTC()

	_, err := s.exec(ctx, `
		INSERT INTO session_events (id, tenant, session_id, sequence, type, data, created_at)
		VALUES (?, ?, ?,
			(SELECT COALESCE(MAX(sequence), 0) + 1 FROM session_events WHERE tenant = ? AND session_id = ?),
			?, ?, ?)
	`, ev.ID, ev.Tenant, ev.SessionID, ev.Tenant, ev.SessionID, ev.Type, string(ev.Data), ev.CreatedAt)
	return err
}

// ListSessionEvents returns a session's lifecycle events in sequence order.
func (s *Store) ListSessionEvents(ctx context.Context, tenant, sessionID string) ([]*models.SessionEvent, error) {
	events := []*models.SessionEvent{}
	err := s.list(ctx, &events, `
		SELECT id, tenant, session_id, sequence, type, data, created_at
		FROM session_events
		WHERE tenant = ? AND session_id = ?
		ORDER BY sequence ASC
	`, tenant, sessionID)
	return events, err
}
