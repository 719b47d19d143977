package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/models"
)

const sessionColumns = `id, tenant, agent_name, sandbox_id, status, runner_id, created_at, last_active_at`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Tenant == "" {
		sess.Tenant = "default"
	}
	if sess.Status == "" {
		sess.Status = models.SessionStarting
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.LastActiveAt = now

	_, err := s.exec(ctx, `
		INSERT INTO sessions (id, tenant, agent_name, sandbox_id, status, runner_id, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Tenant, sess.AgentName, sess.SandboxID, sess.Status, sess.RunnerID, sess.CreatedAt, sess.LastActiveAt)
	return err
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.get(ctx, &sess, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns sessions for a tenant, optionally filtered by agent.
func (s *Store) ListSessions(ctx context.Context, tenant, agentName string) ([]*models.Session, error) {
	sessions := []*models.Session{}
	if agentName != "" {
		err := s.list(ctx, &sessions, `
			SELECT `+sessionColumns+` FROM sessions
			WHERE tenant = ? AND agent_name = ? ORDER BY created_at DESC
		`, tenant, agentName)
		return sessions, err
	}
	err := s.list(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM sessions WHERE tenant = ? ORDER BY created_at DESC
	`, tenant)
	return sessions, err
}

// UpdateSessionStatus transitions a session. Ended is terminal: an update on
// an ended session is refused.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	n, err := s.exec(ctx, `
		UPDATE sessions SET status = ?, last_active_at = ?
		WHERE id = ? AND status != ?
	`, status, time.Now().UTC(), id, models.SessionEnded)
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from the terminal-state guard.
		var existing models.Session
		err := s.getW(ctx, &existing, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("session", id)
		}
		if err != nil {
			return err
		}
		if status == existing.Status {
			return nil
		}
		return apperrors.BadState("session has ended")
	}
	return nil
}

// BindSandbox points a session at its sandbox. Pass empty to clear.
func (s *Store) BindSandbox(ctx context.Context, sessionID, sandboxID string) error {
	var value *string
	if sandboxID != "" {
		value = &sandboxID
	}
	n, err := s.exec(ctx, `UPDATE sessions SET sandbox_id = ? WHERE id = ?`, value, sessionID)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	return nil
}

// SetSessionRunner records which runner owns the session. Pass empty for local.
func (s *Store) SetSessionRunner(ctx context.Context, sessionID, runnerID string) error {
	var value *string
	if runnerID != "" {
		value = &runnerID
	}
	n, err := s.exec(ctx, `UPDATE sessions SET runner_id = ? WHERE id = ?`, value, sessionID)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	return nil
}

// TouchSession bumps last_active_at.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE sessions SET last_active_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// PauseSessionsOnRunner pauses every live session owned by a runner in one
// bulk statement. Used by graceful deregister and the liveness sweep; safe
// to run repeatedly and from multiple replicas.
func (s *Store) PauseSessionsOnRunner(ctx context.Context, runnerID string) (int64, error) {
	return s.exec(ctx, `
		UPDATE sessions SET status = ?, last_active_at = ?
		WHERE runner_id = ? AND status IN (?, ?)
	`, models.SessionPaused, time.Now().UTC(), runnerID, models.SessionActive, models.SessionStarting)
}
