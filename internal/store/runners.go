package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/db/dialect"
	"github.com/ashstack/ash/internal/models"
)

const runnerColumns = `id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at`

// UpsertRunner registers a runner. Re-registration with the same id updates
// the row in place; there is never a duplicate.
func (s *Store) UpsertRunner(ctx context.Context, r *models.Runner) error {
	now := time.Now().UTC()
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = now
	}
	r.LastHeartbeatAt = now

	_, err := s.exec(ctx, `
		INSERT INTO runners (id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`+dialect.Upsert("id", "host", "port", "max_sandboxes", "last_heartbeat_at"),
		r.ID, r.Host, r.Port, r.MaxSandboxes, r.ActiveCount, r.WarmingCount, r.LastHeartbeatAt, r.RegisteredAt)
	return err
}

// HeartbeatRunner refreshes liveness and load counts for a runner.
func (s *Store) HeartbeatRunner(ctx context.Context, id string, active, warming int) error {
	n, err := s.exec(ctx, `
		UPDATE runners SET active_count = ?, warming_count = ?, last_heartbeat_at = ?
		WHERE id = ?
	`, active, warming, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("runner", id)
	}
	return nil
}

// DeleteRunner removes a runner row. Absent rows are fine; the liveness
// sweep may race another replica.
func (s *Store) DeleteRunner(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM runners WHERE id = ?`, id)
	return err
}

// GetRunner returns a runner by id.
func (s *Store) GetRunner(ctx context.Context, id string) (*models.Runner, error) {
	var r models.Runner
	err := s.get(ctx, &r, `SELECT `+runnerColumns+` FROM runners WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("runner", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRunners returns all registered runners.
func (s *Store) ListRunners(ctx context.Context) ([]*models.Runner, error) {
	runners := []*models.Runner{}
	err := s.list(ctx, &runners, `SELECT `+runnerColumns+` FROM runners ORDER BY id`)
	return runners, err
}

// SelectLeastLoaded returns the healthy runner with the most free capacity,
// or nil when no runner has heartbeated since the cutoff.
func (s *Store) SelectLeastLoaded(ctx context.Context, cutoff time.Time) (*models.Runner, error) {
	var r models.Runner
	err := s.getW(ctx, &r, `
		SELECT `+runnerColumns+` FROM runners
		WHERE last_heartbeat_at > ?
		ORDER BY (max_sandboxes - active_count - warming_count) DESC, id ASC
		LIMIT 1
	`, cutoff.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SelectDeadRunners returns runners whose last heartbeat is older than the cutoff.
func (s *Store) SelectDeadRunners(ctx context.Context, cutoff time.Time) ([]*models.Runner, error) {
	runners := []*models.Runner{}
	err := s.list(ctx, &runners, `
		SELECT `+runnerColumns+` FROM runners WHERE last_heartbeat_at < ?
	`, cutoff.UTC())
	return runners, err
}
