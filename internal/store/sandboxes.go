package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/models"
)

const sandboxColumns = `id, tenant, session_id, agent_name, state, workspace_dir, created_at, last_used_at`

// InsertSandbox inserts a new sandbox row.
func (s *Store) InsertSandbox(ctx context.Context, sb *models.Sandbox) error {
	if sb.Tenant == "" {
		sb.Tenant = "default"
	}
	now := time.Now().UTC()
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = now
	}
	if sb.LastUsedAt.IsZero() {
		sb.LastUsedAt = now
	}

	_, err := s.exec(ctx, `
		INSERT INTO sandboxes (id, tenant, session_id, agent_name, state, workspace_dir, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sb.ID, sb.Tenant, sb.SessionID, sb.AgentName, sb.State, sb.WorkspaceDir, sb.CreatedAt, sb.LastUsedAt)
	return err
}

// GetSandbox returns a sandbox by id.
func (s *Store) GetSandbox(ctx context.Context, id string) (*models.Sandbox, error) {
	var sb models.Sandbox
	err := s.get(ctx, &sb, `SELECT `+sandboxColumns+` FROM sandboxes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("sandbox", id)
	}
	if err != nil {
		return nil, err
	}
	return &sb, nil
}

// UpdateSandboxState writes a state transition and bumps last_used_at.
func (s *Store) UpdateSandboxState(ctx context.Context, id string, state models.SandboxState) error {
	n, err := s.exec(ctx, `
		UPDATE sandboxes SET state = ?, last_used_at = ? WHERE id = ?
	`, state, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("sandbox", id)
	}
	return nil
}

// TouchSandbox bumps last_used_at without changing state.
func (s *Store) TouchSandbox(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE sandboxes SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// DeleteSandbox removes a sandbox row. Deleting an absent row is not an error;
// eviction and cleanup must stay idempotent across replicas.
func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM sandboxes WHERE id = ?`, id)
	return err
}

// CountSandboxes returns the total number of sandbox rows.
func (s *Store) CountSandboxes(ctx context.Context) (int, error) {
	var count int
	err := s.getW(ctx, &count, `SELECT COUNT(*) FROM sandboxes`)
	return count, err
}

// SandboxStateCounts returns row counts grouped by state.
func (s *Store) SandboxStateCounts(ctx context.Context) (models.StateCounts, error) {
	rows := []struct {
		State models.SandboxState `db:"state"`
		N     int                 `db:"n"`
	}{}
	if err := s.list(ctx, &rows, `SELECT state, COUNT(*) AS n FROM sandboxes GROUP BY state`); err != nil {
		return models.StateCounts{}, err
	}

	var counts models.StateCounts
	for _, row := range rows {
		switch row.State {
		case models.SandboxCold:
			counts.Cold = row.N
		case models.SandboxWarming:
			counts.Warming = row.N
		case models.SandboxWarm:
			counts.Warm = row.N
		case models.SandboxWaiting:
			counts.Waiting = row.N
		case models.SandboxRunning:
			counts.Running = row.N
		}
	}
	return counts, nil
}

// SelectEvictionCandidate picks the next sandbox to evict: cold before warm
// before waiting, least recently used first, id as the deterministic
// tie-break. Running sandboxes are never candidates.
func (s *Store) SelectEvictionCandidate(ctx context.Context) (*models.Sandbox, error) {
	var sb models.Sandbox
	err := s.getW(ctx, &sb, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE state IN (?, ?, ?)
		ORDER BY CASE state WHEN ? THEN 0 WHEN ? THEN 1 ELSE 2 END, last_used_at ASC, id ASC
		LIMIT 1
	`, models.SandboxCold, models.SandboxWarm, models.SandboxWaiting,
		models.SandboxCold, models.SandboxWarm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sb, nil
}

// SelectIdleWaiting returns waiting sandboxes idle since before the cutoff.
func (s *Store) SelectIdleWaiting(ctx context.Context, cutoff time.Time) ([]*models.Sandbox, error) {
	boxes := []*models.Sandbox{}
	err := s.list(ctx, &boxes, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE state = ? AND last_used_at < ?
		ORDER BY last_used_at ASC
	`, models.SandboxWaiting, cutoff.UTC())
	return boxes, err
}

// SelectExpiredCold returns cold sandboxes unused since before the cutoff.
func (s *Store) SelectExpiredCold(ctx context.Context, cutoff time.Time) ([]*models.Sandbox, error) {
	boxes := []*models.Sandbox{}
	err := s.list(ctx, &boxes, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE state = ? AND last_used_at < ?
		ORDER BY last_used_at ASC
	`, models.SandboxCold, cutoff.UTC())
	return boxes, err
}

// MarkAllSandboxesCold flips every non-cold row to cold. Called once on
// startup: any process the rows referred to died with the previous control
// plane. Idempotent.
func (s *Store) MarkAllSandboxesCold(ctx context.Context) (int64, error) {
	return s.exec(ctx, `
		UPDATE sandboxes SET state = ? WHERE state != ?
	`, models.SandboxCold, models.SandboxCold)
}
