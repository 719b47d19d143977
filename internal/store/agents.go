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

// UpsertAgent deploys an agent. A redeploy of an existing (tenant, name)
// bumps the version and replaces the path.
func (s *Store) UpsertAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Tenant == "" {
		agent.Tenant = "default"
	}
	now := time.Now().UTC()

	_, err := s.exec(ctx, `
		INSERT INTO agents (id, tenant, name, version, path, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (tenant, name) DO UPDATE SET
			version = version + 1,
			path = excluded.path,
			updated_at = excluded.updated_at
	`, agent.ID, agent.Tenant, agent.Name, agent.Path, now, now)
	if err != nil {
		return nil, err
	}

	return s.getAgentW(ctx, agent.Tenant, agent.Name)
}

// GetAgent returns an agent by (tenant, name).
func (s *Store) GetAgent(ctx context.Context, tenant, name string) (*models.Agent, error) {
	var agent models.Agent
	err := s.get(ctx, &agent, `
		SELECT id, tenant, name, version, path, created_at, updated_at
		FROM agents WHERE tenant = ? AND name = ?
	`, tenant, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", name)
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// getAgentW reads through the writer so an upsert in the same call is visible.
func (s *Store) getAgentW(ctx context.Context, tenant, name string) (*models.Agent, error) {
	var agent models.Agent
	err := s.getW(ctx, &agent, `
		SELECT id, tenant, name, version, path, created_at, updated_at
		FROM agents WHERE tenant = ? AND name = ?
	`, tenant, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", name)
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns all agents for a tenant ordered by name.
func (s *Store) ListAgents(ctx context.Context, tenant string) ([]*models.Agent, error) {
	agents := []*models.Agent{}
	err := s.list(ctx, &agents, `
		SELECT id, tenant, name, version, path, created_at, updated_at
		FROM agents WHERE tenant = ? ORDER BY name
	`, tenant)
	return agents, err
}

// DeleteAgent removes an agent by (tenant, name).
func (s *Store) DeleteAgent(ctx context.Context, tenant, name string) error {
	n, err := s.exec(ctx, `DELETE FROM agents WHERE tenant = ? AND name = ?`, tenant, name)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("agent", name)
	}
	return nil
}
