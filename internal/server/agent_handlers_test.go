package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/models"
)

func TestDeployAgentRequiresPromptFile(t *testing.T) {
	f := newFixture(t)

	dir := filepath.Join(f.cfg.DataDir, "bare-agent")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	w := f.do(t, http.MethodPost, "/api/agents", map[string]string{"name": "bare", "path": dir}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.ErrCodeBadRequest, errorCode(t, w.Body.Bytes()))
	assert.Contains(t, w.Body.String(), agentPromptFile)
}

func TestDeployAgentRejectsMissingDirectory(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/agents",
		map[string]string{"name": "ghost", "path": filepath.Join(f.cfg.DataDir, "nope")}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeployAgentRejectsMissingFields(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/agents", map[string]string{"name": "incomplete"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeployAgentBumpsVersionOnRedeploy(t *testing.T) {
	f := newFixture(t)
	dir := f.deployAgent(t, "qa")

	w := f.do(t, http.MethodPost, "/api/agents", map[string]string{"name": "qa", "path": dir}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var agent models.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	assert.Equal(t, 2, agent.Version)
	assert.Equal(t, dir, agent.Path)
}

func TestDeployAgentResolvesTenantRelativePath(t *testing.T) {
	f := newFixture(t)

	dir := filepath.Join(f.cfg.AgentsDir(), "default", "helper")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, agentPromptFile), []byte("# helper\n"), 0o644))

	w := f.do(t, http.MethodPost, "/api/agents", map[string]string{"name": "helper", "path": "helper"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var agent models.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	assert.Equal(t, dir, agent.Path)
}

func TestAgentGetListDelete(t *testing.T) {
	f := newFixture(t)
	f.deployAgent(t, "qa")

	w := f.do(t, http.MethodGet, "/api/agents/qa", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/agents", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Agents []*models.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Agents, 1)
	assert.Equal(t, "qa", listing.Agents[0].Name)

	w = f.do(t, http.MethodDelete, "/api/agents/qa", nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/agents/qa", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.ErrCodeNotFound, errorCode(t, w.Body.Bytes()))
}

func TestAgentsAreTenantScoped(t *testing.T) {
	f := newFixture(t)
	f.deployAgent(t, "qa")

	w := f.do(t, http.MethodGet, "/api/agents/qa", nil, map[string]string{"X-Ash-Tenant": "other"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
