package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/config"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/events"
	"github.com/ashstack/ash/internal/events/bus"
	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/store"
)

// agentPromptFile is the system-prompt file every agent directory must carry.
// Deploy refuses directories without it; the bridge SDK loads it at startup.
const agentPromptFile = "CLAUDE.md"

type AgentHandlers struct {
	cfg   *config.Config
	store *store.Store
	bus   bus.EventBus
	log   *logger.Logger
}

func NewAgentHandlers(cfg *config.Config, st *store.Store, eb bus.EventBus, log *logger.Logger) *AgentHandlers {
	return &AgentHandlers{
		cfg:   cfg,
		store: st,
		bus:   eb,
		log:   log.WithFields(zap.String("component", "agent-handlers")),
	}
}

func RegisterAgentRoutes(router *gin.Engine, cfg *config.Config, st *store.Store, eb bus.EventBus, log *logger.Logger) {
	h := NewAgentHandlers(cfg, st, eb, log)
	api := router.Group("/api")
	api.POST("/agents", h.deploy)
	api.GET("/agents", h.list)
	api.GET("/agents/:name", h.get)
	api.DELETE("/agents/:name", h.remove)
}

type deployAgentRequest struct {
	Name string `json:"name" binding:"required"`
	Path string `json:"path" binding:"required"`
}

// deploy registers an agent definition. The path may be absolute or relative
// to the tenant's agents root; it is resolved and validated here so every
// later sandbox creation can trust the stored path. Re-deploying a name bumps
// its version.
func (h *AgentHandlers) deploy(c *gin.Context) {
	var req deployAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "name and path are required")
		return
	}
	tenant := tenantOf(c, h.cfg)

	dir := req.Path
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(h.cfg.AgentsDir(), tenant, dir)
	}
	dir = filepath.Clean(dir)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		respondError(c, h.log, apperrors.BadRequest("agent path "+dir+" is not a directory"))
		return
	}
	if _, err := os.Stat(filepath.Join(dir, agentPromptFile)); err != nil {
		respondError(c, h.log, apperrors.BadRequest("agent directory is missing "+agentPromptFile))
		return
	}

	agent, err := h.store.UpsertAgent(c.Request.Context(), &models.Agent{
		Tenant: tenant,
		Name:   req.Name,
		Path:   dir,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.publish(c.Request.Context(), events.AgentDeployed, agent)
	h.log.Info("agent deployed",
		zap.String("tenant", tenant),
		zap.String("agent", agent.Name),
		zap.Int("version", agent.Version))
	c.JSON(http.StatusCreated, agent)
}

func (h *AgentHandlers) list(c *gin.Context) {
	agents, err := h.store.ListAgents(c.Request.Context(), tenantOf(c, h.cfg))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *AgentHandlers) get(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), tenantOf(c, h.cfg), c.Param("name"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// remove deletes the agent definition. Existing sessions keep their live
// sandboxes; only cold resumes and new sessions notice the agent is gone.
func (h *AgentHandlers) remove(c *gin.Context) {
	tenant := tenantOf(c, h.cfg)
	name := c.Param("name")

	agent, err := h.store.GetAgent(c.Request.Context(), tenant, name)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if err := h.store.DeleteAgent(c.Request.Context(), tenant, name); err != nil {
		respondError(c, h.log, err)
		return
	}

	h.publish(c.Request.Context(), events.AgentDeleted, agent)
	h.log.Info("agent deleted", zap.String("tenant", tenant), zap.String("agent", name))
	c.Status(http.StatusNoContent)
}

func (h *AgentHandlers) publish(ctx context.Context, eventType string, agent *models.Agent) {
	if h.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "server", map[string]interface{}{
		"tenant":  agent.Tenant,
		"name":    agent.Name,
		"version": agent.Version,
		"path":    agent.Path,
	})
	if err := h.bus.Publish(ctx, events.BuildAgentSubject(eventType, agent.Name), ev); err != nil {
		h.log.Warn("failed to publish agent event", zap.String("type", eventType), zap.Error(err))
	}
}
