package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/bridge"
	"github.com/ashstack/ash/internal/common/config"
	"github.com/ashstack/ash/internal/common/httpmw"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/coordinator"
	"github.com/ashstack/ash/internal/sse"
)

// RunnerHandlers exposes this node's sandbox pool to remote coordinators.
// They are the HTTP face of the local backend: every endpoint maps onto one
// RunnerBackend call, and query turns stream back as SSE.
type RunnerHandlers struct {
	cfg     *config.Config
	backend coordinator.RunnerBackend
	log     *logger.Logger
}

func NewRunnerHandlers(cfg *config.Config, backend coordinator.RunnerBackend, log *logger.Logger) *RunnerHandlers {
	return &RunnerHandlers{
		cfg:     cfg,
		backend: backend,
		log:     log.WithFields(zap.String("component", "runner-handlers")),
	}
}

func RegisterRunnerRoutes(router *gin.Engine, cfg *config.Config, backend coordinator.RunnerBackend, log *logger.Logger) {
	h := NewRunnerHandlers(cfg, backend, log)
	runner := router.Group("/runner", httpmw.InternalAuth(cfg.InternalSecret))
	runner.POST("/sandboxes", h.create)
	runner.DELETE("/sandboxes/:id", h.destroy)
	runner.POST("/sandboxes/:id/cmd", h.command)
	runner.POST("/sandboxes/:id/running", h.markRunning)
	runner.POST("/sandboxes/:id/waiting", h.markWaiting)
	runner.POST("/sandboxes/:id/persist", h.persist)
	runner.GET("/sandboxes/:id", h.liveness)
	runner.GET("/stats", h.stats)
}

func (h *RunnerHandlers) create(c *gin.Context) {
	var req coordinator.CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "malformed create sandbox request")
		return
	}
	info, err := h.backend.CreateSandbox(c.Request.Context(), coordinator.SandboxRequest{
		SessionID: req.SessionID,
		Tenant:    req.Tenant,
		AgentName: req.AgentName,
		AgentDir:  req.AgentDir,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, coordinator.CreateSandboxResponse{
		SandboxID:     info.SandboxID,
		RestoreSource: string(info.RestoreSource),
	})
}

func (h *RunnerHandlers) destroy(c *gin.Context) {
	if err := h.backend.DestroySandbox(c.Request.Context(), c.Param("id"), c.Query("reason")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// command relays one bridge command. Query turns stream their events back as
// SSE frames named after the bridge event; everything else is a plain ack.
// The relay detaches from the request context and drains to the terminal
// event even when the coordinator disconnects, so a dead coordinator can
// never wedge the bridge behind an unconsumed turn.
func (h *RunnerHandlers) command(c *gin.Context) {
	var cmd bridge.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		respondBadRequest(c, "malformed bridge command")
		return
	}
	sid := c.Param("id")

	ctx := context.WithoutCancel(c.Request.Context())
	stream, err := h.backend.SendCommand(ctx, sid, &cmd)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if cmd.Cmd != bridge.CmdQuery {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	sw := sse.NewWriter(c.Writer, h.cfg.SSE.WriteTimeout())
	defer sw.Close()

	clientGone := false
	terminal := ""
	for ev := range stream {
		if err := sw.Event(ev.Ev, ev); err != nil {
			clientGone = true
		}
		if ev.Ev == bridge.EvDone || ev.Ev == bridge.EvCrash {
			terminal = ev.Ev
		}
	}

	// The coordinator marks the sandbox waiting once it sees done. If it
	// vanished mid-turn nobody will, so park the sandbox here or it stays
	// running and unevictable forever.
	if clientGone && terminal == bridge.EvDone {
		if err := h.backend.MarkWaiting(ctx, sid); err != nil {
			h.log.Warn("failed to park sandbox after coordinator vanished",
				zap.String("sandbox_id", sid), zap.Error(err))
			return
		}
		if err := h.backend.PersistState(ctx, sid); err != nil {
			h.log.Warn("failed to persist parked sandbox",
				zap.String("sandbox_id", sid), zap.Error(err))
		}
		h.log.Info("parked sandbox after coordinator vanished mid-turn",
			zap.String("sandbox_id", sid))
	}
}

func (h *RunnerHandlers) markRunning(c *gin.Context) {
	if err := h.backend.MarkRunning(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *RunnerHandlers) markWaiting(c *gin.Context) {
	if err := h.backend.MarkWaiting(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *RunnerHandlers) persist(c *gin.Context) {
	if err := h.backend.PersistState(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *RunnerHandlers) liveness(c *gin.Context) {
	sid := c.Param("id")
	c.JSON(http.StatusOK, coordinator.LivenessResponse{
		SandboxID: sid,
		Alive:     h.backend.IsLive(c.Request.Context(), sid),
	})
}

func (h *RunnerHandlers) stats(c *gin.Context) {
	stats, err := h.backend.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
