package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/config"
	"github.com/ashstack/ash/internal/common/httpmw"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/coordinator"
)

// RegistryHandlers exposes the runner registry on a coordinator node. Runners
// call these endpoints with the shared internal secret; they are never
// reachable through the public API surface.
type RegistryHandlers struct {
	coord *coordinator.Coordinator
	log   *logger.Logger
}

func NewRegistryHandlers(coord *coordinator.Coordinator, log *logger.Logger) *RegistryHandlers {
	return &RegistryHandlers{
		coord: coord,
		log:   log.WithFields(zap.String("component", "registry-handlers")),
	}
}

func RegisterRegistryRoutes(router *gin.Engine, cfg *config.Config, coord *coordinator.Coordinator, log *logger.Logger) {
	h := NewRegistryHandlers(coord, log)
	internal := router.Group("/internal", httpmw.InternalAuth(cfg.InternalSecret))
	internal.POST("/runners/register", h.register)
	internal.POST("/runners/heartbeat", h.heartbeat)
	internal.POST("/runners/deregister", h.deregister)
}

func (h *RegistryHandlers) register(c *gin.Context) {
	var req coordinator.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "malformed register request")
		return
	}
	if err := h.coord.Register(c.Request.Context(), req); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// heartbeat refreshes a runner's liveness. An unknown id yields a 404
// envelope, which tells the runner to re-register rather than keep
// heartbeating into the void.
func (h *RegistryHandlers) heartbeat(c *gin.Context) {
	var req coordinator.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "malformed heartbeat request")
		return
	}
	if err := h.coord.Heartbeat(c.Request.Context(), req); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *RegistryHandlers) deregister(c *gin.Context) {
	var req coordinator.DeregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "malformed deregister request")
		return
	}
	if err := h.coord.Deregister(c.Request.Context(), req.ID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
