package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/config"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/coordinator"
)

type HealthHandlers struct {
	cfg     *config.Config
	coord   *coordinator.Coordinator
	backend coordinator.RunnerBackend
	log     *logger.Logger
}

func RegisterHealthRoutes(router *gin.Engine, cfg *config.Config, coord *coordinator.Coordinator, backend coordinator.RunnerBackend, log *logger.Logger) {
	h := &HealthHandlers{
		cfg:     cfg,
		coord:   coord,
		backend: backend,
		log:     log.WithFields(zap.String("component", "health-handlers")),
	}
	router.GET("/health", h.health)
}

// health reports liveness plus the sandbox pool counters. Unauthenticated:
// load balancers and monitors poll it. A failing stats read degrades the
// payload but keeps the 200, the process itself is still serving.
func (h *HealthHandlers) health(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"service": "ash",
		"mode":    h.cfg.Mode,
	}

	if h.backend != nil {
		stats, err := h.backend.Stats(c.Request.Context())
		if err != nil {
			h.log.Warn("failed to read pool stats for health", zap.Error(err))
			resp["status"] = "degraded"
		} else {
			resp["pool"] = stats
		}
	}

	if h.cfg.Mode == config.ModeCoordinator && h.coord != nil {
		runners, err := h.coord.Runners(c.Request.Context())
		if err != nil {
			h.log.Warn("failed to list runners for health", zap.Error(err))
			resp["status"] = "degraded"
		} else {
			resp["runners"] = len(runners)
		}
	}

	c.JSON(http.StatusOK, resp)
}
