// Package server assembles ash's HTTP surfaces on one gin engine: the
// public agent/session API, the internal runner registry, and the runner
// sandbox API. Which surfaces are mounted depends on the node's mode: a
// coordinator serves the registry, a node with a local pool serves the
// runner API, and every node serves the public API plus health and metrics.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ashstack/ash/internal/common/config"
	"github.com/ashstack/ash/internal/common/httpmw"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/coordinator"
	"github.com/ashstack/ash/internal/events/bus"
	"github.com/ashstack/ash/internal/metrics"
	"github.com/ashstack/ash/internal/session"
	"github.com/ashstack/ash/internal/store"
	"github.com/ashstack/ash/internal/workspace"
)

// Deps carries the wired services the handlers delegate to. Backend and
// Workspaces are nil on a pure coordinator node, which hosts no sandboxes.
type Deps struct {
	Store       *store.Store
	Sessions    *session.Manager
	Coordinator *coordinator.Coordinator
	Backend     coordinator.RunnerBackend
	Workspaces  *workspace.Store
	Bus         bus.EventBus
}

// NewRouter builds the gin engine with every surface this node serves.
func NewRouter(cfg *config.Config, deps Deps, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "ash"))
	router.Use(httpmw.OtelTracing("ash"))

	RegisterHealthRoutes(router, cfg, deps.Coordinator, deps.Backend, log)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	RegisterAgentRoutes(router, cfg, deps.Store, deps.Bus, log)
	RegisterSessionRoutes(router, cfg, deps.Sessions, log)

	if cfg.Mode == config.ModeCoordinator {
		RegisterRegistryRoutes(router, cfg, deps.Coordinator, log)
	}
	if deps.Backend != nil {
		RegisterRunnerRoutes(router, cfg, deps.Backend, log)
	}

	return router
}

// corsMiddleware returns the CORS policy for browser clients of the public
// API. SSE streams need no extra headers beyond these.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Accept, X-Ash-Tenant")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// tenantOf resolves the tenant for a public API request: the X-Ash-Tenant
// header when present, the configured default otherwise.
func tenantOf(c *gin.Context, cfg *config.Config) string {
	if t := c.GetHeader("X-Ash-Tenant"); t != "" {
		return t
	}
	return cfg.Tenant
}
