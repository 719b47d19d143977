// Package main is the entry point for the ash control plane. One binary
// serves both roles: a standalone node that hosts sandboxes itself (and
// optionally registers with a coordinator as a runner), or a coordinator
// that only routes sessions across registered runners.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/config"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/common/tracing"
	"github.com/ashstack/ash/internal/coordinator"
	"github.com/ashstack/ash/internal/db"
	"github.com/ashstack/ash/internal/events"
	"github.com/ashstack/ash/internal/limits"
	"github.com/ashstack/ash/internal/pool"
	"github.com/ashstack/ash/internal/server"
	"github.com/ashstack/ash/internal/session"
	"github.com/ashstack/ash/internal/store"
	"github.com/ashstack/ash/internal/workspace"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ash...",
		zap.String("mode", cfg.Mode),
		zap.String("data_dir", cfg.DataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory unless NATS is configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 4. Database (embedded SQLite unless database.url selects Postgres)
	dbPool, err := db.Open(cfg.Database.URL, cfg.SQLitePath())
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	st, err := store.New(dbPool)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	log.Info("Database initialized", zap.String("driver", st.DriverName()))

	// 5. Session event recorder (event bus -> session_events table)
	recorder := events.NewRecorder(st, log)
	if err := recorder.Start(eventBus); err != nil {
		log.Fatal("Failed to start event recorder", zap.Error(err))
	}

	// 6. Runner registry / backend routing
	coord := coordinator.New(cfg, st, eventBus, log)

	// 7. Sandbox hosting. A coordinator node routes only; everything else
	// runs a local pool.
	var (
		ws           *workspace.Store
		sandboxPool  *pool.Pool
		localBackend coordinator.RunnerBackend
	)
	if cfg.Mode == config.ModeCoordinator {
		coord.StartSweep()
		log.Info("Runner liveness sweep started",
			zap.Duration("interval", cfg.Coordinator.SweepInterval()))
	} else {
		objects, err := workspace.NewObjectStoreFromURL(cfg.Snapshot.URL)
		if err != nil {
			log.Fatal("Failed to initialize snapshot object store", zap.Error(err))
		}
		cloudPrefix := ""
		if cfg.Snapshot.URL != "" {
			loc, err := workspace.ParseSnapshotURL(cfg.Snapshot.URL)
			if err != nil {
				log.Fatal("Failed to parse snapshot url", zap.Error(err))
			}
			cloudPrefix = loc.Prefix
			log.Info("Snapshot mirroring enabled", zap.String("url", cfg.Snapshot.URL))
		}
		ws = workspace.New(cfg.SandboxesDir(), cfg.SessionsDir(), objects, cloudPrefix, log)

		lim := limits.NewController(limits.FromConfig(cfg.Limits), cfg.Limits.CgroupParentDir, cfg.Limits.DisableCgroups, log)
		sandboxPool = pool.New(cfg, st, ws, lim, eventBus, log)
		if err := sandboxPool.RecoverStartup(ctx); err != nil {
			log.Fatal("Failed to recover sandbox rows", zap.Error(err))
		}
		localBackend = coordinator.NewLocalBackend(sandboxPool, ws, log)
		coord.SetLocalBackend(localBackend)
		log.Info("Sandbox pool initialized",
			zap.Int("max_sandboxes", cfg.Pool.MaxSandboxes),
			zap.Bool("cgroups", lim.Available()))
	}

	// 8. Session manager
	mgr := session.New(st, coord, ws, eventBus, log)
	if sandboxPool != nil {
		mgr.SetResumeRecorder(sandboxPool)
		sandboxPool.SetBeforeEvict(mgr.PauseForEviction)
		sandboxPool.SetDiskQuotaHook(mgr.HandleDiskQuota)
		sandboxPool.StartLoops()
	}

	// 9. Registrar: announce this node to a coordinator when configured
	var registrar *coordinator.Registrar
	if cfg.Runner.CoordinatorURL != "" {
		registrar = coordinator.NewRegistrar(cfg, sandboxPool, log)
		registrar.Start()
		log.Info("Registering with coordinator",
			zap.String("coordinator_url", cfg.Runner.CoordinatorURL),
			zap.String("runner_id", registrar.RunnerID()))
	}

	// 10. HTTP server
	router := server.NewRouter(cfg, server.Deps{
		Store:       st,
		Sessions:    mgr,
		Coordinator: coord,
		Backend:     localBackend,
		Workspaces:  ws,
		Bus:         eventBus,
	}, log)

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays 0 unless overridden: SSE turns outlive any
		// fixed deadline and enforce their own per-write timeout.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ash...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Deregister first so the coordinator stops routing here, then park the
	// fleet: persisted workspaces survive the restart as cold sandboxes.
	if registrar != nil {
		registrar.Stop(shutdownCtx)
	}
	if sandboxPool != nil {
		sandboxPool.Stop()
		sandboxPool.ShutdownAll(shutdownCtx)
	}
	coord.Stop()
	recorder.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}
	if err := busCleanup(); err != nil {
		log.Error("Event bus shutdown error", zap.Error(err))
	}
	if err := st.Close(); err != nil {
		log.Error("Store close error", zap.Error(err))
	}

	log.Info("ash stopped")
}
