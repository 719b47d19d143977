package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/appctx"
	"github.com/ashstack/ash/internal/common/config"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/events"
	"github.com/ashstack/ash/internal/events/bus"
	"github.com/ashstack/ash/internal/metrics"
	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/store"
)

const (
	// sweepJitterMax staggers replica sweeps so they do not retire the same
	// dead runner simultaneously. Retirement is idempotent regardless.
	sweepJitterMax = 5 * time.Second

	sweepTimeout = time.Minute
)

// Coordinator owns the runner registry: registration, liveness, routing of
// sessions to backends, and the sweep that retires silent runners.
type Coordinator struct {
	cfg   *config.Config
	store *store.Store
	bus   bus.EventBus
	log   *logger.Logger
	local RunnerBackend

	mu       sync.RWMutex
	backends map[string]RunnerBackend

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg *config.Config, st *store.Store, eb bus.EventBus, log *logger.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		bus:      eb,
		log:      log.WithFields(zap.String("component", "coordinator")),
		backends: make(map[string]RunnerBackend),
		stopCh:   make(chan struct{}),
	}
}

// SetLocalBackend installs the in-process pool backend. Standalone nodes set
// it; a pure coordinator has none.
func (c *Coordinator) SetLocalBackend(b RunnerBackend) { c.local = b }

// Register upserts a runner row. Re-registration after a restart or a lost
// heartbeat updates the address in place and drops any cached backend built
// from stale host/port.
func (c *Coordinator) Register(ctx context.Context, req RegisterRequest) error {
	if req.ID == "" || req.Host == "" || req.Port <= 0 {
		return apperrors.BadRequest("runner registration requires id, host and port")
	}

	r := &models.Runner{
		ID:           req.ID,
		Host:         req.Host,
		Port:         req.Port,
		MaxSandboxes: req.MaxSandboxes,
	}
	if err := c.store.UpsertRunner(ctx, r); err != nil {
		return apperrors.Wrap(err, "failed to register runner")
	}

	c.mu.Lock()
	delete(c.backends, req.ID)
	c.mu.Unlock()

	c.publish(events.RunnerRegistered, req.ID, map[string]interface{}{
		"runner_id":     req.ID,
		"host":          req.Host,
		"port":          req.Port,
		"max_sandboxes": req.MaxSandboxes,
	})
	c.updateRunnerGauge(ctx)
	c.log.Info("runner registered",
		zap.String("runner_id", req.ID),
		zap.String("host", req.Host),
		zap.Int("port", req.Port),
		zap.Int("max_sandboxes", req.MaxSandboxes))
	return nil
}

// Heartbeat refreshes a runner's liveness and load counts. A NotFound tells
// the runner its row is gone and it must re-register.
func (c *Coordinator) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	if req.ID == "" {
		return apperrors.BadRequest("runner heartbeat requires id")
	}
	return c.store.HeartbeatRunner(ctx, req.ID, req.Active, req.Warming)
}

// Deregister retires a runner on its own request, pausing its sessions so
// clients resume them elsewhere.
func (c *Coordinator) Deregister(ctx context.Context, runnerID string) error {
	if runnerID == "" {
		return apperrors.BadRequest("runner deregistration requires id")
	}
	return c.retire(ctx, runnerID, "deregistered")
}

// retire pauses every live session owned by the runner in one bulk update,
// deletes the registry row, and drops the cached backend. Idempotent: the
// sweep and an explicit deregister may race across replicas.
func (c *Coordinator) retire(ctx context.Context, runnerID, reason string) error {
	paused, err := c.store.PauseSessionsOnRunner(ctx, runnerID)
	if err != nil {
		return apperrors.Wrap(err, "failed to pause sessions on runner")
	}
	if err := c.store.DeleteRunner(ctx, runnerID); err != nil {
		return apperrors.Wrap(err, "failed to delete runner row")
	}

	c.mu.Lock()
	delete(c.backends, runnerID)
	c.mu.Unlock()

	c.publish(events.RunnerDeregistered, runnerID, map[string]interface{}{
		"runner_id":       runnerID,
		"paused_sessions": paused,
		"reason":          reason,
	})
	c.updateRunnerGauge(ctx)
	c.log.Info("runner retired",
		zap.String("runner_id", runnerID),
		zap.String("reason", reason),
		zap.Int64("paused_sessions", paused))
	return nil
}

// Select picks the backend for a new session: the local pool in standalone
// mode, otherwise the healthy runner with the most free capacity.
func (c *Coordinator) Select(ctx context.Context) (RunnerBackend, error) {
	if c.cfg.Mode != config.ModeCoordinator {
		if c.local == nil {
			return nil, apperrors.NoRunners("no local sandbox pool is configured")
		}
		return c.local, nil
	}

	cutoff := time.Now().Add(-c.cfg.Coordinator.LivenessTimeout())
	r, err := c.store.SelectLeastLoaded(ctx, cutoff)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to select runner")
	}
	if r == nil {
		return nil, apperrors.NoRunners("no healthy runner is registered")
	}
	return c.backendFor(r), nil
}

// BackendFor resolves the backend that owns a session. A NULL runner_id means
// the local pool.
func (c *Coordinator) BackendFor(ctx context.Context, sess *models.Session) (RunnerBackend, error) {
	if sess.RunnerID == nil || *sess.RunnerID == "" {
		if c.local == nil {
			return nil, apperrors.NoRunners("session is bound to the local pool but none is configured")
		}
		return c.local, nil
	}

	c.mu.RLock()
	b, ok := c.backends[*sess.RunnerID]
	c.mu.RUnlock()
	if ok {
		return b, nil
	}

	r, err := c.store.GetRunner(ctx, *sess.RunnerID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NoRunners(fmt.Sprintf("runner %s is no longer registered", *sess.RunnerID))
		}
		return nil, err
	}
	return c.backendFor(r), nil
}

// RunnerHealthy reports whether a runner heartbeated within the liveness
// window. The empty id asks about the local pool.
func (c *Coordinator) RunnerHealthy(ctx context.Context, runnerID string) bool {
	if runnerID == "" {
		return c.local != nil
	}
	r, err := c.store.GetRunner(ctx, runnerID)
	if err != nil {
		return false
	}
	return time.Since(r.LastHeartbeatAt) < c.cfg.Coordinator.LivenessTimeout()
}

// Runners lists the registry, for health output and debugging.
func (c *Coordinator) Runners(ctx context.Context) ([]*models.Runner, error) {
	return c.store.ListRunners(ctx)
}

func (c *Coordinator) backendFor(r *models.Runner) RunnerBackend {
	c.mu.RLock()
	b, ok := c.backends[r.ID]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[r.ID]; ok {
		return b
	}
	b = NewRemoteBackend(r, c.cfg.InternalSecret, c.log)
	c.backends[r.ID] = b
	return b
}

// StartSweep launches the liveness sweep loop.
func (c *Coordinator) StartSweep() {
	interval := c.cfg.Coordinator.SweepInterval()
	if interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			case <-time.After(interval + time.Duration(rand.Int63n(int64(sweepJitterMax)))):
			}
			ctx, cancel := appctx.Detached(c.stopCh, sweepTimeout)
			c.sweepOnce(ctx)
			cancel()
		}
	}()
}

// Stop halts the sweep loop.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// sweepOnce retires every runner whose heartbeat went stale and prunes cached
// backends whose rows are gone, which happens when another replica retired
// them first.
func (c *Coordinator) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.Coordinator.LivenessTimeout())
	dead, err := c.store.SelectDeadRunners(ctx, cutoff)
	if err != nil {
		c.log.Warn("liveness sweep query failed", zap.Error(err))
		return
	}
	for _, r := range dead {
		c.log.Warn("runner missed its liveness window",
			zap.String("runner_id", r.ID),
			zap.Time("last_heartbeat_at", r.LastHeartbeatAt))
		if err := c.retire(ctx, r.ID, "liveness timeout"); err != nil {
			c.log.Warn("failed to retire dead runner",
				zap.String("runner_id", r.ID),
				zap.Error(err))
		}
	}
	c.pruneBackends(ctx)
}

func (c *Coordinator) pruneBackends(ctx context.Context) {
	runners, err := c.store.ListRunners(ctx)
	if err != nil {
		return
	}
	registered := make(map[string]bool, len(runners))
	for _, r := range runners {
		registered[r.ID] = true
	}

	c.mu.Lock()
	for id := range c.backends {
		if !registered[id] {
			delete(c.backends, id)
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) updateRunnerGauge(ctx context.Context) {
	runners, err := c.store.ListRunners(ctx)
	if err != nil {
		return
	}
	metrics.Runners.Set(float64(len(runners)))
}

func (c *Coordinator) publish(eventType, runnerID string, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "coordinator", data)
	if err := c.bus.Publish(context.Background(), events.BuildRunnerSubject(eventType, runnerID), ev); err != nil {
		c.log.Warn("failed to publish runner event",
			zap.String("type", eventType),
			zap.Error(err))
	}
}
