// Package pool manages the sandbox fleet on one runner: capacity
// enforcement, lifecycle state, tiered LRU eviction, and the background
// sweeps that reclaim idle, expired, and over-quota sandboxes.
package pool

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/bridge"
	"github.com/ashstack/ash/internal/common/appctx"
	"github.com/ashstack/ash/internal/common/config"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/events"
	"github.com/ashstack/ash/internal/events/bus"
	"github.com/ashstack/ash/internal/limits"
	"github.com/ashstack/ash/internal/metrics"
	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/store"
	"github.com/ashstack/ash/internal/workspace"
)

// DiskQuotaExceeded is the destroy reason for workspaces over the disk cap.
const DiskQuotaExceeded = "DiskQuotaExceeded"

// stateWriteTimeout bounds the fire-and-forget row writes behind the live
// map.
const stateWriteTimeout = 5 * time.Second

// Bridge is the supervisor surface the pool and its consumers need.
// *bridge.Supervisor implements it; tests substitute fakes.
type Bridge interface {
	Send(ctx context.Context, cmd *bridge.Command) error
	Events() <-chan bridge.Event
	Alive() bool
	PID() int
	ExitState() (exitCode int, oom bool)
	Shutdown(ctx context.Context) error
	Kill()
}

// SpawnFunc starts a bridge process and blocks until it reports ready.
type SpawnFunc func(opts bridge.Options) (Bridge, error)

// BeforeEvictFunc persists and pauses the session bound to a waiting
// sandbox before its process is killed. Installed by the session manager.
type BeforeEvictFunc func(ctx context.Context, sessionID string) error

// DiskQuotaFunc flags the session whose workspace blew the disk cap.
type DiskQuotaFunc func(ctx context.Context, sessionID string)

// CreateRequest describes the sandbox to create. The sandbox id equals the
// session id so workspace paths stay deterministic across cold resumes.
type CreateRequest struct {
	SessionID string
	Tenant    string
	AgentName string
	AgentDir  string
}

// Pool owns the live-handle map, the sandbox table writes, and the
// background sweeps.
type Pool struct {
	cfg    *config.Config
	store  *store.Store
	ws     *workspace.Store
	limits *limits.Controller
	bus    bus.EventBus
	log    *logger.Logger
	spawn  SpawnFunc

	// createMu serializes the capacity check, eviction, and row insert so
	// concurrent creates cannot both pass the capacity gate.
	createMu sync.Mutex

	mu      sync.RWMutex
	handles map[string]*Handle

	beforeEvict BeforeEvictFunc
	onDiskQuota DiskQuotaFunc

	resumeWarm      atomic.Int64
	resumeCold      atomic.Int64
	resumeColdLocal atomic.Int64
	resumeColdCloud atomic.Int64
	resumeColdFresh atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg *config.Config, st *store.Store, ws *workspace.Store, lim *limits.Controller, eb bus.EventBus, log *logger.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		store:   st,
		ws:      ws,
		limits:  lim,
		bus:     eb,
		log:     log.WithFields(zap.String("component", "pool")),
		handles: make(map[string]*Handle),
		stopCh:  make(chan struct{}),
	}
	p.spawn = func(opts bridge.Options) (Bridge, error) {
		return bridge.Start(opts, log)
	}
	return p
}

// SetBeforeEvict installs the session manager's pre-eviction hook. Call
// before StartLoops.
func (p *Pool) SetBeforeEvict(fn BeforeEvictFunc) { p.beforeEvict = fn }

// SetDiskQuotaHook installs the session manager's over-quota hook. Call
// before StartLoops.
func (p *Pool) SetDiskQuotaHook(fn DiskQuotaFunc) { p.onDiskQuota = fn }

// RecoverStartup marks every sandbox row cold. Any process the rows refer
// to died with the previous control plane; the handle map starts empty.
func (p *Pool) RecoverStartup(ctx context.Context) error {
	counts, err := p.store.SandboxStateCounts(ctx)
	if err != nil {
		return apperrors.Wrap(err, "failed to count sandbox states")
	}
	n, err := p.store.MarkAllSandboxesCold(ctx)
	if err != nil {
		return apperrors.Wrap(err, "failed to mark sandboxes cold")
	}
	if n > 0 {
		p.log.Info("marked stale sandboxes cold",
			zap.Int64("count", n),
			zap.Int("total", counts.Total()),
			zap.Int("was_warm", counts.Warm),
			zap.Int("was_waiting", counts.Waiting),
			zap.Int("was_running", counts.Running))
	}
	return nil
}

// Create provisions a sandbox for req, evicting under capacity pressure,
// and returns once the bridge reported ready. The handle's RestoreSource
// records which workspace tier seeded it.
func (p *Pool) Create(ctx context.Context, req CreateRequest) (*Handle, error) {
	p.createMu.Lock()
	defer p.createMu.Unlock()

	if err := p.ensureCapacity(ctx); err != nil {
		return nil, err
	}

	sid := req.SessionID
	sessionID := sid
	row := &models.Sandbox{
		ID:           sid,
		Tenant:       req.Tenant,
		SessionID:    &sessionID,
		AgentName:    req.AgentName,
		State:        models.SandboxWarming,
		WorkspaceDir: p.ws.LiveDir(sid),
	}
	if err := p.store.InsertSandbox(ctx, row); err != nil {
		return nil, apperrors.Wrap(err, "failed to insert sandbox row")
	}
	p.publish(events.SandboxCreated, sid, map[string]interface{}{
		"sandbox_id": sid,
		"session_id": sid,
		"tenant":     req.Tenant,
		"agent":      req.AgentName,
	})

	source, err := p.ws.Restore(ctx, sid, req.AgentDir)
	if err != nil {
		p.failCreate(ctx, sid)
		return nil, apperrors.Wrap(err, "failed to restore workspace")
	}

	h, err := p.startBridge(req, source)
	if err != nil {
		metrics.BridgeStartupFailuresTotal.Inc()
		p.failCreate(ctx, sid)
		return nil, err
	}

	if err := p.store.UpdateSandboxState(ctx, sid, models.SandboxWarm); err != nil {
		p.log.Warn("failed to mark sandbox warm",
			zap.String("sandbox_id", sid),
			zap.Error(err))
	}
	p.mu.Lock()
	p.handles[sid] = h
	p.mu.Unlock()

	p.publish(events.SandboxReady, sid, map[string]interface{}{
		"sandbox_id": sid,
		"session_id": sid,
		"tenant":     req.Tenant,
		"source":     string(source),
	})
	p.log.Info("sandbox ready",
		zap.String("sandbox_id", sid),
		zap.String("restore_source", string(source)))
	return h, nil
}

// failCreate unwinds a half-created sandbox. Whatever the live tier holds
// is snapshotted first; it may be the only copy of a session restored from
// it. The row goes cold when a snapshot persisted, otherwise it is deleted.
func (p *Pool) failCreate(ctx context.Context, sid string) {
	persistErr := p.ws.Persist(ctx, sid)
	p.ws.DeleteLive(sid)

	if persistErr == nil || p.ws.HasLocalSnapshot(sid) {
		if err := p.store.UpdateSandboxState(ctx, sid, models.SandboxCold); err != nil {
			p.log.Warn("failed to park failed sandbox as cold",
				zap.String("sandbox_id", sid),
				zap.Error(err))
		}
		return
	}
	if err := p.store.DeleteSandbox(ctx, sid); err != nil {
		p.log.Warn("failed to delete failed sandbox row",
			zap.String("sandbox_id", sid),
			zap.Error(err))
	}
}

func (p *Pool) startBridge(req CreateRequest, source workspace.Source) (*Handle, error) {
	sid := req.SessionID
	argv := append([]string{p.cfg.Bridge.Command}, p.cfg.Bridge.Args...)
	argv = p.limits.WrapCommand(argv)

	opts := bridge.Options{
		Command:       argv[0],
		Args:          argv[1:],
		SandboxID:     sid,
		SessionID:     sid,
		AgentDir:      req.AgentDir,
		WorkspaceDir:  p.ws.LiveDir(sid),
		SocketPath:    filepath.Join(p.ws.SandboxDir(sid), "bridge.sock"),
		ReadyTimeout:  p.cfg.Bridge.ReadyTimeout(),
		ShutdownGrace: p.cfg.Bridge.ShutdownGrace(),
	}
	b, err := p.spawn(opts)
	if err != nil {
		return nil, err
	}
	if err := p.limits.Apply(sid, b.PID()); err != nil {
		p.log.Warn("failed to apply resource limits",
			zap.String("sandbox_id", sid),
			zap.Error(err))
	}

	return &Handle{
		SandboxID:     sid,
		SessionID:     sid,
		Tenant:        req.Tenant,
		AgentName:     req.AgentName,
		AgentDir:      req.AgentDir,
		WorkspaceDir:  opts.WorkspaceDir,
		RestoreSource: source,
		Bridge:        b,
		state:         models.SandboxWarm,
		lastUsed:      time.Now(),
	}, nil
}

// Get returns the live handle for sid, if any.
func (p *Pool) Get(sid string) (*Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handles[sid]
	return h, ok
}

// MarkRunning flips the handle to running. Synchronous on the map: it must
// complete before the caller awaits anything so the eviction query can
// never target this sandbox mid-turn. A handle that is already running
// refuses the flip with a conflict; one turn owns the bridge stream at a
// time.
func (p *Pool) MarkRunning(sid string) error {
	p.mu.RLock()
	h, ok := p.handles[sid]
	p.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("sandbox", sid)
	}
	if !h.beginTurn() {
		return apperrors.Conflict("sandbox " + sid + " already has a turn in flight")
	}
	p.persistState(sid, models.SandboxRunning)
	return nil
}

// MarkWaiting flips the handle back to waiting after a turn.
func (p *Pool) MarkWaiting(sid string) error {
	p.mu.RLock()
	h, ok := p.handles[sid]
	p.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("sandbox", sid)
	}
	h.setState(models.SandboxWaiting)
	p.persistState(sid, models.SandboxWaiting)
	return nil
}

// persistState trails the live map with a fire-and-forget row write; the
// map is authoritative for the run/wait distinction and the row catches up.
func (p *Pool) persistState(sid string, state models.SandboxState) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := appctx.Detached(p.stopCh, stateWriteTimeout)
		defer cancel()
		if err := p.store.UpdateSandboxState(ctx, sid, state); err != nil {
			p.log.Warn("failed to persist sandbox state",
				zap.String("sandbox_id", sid),
				zap.String("state", string(state)),
				zap.Error(err))
		}
	}()
}

// Destroy gracefully shuts the sandbox down and deletes every local trace:
// row, live directory, cgroup. Snapshots are the caller's concern; session
// end deletes them, eviction keeps them.
func (p *Pool) Destroy(ctx context.Context, sid, reason string) error {
	p.mu.Lock()
	h, ok := p.handles[sid]
	delete(p.handles, sid)
	p.mu.Unlock()

	if ok {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.Bridge.ShutdownGrace()+2*time.Second)
		if err := h.Bridge.Shutdown(sctx); err != nil {
			p.log.Debug("bridge shutdown failed, killing",
				zap.String("sandbox_id", sid),
				zap.Error(err))
			h.Bridge.Kill()
		}
		cancel()
	}
	p.limits.Remove(sid)
	p.ws.DeleteLive(sid)
	if err := p.store.DeleteSandbox(ctx, sid); err != nil {
		return apperrors.Wrap(err, "failed to delete sandbox row")
	}

	p.publish(events.SandboxDestroyed, sid, map[string]interface{}{
		"sandbox_id": sid,
		"session_id": sid,
		"reason":     reason,
	})
	p.log.Info("sandbox destroyed",
		zap.String("sandbox_id", sid),
		zap.String("reason", reason))
	return nil
}

// RecordResumeWarm counts a warm-path resume.
func (p *Pool) RecordResumeWarm() {
	p.resumeWarm.Add(1)
	metrics.ResumeTotal.WithLabelValues("warm").Inc()
}

// RecordResumeCold counts a cold-path resume and the tier that satisfied
// its restore.
func (p *Pool) RecordResumeCold(source workspace.Source) {
	p.resumeCold.Add(1)
	metrics.ResumeTotal.WithLabelValues("cold").Inc()
	metrics.ResumeColdSourceTotal.WithLabelValues(string(source)).Inc()
	switch source {
	case workspace.SourceLocal:
		p.resumeColdLocal.Add(1)
	case workspace.SourceCloud:
		p.resumeColdCloud.Add(1)
	case workspace.SourceFresh:
		p.resumeColdFresh.Add(1)
	}
}

// Stats assembles the pool snapshot: live states from the handle map,
// totals from the database, resume counters from the atomics.
func (p *Pool) Stats(ctx context.Context) (models.PoolStats, error) {
	p.mu.RLock()
	var warming, warm, waiting, running int
	for _, h := range p.handles {
		switch h.State() {
		case models.SandboxWarming:
			warming++
		case models.SandboxWarm:
			warm++
		case models.SandboxWaiting:
			waiting++
		case models.SandboxRunning:
			running++
		}
	}
	live := len(p.handles)
	p.mu.RUnlock()

	total, err := p.store.CountSandboxes(ctx)
	if err != nil {
		return models.PoolStats{}, apperrors.Wrap(err, "failed to count sandboxes")
	}
	cold := total - live
	if cold < 0 {
		cold = 0
	}

	stats := models.PoolStats{
		Total:               total,
		Cold:                cold,
		Warming:             warming,
		Warm:                warm,
		Waiting:             waiting,
		Running:             running,
		MaxCapacity:         p.cfg.Pool.MaxSandboxes,
		ResumeWarmHits:      int(p.resumeWarm.Load()),
		ResumeColdHits:      int(p.resumeCold.Load()),
		ResumeColdLocalHits: int(p.resumeColdLocal.Load()),
		ResumeColdCloudHits: int(p.resumeColdCloud.Load()),
		ResumeColdFreshHits: int(p.resumeColdFresh.Load()),
	}
	metrics.SetPoolGauges(stats.Cold, stats.Warming, stats.Warm, stats.Waiting, stats.Running, stats.MaxCapacity)
	return stats, nil
}

// ShutdownAll gracefully stops every live bridge and parks the rows cold so
// the next boot can cold-resume the sessions.
func (p *Pool) ShutdownAll(ctx context.Context) {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[string]*Handle)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.Bridge.Shutdown(ctx); err != nil {
				h.Bridge.Kill()
			}
			p.limits.Remove(h.SandboxID)
		}(h)
	}
	wg.Wait()

	if _, err := p.store.MarkAllSandboxesCold(ctx); err != nil {
		p.log.Warn("failed to park sandboxes cold on shutdown", zap.Error(err))
	}
}

func (p *Pool) publish(eventType, sandboxID string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "pool", data)
	if err := p.bus.Publish(context.Background(), events.BuildSandboxSubject(eventType, sandboxID), ev); err != nil {
		p.log.Warn("failed to publish pool event",
			zap.String("type", eventType),
			zap.Error(err))
	}
}
