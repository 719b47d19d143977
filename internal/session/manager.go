// Package session implements the session lifecycle: create, message turns,
// pause, resume, interrupt, end. The manager owns session status writes on
// the serving path; the only writes outside it are the coordinator's bulk
// pause when a runner dies.
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ashstack/ash/internal/bridge"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/coordinator"
	"github.com/ashstack/ash/internal/events"
	"github.com/ashstack/ash/internal/events/bus"
	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/store"
	"github.com/ashstack/ash/internal/workspace"
)

// Coordinator picks runner backends for sessions.
type Coordinator interface {
	Select(ctx context.Context) (coordinator.RunnerBackend, error)
	BackendFor(ctx context.Context, sess *models.Session) (coordinator.RunnerBackend, error)
	RunnerHealthy(ctx context.Context, runnerID string) bool
}

// ResumeRecorder feeds the resume counters. Wired to the local pool in
// standalone mode; nil when this node's sandboxes live on remote runners.
type ResumeRecorder interface {
	RecordResumeWarm()
	RecordResumeCold(source workspace.Source)
}

// Manager drives sessions through their lifecycle. ws may be nil on a node
// that hosts no sandboxes; the pool hooks are never registered in that mode.
type Manager struct {
	store *store.Store
	coord Coordinator
	ws    *workspace.Store
	bus   bus.EventBus
	log   *logger.Logger

	recorder ResumeRecorder
	resumes  singleflight.Group
}

func New(st *store.Store, coord Coordinator, ws *workspace.Store, eb bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		store: st,
		coord: coord,
		ws:    ws,
		bus:   eb,
		log:   log.WithFields(zap.String("component", "session-manager")),
	}
}

// SetResumeRecorder installs the resume counter sink.
func (m *Manager) SetResumeRecorder(r ResumeRecorder) { m.recorder = r }

// Create provisions a sandbox and starts a session on it. The session id is
// generated up front: it doubles as the sandbox id and the workspace
// directory name, so paths stay deterministic across cold resumes.
func (m *Manager) Create(ctx context.Context, tenant, agentName string) (*models.Session, error) {
	if tenant == "" {
		tenant = "default"
	}
	agent, err := m.store.GetAgent(ctx, tenant, agentName)
	if err != nil {
		return nil, err
	}
	backend, err := m.coord.Select(ctx)
	if err != nil {
		return nil, err
	}

	sess := &models.Session{
		ID:        uuid.New().String(),
		Tenant:    tenant,
		AgentName: agent.Name,
		Status:    models.SessionStarting,
	}
	if id := backend.ID(); id != "" {
		sess.RunnerID = &id
	}

	info, err := backend.CreateSandbox(ctx, coordinator.SandboxRequest{
		SessionID: sess.ID,
		Tenant:    tenant,
		AgentName: agent.Name,
		AgentDir:  agent.Path,
	})
	if err != nil {
		if apperrors.IsBridgeStartup(err) {
			// Keep the failed session on record: the row carries the error
			// status a later GET will see.
			sess.Status = models.SessionError
			if insErr := m.store.CreateSession(ctx, sess); insErr != nil {
				m.log.Warn("failed to record errored session",
					zap.String("session_id", sess.ID),
					zap.Error(insErr))
			}
			m.publish(ctx, events.SessionErrored, sess, map[string]interface{}{"reason": "bridge_startup"})
		}
		return nil, err
	}

	sess.SandboxID = &info.SandboxID
	if err := m.store.CreateSession(ctx, sess); err != nil {
		if derr := backend.DestroySandbox(ctx, sess.ID, "session insert failed"); derr != nil {
			m.log.Warn("failed to destroy orphaned sandbox",
				zap.String("sandbox_id", sess.ID),
				zap.Error(derr))
		}
		return nil, apperrors.Wrap(err, "failed to create session")
	}
	if err := m.store.UpdateSessionStatus(ctx, sess.ID, models.SessionActive); err != nil {
		return nil, err
	}
	sess.Status = models.SessionActive

	m.publish(ctx, events.SessionCreated, sess, map[string]interface{}{
		"restore_source": string(info.RestoreSource),
	})
	m.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("agent", agent.Name),
		zap.String("runner_id", backend.ID()))
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns a tenant's sessions, optionally filtered by agent name.
func (m *Manager) List(ctx context.Context, tenant, agentName string) ([]*models.Session, error) {
	if tenant == "" {
		tenant = "default"
	}
	return m.store.ListSessions(ctx, tenant, agentName)
}

// Messages returns a session's stored transcript. Unknown sessions are a
// NotFound, not an empty transcript.
func (m *Manager) Messages(ctx context.Context, tenant, sessionID string, afterSeq int64, limit int) ([]*models.Message, error) {
	if tenant == "" {
		tenant = "default"
	}
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ListMessages(ctx, tenant, sessionID, afterSeq, limit)
}

// Events returns a session's recorded lifecycle events.
func (m *Manager) Events(ctx context.Context, tenant, sessionID string) ([]*models.SessionEvent, error) {
	if tenant == "" {
		tenant = "default"
	}
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ListSessionEvents(ctx, tenant, sessionID)
}

// Pause checkpoints the workspace and parks the session. The sandbox process
// stays alive, so a prompt resume takes the warm path.
func (m *Manager) Pause(ctx context.Context, id string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionActive {
		return apperrors.BadRequest(fmt.Sprintf("session is %s, not active", sess.Status))
	}
	backend, err := m.coord.BackendFor(ctx, sess)
	if err != nil {
		return err
	}

	if err := backend.PersistState(ctx, id); err != nil {
		m.log.Warn("pause persist failed", zap.String("session_id", id), zap.Error(err))
	}
	if err := m.store.UpdateSessionStatus(ctx, id, models.SessionPaused); err != nil {
		return err
	}
	m.publish(ctx, events.SessionPaused, sess, map[string]interface{}{"reason": "user"})
	m.log.Info("session paused", zap.String("session_id", id))
	return nil
}

// Resume reactivates a paused, errored, or stuck-starting session. Active is
// a no-op; ended is Gone. Concurrent resumes of the same session collapse
// into one flight.
func (m *Manager) Resume(ctx context.Context, id string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case models.SessionActive:
		return sess, nil
	case models.SessionEnded:
		return nil, apperrors.Gone("session", id)
	}

	v, err, _ := m.resumes.Do(id, func() (interface{}, error) {
		return m.doResume(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Session), nil
}

func (m *Manager) doResume(ctx context.Context, id string) (*models.Session, error) {
	// Re-read inside the flight: a concurrent resume may have won already.
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case models.SessionActive:
		return sess, nil
	case models.SessionEnded:
		return nil, apperrors.Gone("session", id)
	}

	// Warm path: the owning runner is healthy and still holds a live
	// process for this session.
	runnerID := ""
	if sess.RunnerID != nil {
		runnerID = *sess.RunnerID
	}
	if m.coord.RunnerHealthy(ctx, runnerID) {
		backend, err := m.coord.BackendFor(ctx, sess)
		if err == nil && backend.IsLive(ctx, id) {
			if err := m.store.UpdateSessionStatus(ctx, id, models.SessionActive); err != nil {
				return nil, err
			}
			sess.Status = models.SessionActive
			if m.recorder != nil {
				m.recorder.RecordResumeWarm()
			}
			m.publish(ctx, events.SessionResumed, sess, map[string]interface{}{"path": "warm"})
			m.log.Info("session resumed warm", zap.String("session_id", id))
			return sess, nil
		}
	}

	return m.resumeCold(ctx, sess)
}

// resumeCold provisions a fresh sandbox, restores the workspace through the
// snapshot tiers, and tells the bridge to reattach to its conversation log.
func (m *Manager) resumeCold(ctx context.Context, sess *models.Session) (*models.Session, error) {
	agent, err := m.store.GetAgent(ctx, sess.Tenant, sess.AgentName)
	if err != nil {
		return nil, err
	}
	backend, err := m.selectForResume(ctx, sess)
	if err != nil {
		return nil, err
	}

	info, err := backend.CreateSandbox(ctx, coordinator.SandboxRequest{
		SessionID: sess.ID,
		Tenant:    sess.Tenant,
		AgentName: sess.AgentName,
		AgentDir:  agent.Path,
	})
	if err != nil {
		if apperrors.IsBridgeStartup(err) {
			if uerr := m.store.UpdateSessionStatus(ctx, sess.ID, models.SessionError); uerr != nil {
				m.log.Warn("failed to flag errored session",
					zap.String("session_id", sess.ID),
					zap.Error(uerr))
			}
			m.publish(ctx, events.SessionErrored, sess, map[string]interface{}{"reason": "bridge_startup"})
		}
		return nil, err
	}

	oldRunner := ""
	if sess.RunnerID != nil {
		oldRunner = *sess.RunnerID
	}
	if newRunner := backend.ID(); newRunner != oldRunner {
		if err := m.store.SetSessionRunner(ctx, sess.ID, newRunner); err != nil {
			m.log.Warn("failed to move session runner binding",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
		if newRunner == "" {
			sess.RunnerID = nil
		} else {
			sess.RunnerID = &newRunner
		}
	}
	if err := m.store.BindSandbox(ctx, sess.ID, info.SandboxID); err != nil {
		m.log.Warn("failed to bind sandbox", zap.String("session_id", sess.ID), zap.Error(err))
	}

	// Fire-and-forget: the bridge reattaches to the conversation log in the
	// restored workspace. A failure degrades history, not the session.
	if _, err := backend.SendCommand(ctx, sess.ID, &bridge.Command{
		Cmd:       bridge.CmdResume,
		SessionID: sess.ID,
	}); err != nil {
		m.log.Warn("resume command failed", zap.String("session_id", sess.ID), zap.Error(err))
	}

	if err := m.store.UpdateSessionStatus(ctx, sess.ID, models.SessionActive); err != nil {
		return nil, err
	}
	sess.Status = models.SessionActive
	sess.SandboxID = &info.SandboxID
	if m.recorder != nil {
		m.recorder.RecordResumeCold(info.RestoreSource)
	}
	m.publish(ctx, events.SessionResumed, sess, map[string]interface{}{
		"path":   "cold",
		"source": string(info.RestoreSource),
	})
	m.log.Info("session resumed cold",
		zap.String("session_id", sess.ID),
		zap.String("source", string(info.RestoreSource)),
		zap.String("runner_id", backend.ID()))
	return sess, nil
}

// selectForResume prefers the session's previous runner when it is still
// healthy, so the live workspace directory can be reused; otherwise it falls
// back to least-loaded selection.
func (m *Manager) selectForResume(ctx context.Context, sess *models.Session) (coordinator.RunnerBackend, error) {
	if sess.RunnerID != nil && m.coord.RunnerHealthy(ctx, *sess.RunnerID) {
		return m.coord.BackendFor(ctx, sess)
	}
	return m.coord.Select(ctx)
}

// End terminates a session permanently. The workspace is persisted first so
// its final state survives in the snapshot tiers; ending twice is a no-op.
func (m *Manager) End(ctx context.Context, id string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == models.SessionEnded {
		return nil
	}

	if backend, err := m.coord.BackendFor(ctx, sess); err != nil {
		// Owning runner is gone. The cold-cleanup sweep reaps whatever it
		// left behind.
		m.log.Warn("no backend for ending session", zap.String("session_id", id), zap.Error(err))
	} else {
		if err := backend.PersistState(ctx, id); err != nil {
			m.log.Warn("final persist failed", zap.String("session_id", id), zap.Error(err))
		}
		if err := backend.DestroySandbox(ctx, id, "session ended"); err != nil {
			m.log.Warn("failed to destroy sandbox", zap.String("session_id", id), zap.Error(err))
		}
	}

	if err := m.store.UpdateSessionStatus(ctx, id, models.SessionEnded); err != nil {
		return err
	}
	if err := m.store.BindSandbox(ctx, id, ""); err != nil {
		m.log.Warn("failed to clear sandbox binding", zap.String("session_id", id), zap.Error(err))
	}
	m.publish(ctx, events.SessionEnded, sess, nil)
	m.log.Info("session ended", zap.String("session_id", id))
	return nil
}

// Interrupt asks the bridge to abort the in-flight turn. The turn's stream
// still finishes with the bridge's own done event.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionActive {
		return apperrors.BadRequest(fmt.Sprintf("session is %s, not active", sess.Status))
	}
	backend, err := m.coord.BackendFor(ctx, sess)
	if err != nil {
		return err
	}
	_, err = backend.SendCommand(ctx, sess.ID, &bridge.Command{
		Cmd:       bridge.CmdInterrupt,
		SessionID: sess.ID,
	})
	return err
}

// PauseForEviction is the pool's before-evict hook. It runs on the node that
// owns the sandbox, so the workspace is persisted directly rather than
// through a backend. A persist failure aborts the eviction.
func (m *Manager) PauseForEviction(ctx context.Context, sessionID string) error {
	if err := m.ws.Persist(ctx, sessionID); err != nil {
		return apperrors.Wrap(err, "failed to persist workspace before eviction")
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			// Orphan sandbox; nothing to pause.
			return nil
		}
		return err
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, models.SessionPaused); err != nil && !apperrors.IsBadState(err) {
		return err
	}
	m.publish(ctx, events.SessionPaused, sess, map[string]interface{}{"reason": "evicted"})
	m.log.Info("session paused for eviction", zap.String("session_id", sessionID))
	return nil
}

// HandleDiskQuota is the pool's disk-sweep hook: the workspace blew its cap
// and the sandbox is about to be destroyed.
func (m *Manager) HandleDiskQuota(ctx context.Context, sessionID string) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, models.SessionError); err != nil && !apperrors.IsBadState(err) {
		m.log.Warn("failed to flag session after disk quota breach",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	m.publish(ctx, events.SessionErrored, sess, map[string]interface{}{"reason": "disk_quota_exceeded"})
	m.log.Warn("session workspace exceeded disk quota", zap.String("session_id", sessionID))
}

func (m *Manager) publish(ctx context.Context, eventType string, sess *models.Session, extra map[string]interface{}) {
	if m.bus == nil {
		return
	}
	data := map[string]interface{}{
		"session_id": sess.ID,
		"tenant":     sess.Tenant,
		"agent_name": sess.AgentName,
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "session-manager", data)
	if err := m.bus.Publish(ctx, events.BuildSessionSubject(eventType, sess.ID), event); err != nil {
		m.log.Warn("failed to publish session event",
			zap.String("type", eventType),
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
}
