package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/bridge"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/coordinator"
	"github.com/ashstack/ash/internal/events"
	"github.com/ashstack/ash/internal/metrics"
	"github.com/ashstack/ash/internal/models"
)

// transcriptBuffer bounds the in-flight assistant payloads per turn. The
// pump blocks past this point, which backpressures the bridge rather than
// growing without bound.
const transcriptBuffer = 256

// transcriptWriteTimeout bounds one transcript insert.
const transcriptWriteTimeout = 5 * time.Second

// Sink receives one turn's frames in order. The SSE writer implements it. A
// sink error means the client stopped reading, never that the turn failed.
type Sink interface {
	Message(payload json.RawMessage) error
	Error(message string) error
	Done(sessionID string) error
}

// Send runs one message turn: mark the sandbox running, store the prompt,
// dispatch the query, and relay bridge events to the sink until the turn's
// terminal event. An error return means the turn never started; once events
// flow, failures surface as sink error frames and Send returns nil.
func (m *Manager) Send(ctx context.Context, id, content string, sink Sink) error {
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

	// The turn outlives the HTTP request: a client that disconnects
	// mid-stream abandons its frames, not the turn.
	turnCtx := context.WithoutCancel(ctx)

	// markRunning is the turn's admission. It precedes everything else so
	// the eviction query can never pick this sandbox once the turn is
	// committed, and so a send racing an in-flight turn is rejected before
	// it writes anything.
	if err := backend.MarkRunning(turnCtx, sess.ID); err != nil {
		return err
	}
	if err := m.store.AppendMessage(turnCtx, &models.Message{
		Tenant:    sess.Tenant,
		SessionID: sess.ID,
		Role:      models.RoleUser,
		Content:   content,
	}); err != nil {
		m.rollbackRunning(turnCtx, backend, sess.ID)
		return apperrors.Wrap(err, "failed to store user message")
	}
	stream, err := backend.SendCommand(turnCtx, sess.ID, &bridge.Command{
		Cmd:       bridge.CmdQuery,
		Prompt:    content,
		SessionID: sess.ID,
	})
	if err != nil {
		m.rollbackRunning(turnCtx, backend, sess.ID)
		return err
	}

	m.publish(turnCtx, events.TurnStarted, sess, nil)
	m.pumpTurn(turnCtx, sess, backend, stream, sink)
	return nil
}

// rollbackRunning returns the sandbox to waiting after an admitted turn
// failed before any bridge event flowed.
func (m *Manager) rollbackRunning(ctx context.Context, backend coordinator.RunnerBackend, sid string) {
	if err := backend.MarkWaiting(ctx, sid); err != nil {
		m.log.Warn("failed to return sandbox to waiting",
			zap.String("session_id", sid),
			zap.Error(err))
	}
}

// pumpTurn relays bridge events until done or crash. When the sink dies the
// pump keeps draining so session state and the transcript stay correct.
func (m *Manager) pumpTurn(ctx context.Context, sess *models.Session, backend coordinator.RunnerBackend, stream <-chan bridge.Event, sink Sink) {
	start := time.Now()
	tr := m.startTranscript(sess)
	defer tr.close()

	clientGone := false
	send := func(write func() error) {
		if clientGone || sink == nil {
			return
		}
		if err := write(); err != nil {
			clientGone = true
			m.log.Warn("client stopped reading mid-turn",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}

	for ev := range stream {
		switch ev.Ev {
		case bridge.EvMessage:
			tr.add(ev.Data)
			send(func() error { return sink.Message(ev.Data) })
		case bridge.EvError:
			send(func() error { return sink.Error(ev.Error) })
		case bridge.EvDone:
			m.finishTurn(ctx, sess, backend, start)
			send(func() error { return sink.Done(sess.ID) })
			return
		case bridge.EvCrash:
			m.failTurn(ctx, sess, backend, ev)
			send(func() error { return sink.Error(crashMessage(ev)) })
			return
		}
	}
	// Unreachable while both backends synthesize a terminal event; kept so a
	// closed stream can never wedge the session in running.
	m.finishTurn(ctx, sess, backend, start)
}

// finishTurn runs the done bookkeeping. The sandbox returns to waiting
// before the persist starts; a slow snapshot must not hide the sandbox from
// the eviction tiers.
func (m *Manager) finishTurn(ctx context.Context, sess *models.Session, backend coordinator.RunnerBackend, start time.Time) {
	if err := backend.MarkWaiting(ctx, sess.ID); err != nil {
		m.log.Warn("failed to mark sandbox waiting",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
	if err := backend.PersistState(ctx, sess.ID); err != nil {
		m.log.Warn("post-turn persist failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
	if err := m.store.TouchSession(ctx, sess.ID); err != nil {
		m.log.Warn("failed to touch session",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}

	elapsed := time.Since(start)
	metrics.TurnDuration.Observe(elapsed.Seconds())
	m.publish(ctx, events.TurnCompleted, sess, map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
	})
}

// failTurn applies the crash policy. The process is gone, so the sandbox is
// destroyed; an OOM kill parks the session paused (resumable as-is), any
// other exit is an error.
func (m *Manager) failTurn(ctx context.Context, sess *models.Session, backend coordinator.RunnerBackend, ev bridge.Event) {
	if err := backend.DestroySandbox(ctx, sess.ID, "bridge crashed"); err != nil {
		m.log.Warn("failed to destroy crashed sandbox",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}

	status := models.SessionError
	eventType := events.SessionErrored
	if ev.OOM {
		status = models.SessionPaused
		eventType = events.SessionPaused
	}
	if err := m.store.UpdateSessionStatus(ctx, sess.ID, status); err != nil && !apperrors.IsBadState(err) {
		m.log.Warn("failed to update session after crash",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
	m.publish(ctx, eventType, sess, map[string]interface{}{
		"reason":    "bridge_crash",
		"exit_code": ev.ExitCode,
		"oom":       ev.OOM,
	})
	m.log.Warn("bridge crashed mid-turn",
		zap.String("session_id", sess.ID),
		zap.Int("exit_code", ev.ExitCode),
		zap.Bool("oom", ev.OOM))
}

func crashMessage(ev bridge.Event) string {
	if ev.OOM {
		return "agent ran out of memory; session paused"
	}
	if ev.Error != "" {
		return ev.Error
	}
	return fmt.Sprintf("agent process exited unexpectedly (exit=%d)", ev.ExitCode)
}

// transcript persists assistant payloads in arrival order. One writer
// goroutine per turn keeps sequence numbers aligned with stream order while
// keeping inserts off the delivery path.
type transcript struct {
	ch chan json.RawMessage
}

func (m *Manager) startTranscript(sess *models.Session) *transcript {
	tr := &transcript{ch: make(chan json.RawMessage, transcriptBuffer)}
	go func() {
		for payload := range tr.ch {
			ctx, cancel := context.WithTimeout(context.Background(), transcriptWriteTimeout)
			err := m.store.AppendMessage(ctx, &models.Message{
				Tenant:    sess.Tenant,
				SessionID: sess.ID,
				Role:      models.RoleAssistant,
				Content:   string(payload),
			})
			cancel()
			if err != nil {
				m.log.Warn("failed to store assistant message",
					zap.String("session_id", sess.ID),
					zap.Error(err))
			}
		}
	}()
	return tr
}

func (tr *transcript) add(payload json.RawMessage) { tr.ch <- payload }

func (tr *transcript) close() { close(tr.ch) }
