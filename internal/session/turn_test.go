package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashstack/ash/internal/bridge"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/events"
	"github.com/ashstack/ash/internal/models"
)

type sinkFrame struct {
	kind    string
	payload string
}

// recordingSink captures frames. With failAfter > 0 every write from that
// ordinal on returns an error, simulating a client that stopped reading.
type recordingSink struct {
	mu        sync.Mutex
	frames    []sinkFrame
	failAfter int
	writes    int
}

func (s *recordingSink) write(kind, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.frames = append(s.frames, sinkFrame{kind: kind, payload: payload})
	if s.failAfter > 0 && s.writes >= s.failAfter {
		return errors.New("client went away")
	}
	return nil
}

func (s *recordingSink) Message(payload json.RawMessage) error { return s.write("message", string(payload)) }
func (s *recordingSink) Error(message string) error            { return s.write("error", message) }
func (s *recordingSink) Done(sessionID string) error           { return s.write("done", sessionID) }

func (s *recordingSink) recorded() []sinkFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkFrame(nil), s.frames...)
}

func waitForMessages(t *testing.T, fx *managerFixture, sessionID string, want int) []*models.Message {
	t.Helper()
	var msgs []*models.Message
	require.Eventually(t, func() bool {
		var err error
		msgs, err = fx.store.ListMessages(context.Background(), "default", sessionID, 0, 0)
		return err == nil && len(msgs) == want
	}, 2*time.Second, 10*time.Millisecond, "expected %d transcript rows", want)
	return msgs
}

func TestSendStreamsTurnToSink(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	sess, err := fx.mgr.Create(ctx, "", "qa")
	require.NoError(t, err)

	fx.backend.queueEvents(
		bridge.Event{Ev: bridge.EvMessage, Data: json.RawMessage(`{"text":"thinking"}`)},
		bridge.Event{Ev: bridge.EvMessage, Data: json.RawMessage(`{"text":"answer"}`)},
		bridge.Event{Ev: bridge.EvDone, SessionID: sess.ID},
	)
	sink := &recordingSink{}

	require.NoError(t, fx.mgr.Send(ctx, sess.ID, "summarize the repo", sink))

	frames := sink.recorded()
	require.Len(t, frames, 3)
	assert.Equal(t, "message", frames[0].kind)
	assert.JSONEq(t, `{"text":"thinking"}`, frames[0].payload)
	assert.Equal(t, "message", frames[1].kind)
	assert.Equal(t, "done", frames[2].kind)
	assert.Equal(t, sess.ID, frames[2].payload)

	// The prompt row is written before the turn starts; assistant rows land
	// once the transcript writer drains.
	msgs := waitForMessages(t, fx, sess.ID, 3)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "summarize the repo", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.JSONEq(t, `{"text":"thinking"}`, msgs[1].Content)
	assert.JSONEq(t, `{"text":"answer"}`, msgs[2].Content)

	types := fx.events.types()
	assert.Contains(t, types, events.TurnStarted)
	assert.Contains(t, types, events.TurnCompleted)

	stored, err := fx.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, stored.Status)
}

func TestSendOrdersTurnBookkeeping(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	sess, err := fx.mgr.Create(ctx, "", "qa")
	require.NoError(t, err)
	fx.backend.queueEvents(bridge.Event{Ev: bridge.EvDone, SessionID: sess.ID})

	require.NoError(t, fx.mgr.Send(ctx, sess.ID, "hi", &recordingSink{}))

	calls := fx.backend.callLog()
	runningIdx := indexOf(calls, "running "+sess.ID)
	sendIdx := indexOf(calls, "send "+bridge.CmdQuery)
	waitingIdx := indexOf(calls, "waiting "+sess.ID)
	persistIdx := indexOf(calls, "persist "+sess.ID)
	require.GreaterOrEqual(t, runningIdx, 0)
	require.GreaterOrEqual(t, sendIdx, 0)
	require.GreaterOrEqual(t, waitingIdx, 0)
	require.GreaterOrEqual(t, persistIdx, 0)
	assert.Less(t, runningIdx, sendIdx, "sandbox is running before the query goes out")
	assert.Less(t, sendIdx, waitingIdx)
	assert.Less(t, waitingIdx, persistIdx, "sandbox returns to waiting before the snapshot")
}

func TestSendRequiresActiveSession(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	sess, err := fx.mgr.Create(ctx, "", "qa")
	require.NoError(t, err)
	require.NoError(t, fx.mgr.Pause(ctx, sess.ID))

	err = fx.mgr.Send(ctx, sess.ID, "hi", &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.GetCode(err))
	assert.Contains(t, err.Error(), "paused")

	err = fx.mgr.Send(ctx, "ghost", "hi", &recordingSink{})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSendRejectsOverlappingTurn(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	sess, err := fx.mgr.Create(ctx, "", "qa")
	require.NoError(t, err)
	fx.backend.markRunningErr = apperrors.Conflict("sandbox " + sess.ID + " already has a turn in flight")

	err = fx.mgr.Send(ctx, sess.ID, "hi", &recordingSink{})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	// The rejected send writes nothing and has nothing to roll back.
	msgs, err := fx.store.ListMessages(ctx, "default", sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	calls := fx.backend.callLog()
	assert.NotContains(t, calls, "send "+bridge.CmdQuery)
	assert.NotContains(t, calls, "waiting "+sess.ID)
	assert.NotContains(t, fx.events.types(), events.TurnStarted)
}

func TestSendRollsBackRunningWhenDispatchFails(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	sess, err := fx.mgr.Create(ctx, "", "qa")
	require.NoError(t, err)
	fx.backend.sendErr = errors.New("socket write failed")

	err = fx.mgr.Send(ctx, sess.ID, "hi", &recordingSink{})
	require.Error(t, err)

	calls := fx.backend.callLog()
	runningIdx := indexOf(calls, "running "+sess.ID)
	waitingIdx := indexOf(calls, "waiting "+sess.ID)
	require.GreaterOrEqual(t, runningIdx, 0)
	assert.Greater(t, waitingIdx, runningIdx, "failed dispatch returns the sandbox to waiting")

	// The prompt row survives; the turn never started.
	msgs, err := fx.store.ListMessages(ctx, "default", sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)

	stored, err := fx.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, stored.Status)
	assert.NotContains(t, fx.events.types(), events.TurnStarted)
}

func TestSendOOMCrashPausesSession(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	sess, err := fx.mgr.Create(ctx, "", "qa")
	require.NoError(t, err)
	fx.backend.queueEvents(
		bridge.Event{Ev: bridge.EvMessage, Data: json.RawMessage(`{"text":"working"}`)},
		bridge.Event{Ev: bridge.EvCrash, ExitCode: 137, OOM: true},
	)
	sink := &recordingSink{}

	require.NoError(t, fx.mgr.Send(ctx, sess.ID, "hi", sink))

	frames := sink.recorded()
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[1].kind)
	assert.Contains(t, frames[1].payload, "ran out of memory")

	stored, err := fx.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, stored.Status, "OOM kills park the session for resume")
	assert.Contains(t, fx.backend.callLog(), "destroy "+sess.ID+": bridge crashed")

	ev := fx.events.last(events.SessionPaused)
	require.NotNil(t, ev)
	assert.Equal(t, "bridge_crash", ev.Data["reason"])
	assert.Equal(t, true, ev.Data["oom"])
}

func TestSendCrashErrorsSession(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	sess, err := fx.mgr.Create(ctx, "", "qa")
	require.NoError(t, err)
	fx.backend.queueEvents(bridge.Event{Ev: bridge.EvCrash, ExitCode: 1})
	sink := &recordingSink{}

	require.NoError(t, fx.mgr.Send(ctx, sess.ID, "hi", sink))

	frames := sink.recorded()
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].kind)
	assert.Contains(t, frames[0].payload, "exit=1")

	stored, err := fx.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, stored.Status)

	ev := fx.events.last(events.SessionErrored)
	require.NotNil(t, ev)
	assert.Equal(t, "bridge_crash", ev.Data["reason"])
}

func TestSendRelaysBridgeErrorFramesWithoutEndingTurn(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	sess, err := fx.mgr.Create(ctx, "", "qa")
	require.NoError(t, err)
	fx.backend.queueEvents(
		bridge.Event{Ev: bridge.EvError, Error: "tool call failed"},
		bridge.Event{Ev: bridge.EvMessage, Data: json.RawMessage(`{"text":"recovered"}`)},
		bridge.Event{Ev: bridge.EvDone, SessionID: sess.ID},
	)
	sink := &recordingSink{}

	require.NoError(t, fx.mgr.Send(ctx, sess.ID, "hi", sink))

	frames := sink.recorded()
	require.Len(t, frames, 3)
	assert.Equal(t, "error", frames[0].kind)
	assert.Equal(t, "tool call failed", frames[0].payload)
	assert.Equal(t, "done", frames[2].kind)

	stored, err := fx.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, stored.Status, "a bridge error frame is not fatal")
}

func TestSendKeepsDrainingWhenClientDies(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	sess, err := fx.mgr.Create(ctx, "", "qa")
	require.NoError(t, err)
	fx.backend.queueEvents(
		bridge.Event{Ev: bridge.EvMessage, Data: json.RawMessage(`{"n":1}`)},
		bridge.Event{Ev: bridge.EvMessage, Data: json.RawMessage(`{"n":2}`)},
		bridge.Event{Ev: bridge.EvDone, SessionID: sess.ID},
	)
	sink := &recordingSink{failAfter: 1}

	require.NoError(t, fx.mgr.Send(ctx, sess.ID, "hi", sink))

	// Only the failed write reached the sink; the turn still completed.
	assert.Len(t, sink.recorded(), 1)
	stored, err := fx.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, stored.Status)
	assert.Contains(t, fx.backend.callLog(), "waiting "+sess.ID)
	assert.Contains(t, fx.events.types(), events.TurnCompleted)

	// The abandoned frames still reach the transcript.
	waitForMessages(t, fx, sess.ID, 3)
}
