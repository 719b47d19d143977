package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/db"
	"github.com/ashstack/ash/internal/models"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open("", filepath.Join(t.TempDir(), "ash.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	s, err := New(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(v string) *string { return &v }

// Agent tests

func TestAgentUpsertBumpsVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertAgent(ctx, &models.Agent{Name: "qa", Path: "/agents/qa"})
	if err != nil {
		t.Fatalf("failed to deploy agent: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("expected version 1, got %d", first.Version)
	}

	second, err := s.UpsertAgent(ctx, &models.Agent{Name: "qa", Path: "/agents/qa-v2"})
	if err != nil {
		t.Fatalf("failed to redeploy agent: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("expected version 2 after redeploy, got %d", second.Version)
	}
	if second.Path != "/agents/qa-v2" {
		t.Errorf("expected updated path, got %s", second.Path)
	}
	if second.ID != first.ID {
		t.Errorf("redeploy must not create a new row")
	}

	agents, err := s.ListAgents(ctx, "default")
	if err != nil {
		t.Fatalf("failed to list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Errorf("expected 1 agent, got %d", len(agents))
	}
}

func TestAgentNotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetAgent(ctx, "default", "missing")
	if !apperrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := s.DeleteAgent(ctx, "default", "missing"); !apperrors.IsNotFound(err) {
		t.Errorf("expected not found on delete, got %v", err)
	}
}

// Session tests

func TestSessionLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "sess-1", AgentName: "qa"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if sess.Status != models.SessionStarting {
		t.Errorf("expected starting, got %s", sess.Status)
	}

	if err := s.UpdateSessionStatus(ctx, "sess-1", models.SessionActive); err != nil {
		t.Fatalf("failed to activate: %v", err)
	}
	if err := s.BindSandbox(ctx, "sess-1", "sess-1"); err != nil {
		t.Fatalf("failed to bind sandbox: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.Status != models.SessionActive {
		t.Errorf("expected active, got %s", got.Status)
	}
	if got.SandboxID == nil || *got.SandboxID != "sess-1" {
		t.Errorf("expected sandbox binding, got %v", got.SandboxID)
	}
}

func TestSessionEndedIsTerminal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "sess-1", AgentName: "qa"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, "sess-1", models.SessionEnded); err != nil {
		t.Fatalf("failed to end session: %v", err)
	}

	err := s.UpdateSessionStatus(ctx, "sess-1", models.SessionActive)
	if !apperrors.IsBadState(err) {
		t.Errorf("expected bad state resurrecting ended session, got %v", err)
	}

	// Ending an already-ended session is a no-op, not an error.
	if err := s.UpdateSessionStatus(ctx, "sess-1", models.SessionEnded); err != nil {
		t.Errorf("expected idempotent end, got %v", err)
	}

	got, _ := s.GetSession(ctx, "sess-1")
	if got.Status != models.SessionEnded {
		t.Errorf("expected ended, got %s", got.Status)
	}
}

func TestPauseSessionsOnRunnerIsBulkAndIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, sess := range []*models.Session{
		{ID: "a", AgentName: "qa", Status: models.SessionActive, RunnerID: strPtr("r1")},
		{ID: "b", AgentName: "qa", Status: models.SessionStarting, RunnerID: strPtr("r1")},
		{ID: "c", AgentName: "qa", Status: models.SessionActive, RunnerID: strPtr("r2")},
		{ID: "d", AgentName: "qa", Status: models.SessionEnded, RunnerID: strPtr("r1")},
	} {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("failed to seed session %s: %v", sess.ID, err)
		}
	}

	n, err := s.PauseSessionsOnRunner(ctx, "r1")
	if err != nil {
		t.Fatalf("failed to pause: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 paused sessions, got %d", n)
	}

	// Second run pauses nothing further.
	n, err = s.PauseSessionsOnRunner(ctx, "r1")
	if err != nil {
		t.Fatalf("failed to re-pause: %v", err)
	}
	if n != 0 {
		t.Errorf("expected idempotent re-run, got %d", n)
	}

	onOtherRunner, _ := s.GetSession(ctx, "c")
	if onOtherRunner.Status != models.SessionActive {
		t.Errorf("sessions on other runners must be untouched, got %s", onOtherRunner.Status)
	}
	ended, _ := s.GetSession(ctx, "d")
	if ended.Status != models.SessionEnded {
		t.Errorf("ended sessions must be untouched, got %s", ended.Status)
	}
}

// Sandbox tests

func seedSandbox(t *testing.T, s *Store, id string, state models.SandboxState, lastUsed time.Time) {
	t.Helper()
	err := s.InsertSandbox(context.Background(), &models.Sandbox{
		ID:         id,
		SessionID:  strPtr(id),
		AgentName:  "qa",
		State:      state,
		LastUsedAt: lastUsed,
	})
	if err != nil {
		t.Fatalf("failed to seed sandbox %s: %v", id, err)
	}
}

func TestEvictionCandidateTierOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// The oldest entry is running and must never be selected.
	seedSandbox(t, s, "running-old", models.SandboxRunning, now.Add(-3*time.Hour))
	seedSandbox(t, s, "waiting-old", models.SandboxWaiting, now.Add(-2*time.Hour))
	seedSandbox(t, s, "warm-new", models.SandboxWarm, now)

	candidate, err := s.SelectEvictionCandidate(ctx)
	if err != nil {
		t.Fatalf("failed to select candidate: %v", err)
	}
	if candidate == nil {
		t.Fatal("expected a candidate")
	}
	// Tier beats recency: warm outranks waiting even when newer.
	if candidate.ID != "warm-new" {
		t.Errorf("expected warm-new, got %s", candidate.ID)
	}

	seedSandbox(t, s, "cold-1", models.SandboxCold, now)
	candidate, err = s.SelectEvictionCandidate(ctx)
	if err != nil {
		t.Fatalf("failed to select candidate: %v", err)
	}
	if candidate.ID != "cold-1" {
		t.Errorf("cold outranks everything, got %s", candidate.ID)
	}
}

func TestEvictionCandidateLRUWithinTier(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSandbox(t, s, "waiting-newer", models.SandboxWaiting, now.Add(-time.Minute))
	seedSandbox(t, s, "waiting-older", models.SandboxWaiting, now.Add(-time.Hour))

	candidate, err := s.SelectEvictionCandidate(ctx)
	if err != nil {
		t.Fatalf("failed to select candidate: %v", err)
	}
	if candidate.ID != "waiting-older" {
		t.Errorf("expected LRU within tier, got %s", candidate.ID)
	}
}

func TestEvictionCandidateNoneWhenAllRunning(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSandbox(t, s, "r1", models.SandboxRunning, now.Add(-time.Hour))
	seedSandbox(t, s, "r2", models.SandboxRunning, now)

	candidate, err := s.SelectEvictionCandidate(ctx)
	if err != nil {
		t.Fatalf("failed to select candidate: %v", err)
	}
	if candidate != nil {
		t.Errorf("expected no candidate, got %s", candidate.ID)
	}
}

func TestMarkAllSandboxesColdIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSandbox(t, s, "a", models.SandboxRunning, now)
	seedSandbox(t, s, "b", models.SandboxWarm, now)
	seedSandbox(t, s, "c", models.SandboxCold, now)

	n, err := s.MarkAllSandboxesCold(ctx)
	if err != nil {
		t.Fatalf("failed to mark cold: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows flipped, got %d", n)
	}

	n, err = s.MarkAllSandboxesCold(ctx)
	if err != nil {
		t.Fatalf("failed on second run: %v", err)
	}
	if n != 0 {
		t.Errorf("expected idempotent second run, got %d", n)
	}

	counts, err := s.SandboxStateCounts(ctx)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if counts.Cold != 3 || counts.Total() != 3 {
		t.Errorf("expected all cold, got %+v", counts)
	}
}

func TestIdleAndExpiredSelection(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSandbox(t, s, "idle", models.SandboxWaiting, now.Add(-time.Hour))
	seedSandbox(t, s, "busy", models.SandboxWaiting, now)
	seedSandbox(t, s, "stale-cold", models.SandboxCold, now.Add(-3*time.Hour))
	seedSandbox(t, s, "fresh-cold", models.SandboxCold, now)

	idle, err := s.SelectIdleWaiting(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("failed to select idle: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "idle" {
		t.Errorf("expected [idle], got %v", idle)
	}

	expired, err := s.SelectExpiredCold(ctx, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("failed to select expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "stale-cold" {
		t.Errorf("expected [stale-cold], got %v", expired)
	}
}

// Runner tests

func TestRunnerRegisterIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := &models.Runner{ID: "r1", Host: "10.0.0.1", Port: 8080, MaxSandboxes: 100}
	if err := s.UpsertRunner(ctx, r); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	r.Port = 9090
	if err := s.UpsertRunner(ctx, r); err != nil {
		t.Fatalf("failed to re-register: %v", err)
	}

	runners, err := s.ListRunners(ctx)
	if err != nil {
		t.Fatalf("failed to list runners: %v", err)
	}
	if len(runners) != 1 {
		t.Fatalf("expected 1 runner row, got %d", len(runners))
	}
	if runners[0].Port != 9090 {
		t.Errorf("expected updated port, got %d", runners[0].Port)
	}
}

func TestSelectLeastLoaded(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, r := range []*models.Runner{
		{ID: "busy", Host: "h", Port: 1, MaxSandboxes: 100, ActiveCount: 90, WarmingCount: 5},
		{ID: "free", Host: "h", Port: 2, MaxSandboxes: 100, ActiveCount: 10, WarmingCount: 0},
	} {
		if err := s.UpsertRunner(ctx, r); err != nil {
			t.Fatalf("failed to register %s: %v", r.ID, err)
		}
		if err := s.HeartbeatRunner(ctx, r.ID, r.ActiveCount, r.WarmingCount); err != nil {
			t.Fatalf("failed to heartbeat %s: %v", r.ID, err)
		}
	}

	selected, err := s.SelectLeastLoaded(ctx, time.Now().UTC().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("failed to select: %v", err)
	}
	if selected == nil || selected.ID != "free" {
		t.Errorf("expected runner with most headroom, got %+v", selected)
	}
}

func TestSelectLeastLoadedSkipsStale(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.UpsertRunner(ctx, &models.Runner{ID: "r1", Host: "h", Port: 1, MaxSandboxes: 10}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	// Cutoff in the future makes every heartbeat stale.
	selected, err := s.SelectLeastLoaded(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("failed to select: %v", err)
	}
	if selected != nil {
		t.Errorf("expected no healthy runner, got %+v", selected)
	}

	dead, err := s.SelectDeadRunners(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("failed to select dead: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != "r1" {
		t.Errorf("expected [r1] dead, got %v", dead)
	}
}

// Message and event tests

func TestMessageSequenceIsMonotonicPerSession(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AppendMessage(ctx, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "hi"}); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}
	if err := s.AppendMessage(ctx, &models.Message{SessionID: "s2", Role: models.RoleUser, Content: "other"}); err != nil {
		t.Fatalf("failed to append to other session: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "default", "s1", 0, 0)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Sequence != int64(i+1) {
			t.Errorf("expected sequence %d, got %d", i+1, msg.Sequence)
		}
	}

	other, _ := s.ListMessages(ctx, "default", "s2", 0, 0)
	if len(other) != 1 || other[0].Sequence != 1 {
		t.Errorf("sequences must be scoped per session, got %v", other)
	}
}

func TestListMessagesAfterSequence(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.AppendMessage(ctx, &models.Message{SessionID: "s1", Role: models.RoleAssistant, Content: "x"}); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, "default", "s1", 3, 0)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected 2 messages after seq 3, got %d", len(msgs))
	}
}

func TestSessionEventsAppend(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, typ := range []string{"session.created", "session.paused", "session.resumed"} {
		if err := s.AppendSessionEvent(ctx, &models.SessionEvent{SessionID: "s1", Type: typ}); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	events, err := s.ListSessionEvents(ctx, "default", "s1")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != "session.created" || events[0].Sequence != 1 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[2].Sequence != 3 {
		t.Errorf("expected sequence 3, got %d", events[2].Sequence)
	}
}
