package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/ashstack/ash/internal/bridge"
	"github.com/ashstack/ash/internal/common/config"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/coordinator"
	"github.com/ashstack/ash/internal/db"
	"github.com/ashstack/ash/internal/events/bus"
	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/session"
	"github.com/ashstack/ash/internal/store"
	"github.com/ashstack/ash/internal/workspace"
)

const testSecret = "test-secret"

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeBackend scripts RunnerBackend behavior for handler tests. A query turn
// replays the configured events and closes, like the real backends do.
type fakeBackend struct {
	mu        sync.Mutex
	live      map[string]bool
	created   []coordinator.SandboxRequest
	destroyed []string
	running   []string
	waiting   []string
	persisted []string
	ops       []string
	sent      []*bridge.Command
	turn      []bridge.Event
	createErr error
	sendErr   error
	stats     models.PoolStats
	statsErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{live: make(map[string]bool)}
}

func (f *fakeBackend) ID() string { return "" }

func (f *fakeBackend) CreateSandbox(ctx context.Context, req coordinator.SandboxRequest) (*coordinator.SandboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	f.live[req.SessionID] = true
	return &coordinator.SandboxInfo{SandboxID: req.SessionID, RestoreSource: workspace.SourceFresh}, nil
}

func (f *fakeBackend) DestroySandbox(ctx context.Context, sandboxID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, sandboxID)
	f.destroyed = append(f.destroyed, sandboxID)
	return nil
}

func (f *fakeBackend) SendCommand(ctx context.Context, sandboxID string, cmd *bridge.Command) (<-chan bridge.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if !f.live[sandboxID] {
		return nil, apperrors.NotFound("sandbox", sandboxID)
	}
	f.sent = append(f.sent, cmd)

	out := make(chan bridge.Event, len(f.turn)+1)
	if cmd.Cmd == bridge.CmdQuery {
		for _, ev := range f.turn {
			out <- ev
		}
	}
	close(out)
	return out, nil
}

func (f *fakeBackend) MarkRunning(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[sandboxID] {
		return apperrors.NotFound("sandbox", sandboxID)
	}
	f.running = append(f.running, sandboxID)
	f.ops = append(f.ops, "running:"+sandboxID)
	return nil
}

func (f *fakeBackend) MarkWaiting(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[sandboxID] {
		return apperrors.NotFound("sandbox", sandboxID)
	}
	f.waiting = append(f.waiting, sandboxID)
	f.ops = append(f.ops, "waiting:"+sandboxID)
	return nil
}

func (f *fakeBackend) PersistState(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, sandboxID)
	f.ops = append(f.ops, "persist:"+sandboxID)
	return nil
}

func (f *fakeBackend) IsLive(ctx context.Context, sandboxID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[sandboxID]
}

func (f *fakeBackend) Stats(ctx context.Context) (models.PoolStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeBackend) setTurn(events ...bridge.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turn = events
}

func (f *fakeBackend) setLive(sandboxID string, live bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[sandboxID] = live
}

func (f *fakeBackend) sentCommands() []*bridge.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*bridge.Command(nil), f.sent...)
}

func (f *fakeBackend) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

type fixture struct {
	router  *gin.Engine
	cfg     *config.Config
	store   *store.Store
	backend *fakeBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Mode:           config.ModeStandalone,
		Tenant:         "default",
		DataDir:        t.TempDir(),
		InternalSecret: testSecret,
		SSE:            config.SSEConfig{WriteTimeoutMs: 2000},
		Coordinator: config.CoordinatorConfig{
			LivenessTimeoutMs:   30 * 1000,
			HeartbeatIntervalMs: 10 * 1000,
			SweepIntervalMs:     30 * 1000,
		},
		Logging: config.LoggingConfig{Level: "info"},
	}

	pool, err := db.Open("", filepath.Join(cfg.DataDir, "ash.db"))
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := newTestLogger(t)
	eb := bus.NewMemoryEventBus(log)
	t.Cleanup(eb.Close)

	backend := newFakeBackend()
	coord := coordinator.New(cfg, st, eb, log)
	coord.SetLocalBackend(backend)

	ws := workspace.New(filepath.Join(cfg.DataDir, "sandboxes"), filepath.Join(cfg.DataDir, "sessions"), nil, "", log)
	mgr := session.New(st, coord, ws, eb, log)

	router := NewRouter(cfg, Deps{
		Store:       st,
		Sessions:    mgr,
		Coordinator: coord,
		Backend:     backend,
		Workspaces:  ws,
		Bus:         eb,
	}, log)

	return &fixture{router: router, cfg: cfg, store: st, backend: backend}
}

// do runs one request through the router. Body may be nil.
func (f *fixture) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// internalHeaders carries the bearer token the internal surfaces require.
func internalHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testSecret}
}

// deployAgent stages a valid agent directory and deploys it.
func (f *fixture) deployAgent(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(f.cfg.DataDir, "agent-src", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, agentPromptFile), []byte("# "+name+"\n"), 0o644))

	w := f.do(t, http.MethodPost, "/api/agents", map[string]string{"name": name, "path": dir}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return dir
}

// createSession deploys nothing; the agent must already exist.
func (f *fixture) createSession(t *testing.T, agent string) *models.Session {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/sessions", map[string]string{"agent": agent}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sess models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	return &sess
}

// errorCode extracts the code from the standard error envelope.
func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope coordinator.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.NotNil(t, envelope.Error)
	return envelope.Error.Code
}
