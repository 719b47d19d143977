package pool

import (
	"sync"
	"time"

	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/workspace"
)

// Handle is the live, in-memory view of a sandbox with a bridge process.
// The handle map is authoritative for the running/waiting distinction; the
// database row trails it through fire-and-forget writes.
type Handle struct {
	SandboxID     string
	SessionID     string
	Tenant        string
	AgentName     string
	AgentDir      string
	WorkspaceDir  string
	RestoreSource workspace.Source
	Bridge        Bridge

	mu       sync.Mutex
	state    models.SandboxState
	lastUsed time.Time
}

// State returns the in-memory lifecycle state.
func (h *Handle) State() models.SandboxState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(state models.SandboxState) {
	h.mu.Lock()
	h.state = state
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// beginTurn flips the handle to running unless a turn already holds it.
func (h *Handle) beginTurn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == models.SandboxRunning {
		return false
	}
	h.state = models.SandboxRunning
	h.lastUsed = time.Now()
	return true
}

// LastUsed returns when the handle last changed state.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}
