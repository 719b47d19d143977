// Package coordinator routes session work to sandbox runners: the local pool
// in standalone mode, registered remote runners behind the coordinator
// registry otherwise.
package coordinator

import (
	"context"

	"github.com/ashstack/ash/internal/bridge"
	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/workspace"
)

// SandboxRequest describes the sandbox a session needs. The sandbox id equals
// the session id on whichever runner ends up hosting it.
type SandboxRequest struct {
	SessionID string
	Tenant    string
	AgentName string
	AgentDir  string
}

// SandboxInfo reports a provisioned sandbox and the workspace tier that
// seeded it.
type SandboxInfo struct {
	SandboxID     string
	RestoreSource workspace.Source
}

// RunnerBackend is the session manager's view of one runner. LocalBackend
// delegates to the in-process pool; RemoteBackend speaks the runner HTTP API.
type RunnerBackend interface {
	// ID returns the runner's registry id, empty for the local pool.
	ID() string

	CreateSandbox(ctx context.Context, req SandboxRequest) (*SandboxInfo, error)
	DestroySandbox(ctx context.Context, sandboxID, reason string) error

	// SendCommand dispatches one bridge command. For query commands the
	// returned channel carries the turn's events and closes after the
	// terminal done or crash event; for other commands it is already closed.
	SendCommand(ctx context.Context, sandboxID string, cmd *bridge.Command) (<-chan bridge.Event, error)

	MarkRunning(ctx context.Context, sandboxID string) error
	MarkWaiting(ctx context.Context, sandboxID string) error

	// PersistState snapshots the sandbox workspace to the durable tiers.
	PersistState(ctx context.Context, sandboxID string) error

	// IsLive reports whether the sandbox has a running bridge process.
	IsLive(ctx context.Context, sandboxID string) bool

	Stats(ctx context.Context) (models.PoolStats, error)
}
