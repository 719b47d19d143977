package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/bridge"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/pool"
	"github.com/ashstack/ash/internal/workspace"
)

// SandboxPool is the pool surface the local backend needs. *pool.Pool
// implements it; tests substitute fakes.
type SandboxPool interface {
	Create(ctx context.Context, req pool.CreateRequest) (*pool.Handle, error)
	Get(sandboxID string) (*pool.Handle, bool)
	Destroy(ctx context.Context, sandboxID, reason string) error
	MarkRunning(sandboxID string) error
	MarkWaiting(sandboxID string) error
	Stats(ctx context.Context) (models.PoolStats, error)
}

// LocalBackend serves sandboxes from the in-process pool.
type LocalBackend struct {
	pool SandboxPool
	ws   *workspace.Store
	log  *logger.Logger
}

func NewLocalBackend(p SandboxPool, ws *workspace.Store, log *logger.Logger) *LocalBackend {
	return &LocalBackend{
		pool: p,
		ws:   ws,
		log:  log.WithFields(zap.String("component", "local-backend")),
	}
}

// ID returns the empty string: local sandboxes have no registry row and
// their sessions carry a NULL runner_id.
func (b *LocalBackend) ID() string { return "" }

func (b *LocalBackend) CreateSandbox(ctx context.Context, req SandboxRequest) (*SandboxInfo, error) {
	h, err := b.pool.Create(ctx, pool.CreateRequest{
		SessionID: req.SessionID,
		Tenant:    req.Tenant,
		AgentName: req.AgentName,
		AgentDir:  req.AgentDir,
	})
	if err != nil {
		return nil, err
	}
	return &SandboxInfo{SandboxID: h.SandboxID, RestoreSource: h.RestoreSource}, nil
}

func (b *LocalBackend) DestroySandbox(ctx context.Context, sandboxID, reason string) error {
	return b.pool.Destroy(ctx, sandboxID, reason)
}

// SendCommand writes the command frame to the sandbox's bridge. A query turn
// gets a forwarding goroutine that relays bridge events until the terminal
// done or crash; resume and interrupt are fire-and-forget and return a
// closed channel.
func (b *LocalBackend) SendCommand(ctx context.Context, sandboxID string, cmd *bridge.Command) (<-chan bridge.Event, error) {
	h, ok := b.pool.Get(sandboxID)
	if !ok {
		return nil, apperrors.NotFound("sandbox", sandboxID)
	}
	if err := h.Bridge.Send(ctx, cmd); err != nil {
		return nil, err
	}

	out := make(chan bridge.Event)
	if cmd.Cmd != bridge.CmdQuery {
		close(out)
		return out, nil
	}
	go b.forwardTurn(ctx, h, out)
	return out, nil
}

// forwardTurn relays one turn's events from the bridge to out. The bridge
// channel outlives the turn and must never be closed from here; the turn ends
// at done or crash. A bridge channel that closes mid-turn means the
// supervisor abandoned the process, so a crash is synthesized from its exit
// state.
func (b *LocalBackend) forwardTurn(ctx context.Context, h *pool.Handle, out chan<- bridge.Event) {
	defer close(out)
	for {
		select {
		case ev, ok := <-h.Bridge.Events():
			if !ok {
				code, oom := h.Bridge.ExitState()
				crash := bridge.Event{
					Ev:       bridge.EvCrash,
					Error:    fmt.Sprintf("bridge process exited with code %d", code),
					ExitCode: code,
					OOM:      oom,
				}
				select {
				case out <- crash:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Ev == bridge.EvDone || ev.Ev == bridge.EvCrash {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *LocalBackend) MarkRunning(ctx context.Context, sandboxID string) error {
	return b.pool.MarkRunning(sandboxID)
}

func (b *LocalBackend) MarkWaiting(ctx context.Context, sandboxID string) error {
	return b.pool.MarkWaiting(sandboxID)
}

func (b *LocalBackend) PersistState(ctx context.Context, sandboxID string) error {
	return b.ws.Persist(ctx, sandboxID)
}

func (b *LocalBackend) IsLive(ctx context.Context, sandboxID string) bool {
	h, ok := b.pool.Get(sandboxID)
	return ok && h.Bridge.Alive()
}

func (b *LocalBackend) Stats(ctx context.Context) (models.PoolStats, error) {
	return b.pool.Stats(ctx)
}
