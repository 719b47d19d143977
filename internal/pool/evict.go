package pool

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/events"
	"github.com/ashstack/ash/internal/metrics"
	"github.com/ashstack/ash/internal/models"
)

// ensureCapacity evicts until the pool has room for one more row. Candidates
// come from the tier query (cold, then warm, then waiting, LRU within each);
// when every remaining sandbox is running the create fails.
func (p *Pool) ensureCapacity(ctx context.Context) error {
	for {
		total, err := p.store.CountSandboxes(ctx)
		if err != nil {
			return apperrors.Wrap(err, "failed to count sandboxes")
		}
		if total < p.cfg.Pool.MaxSandboxes {
			return nil
		}
		cand, err := p.store.SelectEvictionCandidate(ctx)
		if err != nil {
			return apperrors.Wrap(err, "failed to select eviction candidate")
		}
		if cand == nil {
			return apperrors.CapacityFull("sandbox pool is full and every sandbox is running")
		}
		if err := p.evict(ctx, cand); err != nil {
			return err
		}
	}
}

// evict applies the tier action for cand. A waiting→cold conversion does
// not free a row by itself; the caller's loop deletes the cold row on its
// next pass if the pool is still over capacity.
func (p *Pool) evict(ctx context.Context, cand *models.Sandbox) error {
	// The live map is authoritative for run/wait. If the fire-and-forget
	// row write is behind and the sandbox is actually mid-turn, repair the
	// row so the next candidate query skips it.
	if h, ok := p.Get(cand.ID); ok && h.State() == models.SandboxRunning {
		return p.store.UpdateSandboxState(ctx, cand.ID, models.SandboxRunning)
	}

	switch cand.State {
	case models.SandboxCold:
		return p.evictCold(ctx, cand)
	case models.SandboxWarm:
		return p.evictWarm(ctx, cand)
	case models.SandboxWaiting:
		return p.evictWaiting(ctx, cand)
	default:
		return apperrors.BadState(fmt.Sprintf("sandbox %s in state %s is not evictable", cand.ID, cand.State))
	}
}

// evictCold deletes the row and local files. The cloud snapshot, when one
// exists, stays as the long-term backup.
func (p *Pool) evictCold(ctx context.Context, cand *models.Sandbox) error {
	p.ws.DeleteLive(cand.ID)
	p.ws.DeleteLocalSnapshot(cand.ID)
	if err := p.store.DeleteSandbox(ctx, cand.ID); err != nil {
		return apperrors.Wrap(err, "failed to delete cold sandbox row")
	}
	p.limits.Remove(cand.ID)
	p.publishEvicted(cand, "cold")
	p.log.Info("evicted cold sandbox", zap.String("sandbox_id", cand.ID))
	return nil
}

// evictWarm kills the process and deletes the row. A warm sandbox has not
// served a turn, so its workspace holds nothing beyond what seeded it.
func (p *Pool) evictWarm(ctx context.Context, cand *models.Sandbox) error {
	p.killHandle(cand.ID)
	p.ws.DeleteLive(cand.ID)
	if err := p.store.DeleteSandbox(ctx, cand.ID); err != nil {
		return apperrors.Wrap(err, "failed to delete warm sandbox row")
	}
	p.publishEvicted(cand, "warm")
	p.log.Info("evicted warm sandbox", zap.String("sandbox_id", cand.ID))
	return nil
}

// evictWaiting runs the session manager's hook (persist workspace, pause
// session) before the kill, then parks the row cold.
func (p *Pool) evictWaiting(ctx context.Context, cand *models.Sandbox) error {
	if p.beforeEvict != nil && cand.SessionID != nil {
		if err := p.beforeEvict(ctx, *cand.SessionID); err != nil {
			return apperrors.Wrap(err, "pre-eviction persist failed")
		}
	}
	p.killHandle(cand.ID)
	p.ws.DeleteLive(cand.ID)
	if err := p.store.UpdateSandboxState(ctx, cand.ID, models.SandboxCold); err != nil {
		return apperrors.Wrap(err, "failed to park evicted sandbox as cold")
	}
	p.publishEvicted(cand, "waiting")
	p.log.Info("evicted waiting sandbox",
		zap.String("sandbox_id", cand.ID),
		zap.Stringp("session_id", cand.SessionID))
	return nil
}

// killHandle hard-kills the bridge for sid if a live handle exists, then
// drops the handle and its cgroup.
func (p *Pool) killHandle(sid string) {
	p.mu.Lock()
	h, ok := p.handles[sid]
	delete(p.handles, sid)
	p.mu.Unlock()

	if ok {
		h.Bridge.Kill()
	}
	p.limits.Remove(sid)
}

func (p *Pool) publishEvicted(cand *models.Sandbox, tier string) {
	metrics.EvictionsTotal.WithLabelValues(tier).Inc()

	data := map[string]interface{}{
		"sandbox_id": cand.ID,
		"tenant":     cand.Tenant,
		"tier":       tier,
	}
	if cand.SessionID != nil {
		data["session_id"] = *cand.SessionID
	}
	p.publish(events.SandboxEvicted, cand.ID, data)
}
