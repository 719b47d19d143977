package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/appctx"
	"github.com/ashstack/ash/internal/limits"
	"github.com/ashstack/ash/internal/metrics"
)

// sweepTimeout bounds one pass of any background sweep.
const sweepTimeout = time.Minute

// StartLoops launches the idle sweep, cold cleanup, and disk sweep. Call
// once, after the hooks are installed.
func (p *Pool) StartLoops() {
	p.wg.Add(3)
	go p.loop(p.cfg.Pool.IdleSweepInterval(), p.idleSweep)
	go p.loop(p.cfg.Pool.ColdSweepInterval(), p.coldCleanup)
	go p.loop(p.cfg.Limits.DiskSweepInterval(), p.diskSweep)
}

// Stop halts the loops and waits for in-flight fire-and-forget writes. It
// does not touch the sandboxes themselves; ShutdownAll handles those.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) loop(interval time.Duration, fn func(ctx context.Context)) {
	defer p.wg.Done()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := appctx.Detached(p.stopCh, sweepTimeout)
			fn(ctx)
			cancel()
		}
	}
}

// idleSweep evicts waiting sandboxes idle past the timeout, tier-3 style:
// their sessions are paused and their workspaces persisted first.
func (p *Pool) idleSweep(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.Pool.IdleTimeout())
	boxes, err := p.store.SelectIdleWaiting(ctx, cutoff)
	if err != nil {
		p.log.Warn("idle sweep query failed", zap.Error(err))
		return
	}
	for _, sb := range boxes {
		if err := p.evict(ctx, sb); err != nil {
			p.log.Warn("idle eviction failed",
				zap.String("sandbox_id", sb.ID),
				zap.Error(err))
		}
	}
}

// coldCleanup deletes cold rows unused past the TTL along with their local
// files. Cloud snapshots are the long-term backup and are preserved.
func (p *Pool) coldCleanup(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.Pool.ColdCleanupTTL())
	boxes, err := p.store.SelectExpiredCold(ctx, cutoff)
	if err != nil {
		p.log.Warn("cold cleanup query failed", zap.Error(err))
		return
	}
	for _, sb := range boxes {
		p.ws.DeleteLive(sb.ID)
		p.ws.DeleteLocalSnapshot(sb.ID)
		if err := p.store.DeleteSandbox(ctx, sb.ID); err != nil {
			p.log.Warn("cold cleanup delete failed",
				zap.String("sandbox_id", sb.ID),
				zap.Error(err))
			continue
		}
		p.log.Info("cold sandbox expired", zap.String("sandbox_id", sb.ID))
	}
}

// diskSweep destroys sandboxes whose live workspace exceeds the disk cap.
func (p *Pool) diskSweep(ctx context.Context) {
	capBytes := p.limits.Limits().DiskMB * 1024 * 1024
	if capBytes <= 0 {
		return
	}
	for _, h := range p.snapshotHandles() {
		size := limits.DirSize(h.WorkspaceDir)
		if size <= capBytes {
			continue
		}
		p.log.Warn("workspace exceeds disk quota",
			zap.String("sandbox_id", h.SandboxID),
			zap.Int64("size_bytes", size),
			zap.Int64("cap_bytes", capBytes))
		metrics.DiskQuotaExceededTotal.Inc()

		if p.onDiskQuota != nil {
			p.onDiskQuota(ctx, h.SessionID)
		}
		if err := p.Destroy(ctx, h.SandboxID, DiskQuotaExceeded); err != nil {
			p.log.Warn("failed to destroy over-quota sandbox",
				zap.String("sandbox_id", h.SandboxID),
				zap.Error(err))
		}
	}
}

func (p *Pool) snapshotHandles() []*Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h)
	}
	return out
}
