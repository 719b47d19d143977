// Package limits enforces per-sandbox resource caps: cgroup v2 on Linux,
// ulimit wrapping elsewhere, plus the workspace disk accounting used by the
// pool's disk sweep.
package limits

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/config"
	"github.com/ashstack/ash/internal/common/logger"
)

// cpuPeriodUsec is the cgroup v2 cpu.max period. With 100000, CPUPercent
// maps directly to quota = percent * 1000.
const cpuPeriodUsec = 100000

// Limits holds the per-sandbox resource caps.
type Limits struct {
	MemoryMB   int64
	CPUPercent int
	MaxPids    int
	DiskMB     int64
}

// Default returns the stock limits applied when configuration is silent.
func Default() Limits {
	return Limits{MemoryMB: 2048, CPUPercent: 100, MaxPids: 64, DiskMB: 1024}
}

// FromConfig converts the configuration section, falling back to defaults
// for unset or nonsensical values.
func FromConfig(cfg config.LimitsConfig) Limits {
	l := Default()
	if cfg.MemoryMB > 0 {
		l.MemoryMB = cfg.MemoryMB
	}
	if cfg.CPUPercent > 0 {
		l.CPUPercent = cfg.CPUPercent
	}
	if cfg.MaxPids > 0 {
		l.MaxPids = cfg.MaxPids
	}
	if cfg.DiskMB > 0 {
		l.DiskMB = cfg.DiskMB
	}
	return l
}

// Controller applies resource limits to bridge processes.
type Controller struct {
	limits    Limits
	parentDir string
	available bool
	log       *logger.Logger
}

// NewController probes the host for cgroup v2 support. disable forces the
// ulimit fallback regardless of what the probe finds.
func NewController(limits Limits, parentDir string, disable bool, log *logger.Logger) *Controller {
	c := &Controller{
		limits:    limits,
		parentDir: parentDir,
		log:       log.WithFields(zap.String("component", "limits")),
	}
	if !disable {
		c.available = cgroupsAvailable()
	}
	if c.available {
		c.log.Info("cgroup v2 resource limits enabled",
			zap.String("parent_dir", parentDir),
			zap.Int64("memory_mb", limits.MemoryMB),
			zap.Int("cpu_percent", limits.CPUPercent),
			zap.Int("max_pids", limits.MaxPids))
	} else {
		c.log.Info("cgroup v2 unavailable, using ulimit fallback (cpu cap skipped)")
	}
	return c
}

// Available reports whether cgroup enforcement is active.
func (c *Controller) Available() bool { return c.available }

// Limits returns the configured caps.
func (c *Controller) Limits() Limits { return c.limits }

// WrapCommand returns argv unchanged under cgroups; otherwise it wraps argv
// in a shell applying ulimit caps before exec. CPU cannot be capped with
// ulimit, so the fallback skips it.
func (c *Controller) WrapCommand(argv []string) []string {
	if c.available || len(argv) == 0 {
		return argv
	}
	script := fmt.Sprintf("ulimit -v %d -u %d; exec \"$@\"", c.limits.MemoryMB*1024, c.limits.MaxPids)
	return append([]string{"sh", "-c", script, "sh"}, argv...)
}

// Apply places pid into a fresh cgroup for the sandbox. No-op in fallback
// mode: the caps were applied by the wrapper before exec.
func (c *Controller) Apply(sandboxID string, pid int) error {
	if !c.available {
		return nil
	}
	if err := c.applyCgroup(sandboxID, pid); err != nil {
		return err
	}
	c.log.Debug("applied cgroup limits",
		zap.String("sandbox_id", sandboxID),
		zap.Int("pid", pid))
	return nil
}

// Remove deletes the sandbox's cgroup, if any. Best-effort: the kill that
// precedes it may still be reaping group members.
func (c *Controller) Remove(sandboxID string) {
	if !c.available {
		return
	}
	if err := c.removeCgroup(sandboxID); err != nil {
		c.log.Debug("failed to remove cgroup",
			zap.String("sandbox_id", sandboxID),
			zap.Error(err))
	}
}

// DirSize returns the total size in bytes of regular files under path.
// Files vanishing mid-walk are tolerated; a missing root counts as empty.
func DirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
