//go:build linux

package limits

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// cgroupControllersFile exists only on hosts with the unified (v2) hierarchy
// mounted at the conventional location.
const cgroupControllersFile = "/sys/fs/cgroup/cgroup.controllers"

func cgroupsAvailable() bool {
	_, err := os.ReadFile(cgroupControllersFile)
	return err == nil
}

func (c *Controller) cgroupDir(sandboxID string) string {
	return filepath.Join(c.parentDir, sandboxID)
}

func (c *Controller) applyCgroup(sandboxID string, pid int) error {
	dir := c.cgroupDir(sandboxID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cgroup %s: %w", dir, err)
	}

	memMax := strconv.FormatInt(c.limits.MemoryMB*1024*1024, 10)
	if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(memMax), 0o644); err != nil {
		return fmt.Errorf("failed to set memory.max: %w", err)
	}

	quota := c.limits.CPUPercent * cpuPeriodUsec / 100
	cpuMax := fmt.Sprintf("%d %d", quota, cpuPeriodUsec)
	if err := os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(cpuMax), 0o644); err != nil {
		return fmt.Errorf("failed to set cpu.max: %w", err)
	}

	pidsMax := strconv.Itoa(c.limits.MaxPids)
	if err := os.WriteFile(filepath.Join(dir, "pids.max"), []byte(pidsMax), 0o644); err != nil {
		return fmt.Errorf("failed to set pids.max: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("failed to move pid %d into cgroup: %w", pid, err)
	}
	return nil
}

func (c *Controller) removeCgroup(sandboxID string) error {
	// rmdir fails with EBUSY until every member process has been reaped;
	// the bridge was just killed, so retry briefly.
	dir := c.cgroupDir(sandboxID)
	var err error
	for i := 0; i < 10; i++ {
		err = os.Remove(dir)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return err
}
