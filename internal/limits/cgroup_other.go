//go:build !linux

package limits

// cgroup v2 is Linux-only; every other platform uses the ulimit fallback.

func cgroupsAvailable() bool { return false }

func (c *Controller) applyCgroup(string, int) error { return nil }

func (c *Controller) removeCgroup(string) error { return nil }
