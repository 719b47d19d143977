//go:build unix && !linux

package bridge

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so the
// whole bridge tree can be killed together. Pdeathsig is Linux-only; on
// other platforms orphan cleanup relies on explicit Shutdown/Kill calls.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the entire process group for the given PID.
func killProcessGroup(pid int) error {
	// Kill the entire process group by using negative PID
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// terminateProcessGroup sends SIGTERM to the entire process group for graceful shutdown.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// classifyExit extracts the exit code from a reaped child, mapping signal
// deaths to the 128+signal convention, and reports SIGKILL deaths.
func classifyExit(exitErr *exec.ExitError) (code int, sigkilled bool) {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), false
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal() == syscall.SIGKILL
	}
	return ws.ExitStatus(), false
}
