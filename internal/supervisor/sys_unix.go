//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr places the child in its own process group so termination
// signals reach the whole tree.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess asks the child's process group to exit gracefully.
func terminateProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcess force-terminates the child's process group.
func killProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// processAlive probes liveness without reaping.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
