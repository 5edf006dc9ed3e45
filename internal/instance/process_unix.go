//go:build !windows

package instance

import (
	"os/exec"
	"syscall"
)

// startGroup puts the backend in its own process group so signals reach
// any children it forks.
func startGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig Signal) error {
	s := syscall.SIGTERM
	if sig == SignalKill {
		s = syscall.SIGKILL
	}
	if err := syscall.Kill(-cmd.Process.Pid, s); err != nil {
		// Group already gone or never formed
		return cmd.Process.Signal(s)
	}
	return nil
}
