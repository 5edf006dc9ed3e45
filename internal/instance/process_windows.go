//go:build windows

package instance

import "os/exec"

func startGroup(cmd *exec.Cmd) {}

// signalGroup kills the backend; Windows has no SIGTERM delivery.
func signalGroup(cmd *exec.Cmd, sig Signal) error {
	return cmd.Process.Kill()
}
