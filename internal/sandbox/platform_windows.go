//go:build windows

package sandbox

import "os/exec"

// setupProcessGroup is a no-op on Windows; child processes are killed
// individually.
func setupProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills the process. Windows has no POSIX process
// groups; descendants spawned by the verification command may survive.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
