//go:build windows

package runner

import "os/exec"

// Windows has no process groups reachable from os/exec; only the direct
// child is killed.
func configureProcessGroup(cmd *exec.Cmd) {}

func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
