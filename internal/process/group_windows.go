//go:build windows

package process

import "os/exec"

// Windows has no session primitive to adopt here; the fallback kills
// the immediate child only. Grandchildren may outlive the deadline.
func setSessionAttrs(cmd *exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
