//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSessionAttrs detaches the child into its own session so the whole
// tree shares one process group.
func setSessionAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func terminateGroup(cmd *exec.Cmd) {
	signalGroup(cmd, unix.SIGTERM)
}

func killGroup(cmd *exec.Cmd) {
	signalGroup(cmd, unix.SIGKILL)
}

// signalGroup signals the child's entire process group. ESRCH means the
// group is already gone, which is not a failure.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = cmd.Process.Kill()
	}
}
