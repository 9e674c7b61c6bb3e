//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the engine in its own process group so stop
// signals reach any helpers it spawns.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error { return syscall.Kill(-pid, syscall.SIGTERM) }

func killGroup(pid int) error { return syscall.Kill(-pid, syscall.SIGKILL) }
