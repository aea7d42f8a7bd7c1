//go:build linux

package procutil

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Setup places the child in its own process group so the whole tree can be
// killed on timeout, and sets Pdeathsig so the tree dies with the
// orchestrator.
func Setup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}

// KillGroup sends SIGKILL to the child's entire process group.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}
