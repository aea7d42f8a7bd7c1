//go:build darwin

package procutil

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Setup places the child in its own process group so the whole tree can be
// killed on timeout. macOS has no Pdeathsig equivalent; an ungraceful
// orchestrator death may leave orphaned children.
func Setup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// KillGroup sends SIGKILL to the child's entire process group.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}
