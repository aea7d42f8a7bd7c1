//go:build windows

package procutil

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// Setup is a no-op on Windows; process trees are handled via Job Objects
// by the caller if needed. The terminal multiplexer backend is not
// supported on Windows, so this path only exists to keep the package
// buildable.
func Setup(_ *exec.Cmd) {}

// KillGroup terminates the child process. Windows has no POSIX process
// groups; this kills only the direct child.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(cmd.Process.Pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, 1)
}
