package tmux

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/agentmux/agentmux/internal/procutil"
)

// Runner executes a shell script and returns its combined stdout and
// stderr. Injected so tests can run without a tmux server.
type Runner func(ctx context.Context, script string) (stdout, stderr string, err error)

// errKilled marks a child that was killed because the caller's deadline
// expired; the client maps it to KindTimeout.
var errKilled = errors.New("child killed on deadline")

// shellRunner runs the script through a single `sh -c` child process.
// The child gets its own process group; when ctx expires the whole group
// is killed with SIGKILL.
func shellRunner(ctx context.Context, script string) (string, string, error) {
	cmd := exec.Command("sh", "-c", script)
	procutil.Setup(cmd)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return "", "", err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = procutil.KillGroup(cmd)
		<-done
		return outBuf.String(), errBuf.String(), errKilled
	case err := <-done:
		return outBuf.String(), errBuf.String(), err
	}
}
