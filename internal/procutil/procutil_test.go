package procutil_test

import (
	"os/exec"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/procutil"
)

func TestKillGroup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses unix sleep command")
	}

	cmd := exec.Command("sh", "-c", "sleep 60")
	procutil.Setup(cmd)
	require.NoError(t, cmd.Start())

	pid := cmd.Process.Pid
	assert.True(t, processExists(pid), "child should be alive after start")

	require.NoError(t, procutil.KillGroup(cmd))
	_ = cmd.Wait()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, processExists(pid), "child should be dead after group kill")
}

func processExists(pid int) bool {
	return exec.Command("kill", "-0", strconv.Itoa(pid)).Run() == nil
}
