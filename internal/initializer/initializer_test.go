package initializer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/tmux"
)

const testLaunchCmd = "claude --dangerously-skip-permissions"

// fakeDriver records driver calls and lets tests hook keystroke delivery.
type fakeDriver struct {
	mu         sync.Mutex
	calls      []string
	onSendKeys func(name string, keys []tmux.Key) error
	onCreate   func(name string)
}

func (d *fakeDriver) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *fakeDriver) CreateSession(_ context.Context, name, _, _ string) error {
	d.record("create:" + name)
	if d.onCreate != nil {
		d.onCreate(name)
	}
	return nil
}

func (d *fakeDriver) KillSession(_ context.Context, name string) error {
	d.record("kill:" + name)
	return nil
}

func (d *fakeDriver) SendKeys(_ context.Context, name string, keys []tmux.Key) error {
	var parts []string
	for _, k := range keys {
		parts = append(parts, k.String())
	}
	d.record("send:" + name + ":" + strings.Join(parts, "|"))
	if d.onSendKeys != nil {
		return d.onSendKeys(name, keys)
	}
	return nil
}

func (d *fakeDriver) callList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) count(prefix string) int {
	n := 0
	for _, c := range d.callList() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fakeDetector answers from a function and records invalidations.
type fakeDetector struct {
	mu           sync.Mutex
	interactive  func() bool
	invalidated  int
	lastInvalids []string
}

func (f *fakeDetector) IsCLIInteractive(context.Context, string) bool {
	f.mu.Lock()
	fn := f.interactive
	f.mu.Unlock()
	return fn != nil && fn()
}

func (f *fakeDetector) Invalidate(name string) {
	f.mu.Lock()
	f.invalidated++
	f.lastInvalids = append(f.lastInvalids, name)
	f.mu.Unlock()
}

type fakePrompts struct{}

func (fakePrompts) RolePrompt(role, _, sessionName, memberID string) (string, error) {
	return "# " + role + " prompt for " + sessionName + "/" + memberID, nil
}

func newTestInitializer(d Driver, det Detector, reg Registry) *Initializer {
	return New(slog.New(slog.DiscardHandler), d, det, reg, fakePrompts{}, testLaunchCmd,
		WithBudgets(150*time.Millisecond, 150*time.Millisecond, 150*time.Millisecond, time.Second),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
}

func newReg() *registry.Registry {
	return registry.New(slog.New(slog.DiscardHandler), "agentmux-orc", nil)
}

// registerOnPrompt wires the driver so that delivering a prompt payload
// acts like the agent calling the registration endpoint.
func registerOnPrompt(d *fakeDriver, reg *registry.Registry, role, memberID string) {
	d.onSendKeys = func(name string, keys []tmux.Key) error {
		for _, k := range keys {
			if strings.HasPrefix(k.String(), "# "+role+" prompt") {
				reg.MarkActive(name, role, memberID)
			}
		}
		return nil
	}
}

func TestDirectPromptSucceeds(t *testing.T) {
	reg := newReg()
	d := &fakeDriver{}
	registerOnPrompt(d, reg, "developer", "alice")
	det := &fakeDetector{interactive: func() bool { return true }}

	init := newTestInitializer(d, det, reg)
	err := init.Initialize(context.Background(), Request{
		SessionName: "am-alice", Role: "developer", MemberID: "alice", ProjectPath: "/srv/p",
	})
	require.NoError(t, err)

	// Registry is the authority after success.
	assert.True(t, reg.IsActive("am-alice"))
	// Non-destructive: no kill, no create, no relaunch burst.
	assert.Zero(t, d.count("kill:"))
	assert.Zero(t, d.count("create:"))
}

func TestRelaunchSucceedsAfterDirectPromptFails(t *testing.T) {
	reg := newReg()
	d := &fakeDriver{}
	launched := false
	det := &fakeDetector{interactive: func() bool { return launched }}
	d.onSendKeys = func(name string, keys []tmux.Key) error {
		for _, k := range keys {
			if k.String() == testLaunchCmd {
				launched = true
			}
			if strings.HasPrefix(k.String(), "# developer prompt") {
				reg.MarkActive(name, "developer", "alice")
			}
		}
		return nil
	}

	init := newTestInitializer(d, det, reg)
	err := init.Initialize(context.Background(), Request{
		SessionName: "am-alice", Role: "developer", MemberID: "alice", ProjectPath: "/srv/p",
	})
	require.NoError(t, err)

	calls := d.callList()
	assert.Contains(t, calls, "send:am-alice:C-c|C-c|Enter")
	assert.Zero(t, d.count("kill:"))
	assert.True(t, reg.IsActive("am-alice"))
}

func TestRecreateSucceedsAfterRelaunchFails(t *testing.T) {
	reg := newReg()
	d := &fakeDriver{}
	recreated := false
	det := &fakeDetector{interactive: func() bool { return recreated }}
	d.onSendKeys = func(name string, keys []tmux.Key) error {
		for _, k := range keys {
			if strings.HasPrefix(k.String(), "# developer prompt") && recreated {
				reg.MarkActive(name, "developer", "alice")
			}
		}
		return nil
	}
	// The pane only comes alive once the session is rebuilt.
	d.onCreate = func(string) { recreated = true }

	init := newTestInitializer(d, det, reg)
	err := init.Initialize(context.Background(), Request{
		SessionName: "am-alice", Role: "developer", MemberID: "alice", ProjectPath: "/srv/p",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, d.count("kill:am-alice"))
	assert.Equal(t, 1, d.count("create:am-alice"))
	assert.True(t, reg.IsActive("am-alice"))
}

func TestLadderExhaustedReportsAbort(t *testing.T) {
	reg := newReg()
	d := &fakeDriver{}
	det := &fakeDetector{interactive: func() bool { return false }}

	init := newTestInitializer(d, det, reg)
	err := init.Initialize(context.Background(), Request{
		SessionName: "am-frozen", Role: "developer", ProjectPath: "/srv/p",
	})

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, LevelAbort, f.Level)
	assert.Equal(t, ReasonTimedOut, f.Reason)
	// The pane was killed and recreated on the way down.
	assert.Equal(t, 1, d.count("kill:am-frozen"))
	assert.Equal(t, 1, d.count("create:am-frozen"))
	// The cache entry for the session was dropped on abort.
	det.mu.Lock()
	defer det.mu.Unlock()
	assert.Contains(t, det.lastInvalids, "am-frozen")
	assert.Greater(t, det.invalidated, 0)
}

func TestPreserveOrchestratorSkipsRecreate(t *testing.T) {
	reg := newReg()
	d := &fakeDriver{}
	det := &fakeDetector{interactive: func() bool { return false }}

	init := newTestInitializer(d, det, reg)
	err := init.Initialize(context.Background(), Request{
		SessionName: "agentmux-orc", Role: "orchestrator",
		ProjectPath: "/srv/p", PreserveOrchestrator: true,
	})

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, LevelAbort, f.Level)
	assert.Zero(t, d.count("kill:"))
	assert.Zero(t, d.count("create:"))
}

func TestAlreadyActiveFastPath(t *testing.T) {
	reg := newReg()
	reg.MarkActive("am-alice", "developer", "alice")
	d := &fakeDriver{}
	det := &fakeDetector{}

	init := newTestInitializer(d, det, reg)
	require.NoError(t, init.Initialize(context.Background(), Request{
		SessionName: "am-alice", Role: "developer",
	}))
	assert.Empty(t, d.callList())
}

func TestConcurrentInitializeRejectedAsBusy(t *testing.T) {
	reg := newReg()
	d := &fakeDriver{}
	det := &fakeDetector{interactive: func() bool { return true }}

	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	d.onSendKeys = func(string, []tmux.Key) error {
		once.Do(func() { close(blocked) })
		<-release
		return errors.New("boom")
	}

	init := New(slog.New(slog.DiscardHandler), d, det, reg, fakePrompts{}, testLaunchCmd,
		WithBudgets(50*time.Millisecond, 50*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond),
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)

	done := make(chan error, 1)
	go func() {
		done <- init.Initialize(context.Background(), Request{SessionName: "am-x", Role: "developer"})
	}()
	<-blocked

	err := init.Initialize(context.Background(), Request{SessionName: "am-x", Role: "developer"})
	assert.True(t, IsBusy(err))

	close(release)
	<-done
}

func TestCancelledMidLadderSendsEscape(t *testing.T) {
	reg := newReg()
	d := &fakeDriver{}
	det := &fakeDetector{interactive: func() bool { return true }}

	ctx, cancel := context.WithCancel(context.Background())
	d.onSendKeys = func(_ string, keys []tmux.Key) error {
		// Cancel while the prompt is in flight; the wait after it
		// observes the cancellation.
		cancel()
		return nil
	}

	init := newTestInitializer(d, det, reg)
	err := init.Initialize(ctx, Request{SessionName: "am-alice", Role: "developer"})

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ReasonCancelled, f.Reason)
	assert.Contains(t, d.callList(), "send:am-alice:Escape")
}
