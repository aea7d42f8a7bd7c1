package registry

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	mu          sync.Mutex
	transitions []string
}

func (m *fakeMirror) SetOrchestrator(sessionID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, sessionID+":"+status)
	return nil
}

func newTestRegistry(mirror Mirror) *Registry {
	return New(slog.New(slog.DiscardHandler), "agentmux-orc", mirror)
}

func TestForwardOnlyTransitions(t *testing.T) {
	r := newTestRegistry(nil)

	r.MarkActivating("am-alice", "developer")
	rec, ok := r.Get("am-alice")
	require.True(t, ok)
	assert.Equal(t, StatusActivating, rec.Status)
	assert.Nil(t, rec.ReadyAt)

	r.MarkActive("am-alice", "developer", "alice")
	rec, _ = r.Get("am-alice")
	assert.Equal(t, StatusActive, rec.Status)
	require.NotNil(t, rec.ReadyAt)
	ready := *rec.ReadyAt

	// Active never moves backwards except via Remove.
	r.MarkActivating("am-alice", "developer")
	rec, _ = r.Get("am-alice")
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, ready, *rec.ReadyAt)

	r.Remove("am-alice")
	_, ok = r.Get("am-alice")
	assert.False(t, ok)
}

func TestMarkActiveIdempotent(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	r := newTestRegistry(nil).WithClock(func() time.Time { return now })

	r.MarkActive("am-alice", "developer", "alice")
	first, _ := r.Get("am-alice")

	now = now.Add(time.Minute)
	r.MarkActive("am-alice", "developer", "alice")
	second, _ := r.Get("am-alice")
	assert.Equal(t, *first.ReadyAt, *second.ReadyAt)

	// Role conflict on an active record is accepted as a no-op.
	r.MarkActive("am-alice", "qa", "alice")
	third, _ := r.Get("am-alice")
	assert.Equal(t, "developer", third.Role)
}

func TestWaitActiveReleasedByMarkActive(t *testing.T) {
	r := newTestRegistry(nil)

	done := make(chan error, 1)
	go func() {
		done <- r.WaitActive(context.Background(), "am-bob", time.Now().Add(5*time.Second))
	}()

	// Give the waiter a moment to park.
	time.Sleep(20 * time.Millisecond)
	r.MarkActive("am-bob", "qa", "bob")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

func TestWaitActiveMultipleWaiters(t *testing.T) {
	r := newTestRegistry(nil)

	const n = 4
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			done <- r.WaitActive(context.Background(), "am-bob", time.Now().Add(5*time.Second))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	r.MarkActive("am-bob", "qa", "bob")

	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("not all waiters released")
		}
	}
}

func TestWaitActiveAlreadyActive(t *testing.T) {
	r := newTestRegistry(nil)
	r.MarkActive("am-bob", "qa", "bob")
	assert.NoError(t, r.WaitActive(context.Background(), "am-bob", time.Now()))
}

func TestWaitActiveTimeout(t *testing.T) {
	r := newTestRegistry(nil)
	err := r.WaitActive(context.Background(), "am-ghost", time.Now().Add(10*time.Millisecond))
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitActiveCancelled(t *testing.T) {
	r := newTestRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.WaitActive(ctx, "am-ghost", time.Now().Add(5*time.Second))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOrchestratorMirroredByNameEquality(t *testing.T) {
	mirror := &fakeMirror{}
	r := newTestRegistry(mirror)

	r.MarkActivating("agentmux-orc", "orchestrator")
	r.MarkActive("agentmux-orc", "orchestrator", "")
	r.MarkActive("am-alice", "developer", "alice")
	r.Remove("agentmux-orc")

	assert.Equal(t, []string{
		"agentmux-orc:activating",
		"agentmux-orc:active",
		"agentmux-orc:inactive",
	}, mirror.transitions)
}

func TestRegisterAgent(t *testing.T) {
	r := newTestRegistry(nil)

	r.RegisterAgent("am-alice", "developer", "alice", "activating")
	_, ok := r.Get("am-alice")
	assert.False(t, ok, "non-active registration must not create a record")

	r.RegisterAgent("am-alice", "developer", "alice", StatusActive)
	assert.True(t, r.IsActive("am-alice"))
}
