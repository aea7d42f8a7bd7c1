// Package registry is the single source of truth for agent activation:
// has this session's agent finished booting and acknowledged its prompt.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/state"
)

// Activation statuses. Records only ever move forward through
// inactive -> activating -> active; Remove is the only way back.
const (
	StatusInactive   = state.StatusInactive
	StatusActivating = state.StatusActivating
	StatusActive     = state.StatusActive
)

// ErrWaitTimeout is returned by WaitActive when the deadline passes
// before the record becomes active.
var ErrWaitTimeout = errors.New("timed out waiting for agent to become active")

// Record is one session's activation state.
type Record struct {
	SessionName string
	Role        string
	MemberID    string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// ReadyAt is set when the record first becomes active and never
	// changes while the record lives.
	ReadyAt *time.Time
}

// Mirror receives orchestrator slot transitions. Satisfied by
// *state.File.
type Mirror interface {
	SetOrchestrator(sessionID, status string) error
}

// Registry tracks activation records in memory. All mutations and reads
// go through one mutex. The well-known orchestrator session, matched by
// name equality, is additionally mirrored to the persisted state file on
// every transition.
type Registry struct {
	log     *slog.Logger
	orcName string
	mirror  Mirror
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*Record
	// waiters holds per-session wake channels in arrival order.
	waiters map[string][]chan struct{}
}

// New creates a Registry. mirror may be nil when no persistence is
// wanted (tests).
func New(log *slog.Logger, orchestratorSession string, mirror Mirror) *Registry {
	return &Registry{
		log:     log.With("component", "registry"),
		orcName: orchestratorSession,
		mirror:  mirror,
		now:     time.Now,
		records: make(map[string]*Record),
		waiters: make(map[string][]chan struct{}),
	}
}

// WithClock replaces the time source. Used by tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// MarkActivating creates or updates the record to activating. An already
// active record is left untouched.
func (r *Registry) MarkActivating(sessionName, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionName]
	if !ok {
		now := r.now().UTC()
		rec = &Record{SessionName: sessionName, CreatedAt: now}
		r.records[sessionName] = rec
	}
	if rec.Status == StatusActive {
		return
	}
	rec.Role = role
	rec.Status = StatusActivating
	rec.UpdatedAt = r.now().UTC()
	r.mirrorLocked(sessionName, StatusActivating)
	r.log.Debug("agent activating", "session", sessionName, "role", role)
}

// MarkActive transitions the record to active, fixes readyAt, and wakes
// all waiters in arrival order. Calling it again on an active record is
// a no-op; a differing role on an active record is logged and ignored.
func (r *Registry) MarkActive(sessionName, role, memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	rec, ok := r.records[sessionName]
	if !ok {
		rec = &Record{SessionName: sessionName, CreatedAt: now}
		r.records[sessionName] = rec
	}
	if rec.Status == StatusActive {
		if role != "" && role != rec.Role {
			r.log.Warn("activation role conflict ignored",
				"session", sessionName, "have", rec.Role, "got", role)
		}
		return
	}
	rec.Role = role
	rec.MemberID = memberID
	rec.Status = StatusActive
	rec.UpdatedAt = now
	rec.ReadyAt = &now
	r.mirrorLocked(sessionName, StatusActive)
	r.log.Info("agent active", "session", sessionName, "role", role)

	for _, ch := range r.waiters[sessionName] {
		close(ch)
	}
	delete(r.waiters, sessionName)
}

// Get returns a copy of the record for sessionName.
func (r *Registry) Get(sessionName string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionName]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// IsActive reports whether the session's agent is active.
func (r *Registry) IsActive(sessionName string) bool {
	rec, ok := r.Get(sessionName)
	return ok && rec.Status == StatusActive
}

// Remove drops the record, typically after the session is killed.
// Pending waiters stay parked until their own deadlines.
func (r *Registry) Remove(sessionName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[sessionName]; !ok {
		return
	}
	delete(r.records, sessionName)
	r.mirrorLocked(sessionName, StatusInactive)
	r.log.Debug("agent record removed", "session", sessionName)
}

// WaitActive blocks until the session's record becomes active, the
// deadline passes (ErrWaitTimeout), or ctx is cancelled. Concurrent
// waiters on one session are all released by a single MarkActive, woken
// in arrival order.
func (r *Registry) WaitActive(ctx context.Context, sessionName string, deadline time.Time) error {
	r.mu.Lock()
	if rec, ok := r.records[sessionName]; ok && rec.Status == StatusActive {
		r.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	r.waiters[sessionName] = append(r.waiters[sessionName], ch)
	r.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		r.dropWaiter(sessionName, ch)
		return ErrWaitTimeout
	case <-ctx.Done():
		r.dropWaiter(sessionName, ch)
		return ctx.Err()
	}
}

// RegisterAgent is the inbound callback from a booted agent. Only
// status "active" mutates the registry; anything else is logged and
// dropped.
func (r *Registry) RegisterAgent(sessionName, role, memberID, status string) {
	if status != StatusActive {
		r.log.Warn("registration with non-active status ignored",
			"session", sessionName, "status", status)
		return
	}
	r.MarkActive(sessionName, role, memberID)
}

func (r *Registry) dropWaiter(sessionName string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := r.waiters[sessionName]
	for i, w := range ws {
		if w == ch {
			r.waiters[sessionName] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(r.waiters[sessionName]) == 0 {
		delete(r.waiters, sessionName)
	}
}

// mirrorLocked persists orchestrator transitions. Caller holds r.mu.
func (r *Registry) mirrorLocked(sessionName, status string) {
	if r.mirror == nil || sessionName != r.orcName {
		return
	}
	if err := r.mirror.SetOrchestrator(sessionName, status); err != nil {
		r.log.Error("mirroring orchestrator status failed",
			"session", sessionName, "status", status, "error", err)
	}
}
