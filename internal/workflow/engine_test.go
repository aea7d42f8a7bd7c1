package workflow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/initializer"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/roster"
	"github.com/agentmux/agentmux/internal/state"
	"github.com/agentmux/agentmux/internal/tmux"
)

const orcName = "agentmux-orc"

// fakeDriver tracks live sessions in memory and records every call.
type fakeDriver struct {
	mu       sync.Mutex
	sessions map[string]bool
	calls    []string
	sendErr  map[string]error
}

func newFakeDriver(live ...string) *fakeDriver {
	d := &fakeDriver{sessions: make(map[string]bool), sendErr: make(map[string]error)}
	for _, s := range live {
		d.sessions[s] = true
	}
	return d
}

func (d *fakeDriver) record(call string) {
	d.calls = append(d.calls, call)
}

func (d *fakeDriver) SessionExists(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("exists:" + name)
	return d.sessions[name], nil
}

func (d *fakeDriver) CreateSession(_ context.Context, name, _, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("create:" + name)
	d.sessions[name] = true
	return nil
}

func (d *fakeDriver) SendKeys(_ context.Context, name string, keys []tmux.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("send:" + name)
	if err := d.sendErr[name]; err != nil {
		return err
	}
	for _, k := range keys {
		if k.IsLiteral() {
			d.record("payload:" + name + ":" + k.String())
		}
	}
	return nil
}

func (d *fakeDriver) count(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (d *fakeDriver) payloads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		if strings.HasPrefix(c, "payload:") {
			out = append(out, c)
		}
	}
	return out
}

// fakeInit simulates the initializer: by default it activates the agent
// in the registry, like a real agent calling the register endpoint.
type fakeInit struct {
	reg  *registry.Registry
	fail map[string]error
	hook func(req initializer.Request)
}

func (f *fakeInit) Initialize(_ context.Context, req initializer.Request) error {
	if f.hook != nil {
		f.hook(req)
	}
	if err := f.fail[req.SessionName]; err != nil {
		return err
	}
	f.reg.MarkActive(req.SessionName, req.Role, req.MemberID)
	return nil
}

// memStore is an in-memory history store.
type memStore struct {
	mu    sync.Mutex
	execs map[string]Execution
}

func newMemStore() *memStore { return &memStore{execs: make(map[string]Execution)} }

func (s *memStore) SaveExecution(_ context.Context, e Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[e.ID] = e
	return nil
}

func (s *memStore) GetExecution(_ context.Context, id string) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[id], nil
}

func (s *memStore) ListExecutions(context.Context) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Execution, 0, len(s.execs))
	for _, e := range s.execs {
		out = append(out, e)
	}
	return out, nil
}

// memStates records member snapshot writes.
type memStates struct {
	mu      sync.Mutex
	members map[string]state.Member
}

func newMemStates() *memStates { return &memStates{members: make(map[string]state.Member)} }

func (s *memStates) SetMember(teamID string, m state.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[teamID+"/"+m.ID] = m
	return nil
}

func testRoster() *roster.Roster {
	return &roster.Roster{
		Projects: []roster.Project{{
			ID: "demo", Name: "Demo", Path: "/srv/projects/demo",
			Requirements: "Ship it.",
		}},
		Teams: []roster.Team{{
			ID: "t1", Name: "Team One",
			Members: []roster.Member{
				{ID: "alice", Name: "Alice", Role: "developer", SessionName: "am-alice"},
				{ID: "bob", Name: "Bob", Role: "qa", SessionName: "am-bob"},
			},
		}},
	}
}

type fixture struct {
	engine *Engine
	driver *fakeDriver
	reg    *registry.Registry
	init   *fakeInit
	store  *memStore
	states *memStates
	bus    *bus.Bus
}

func newFixture(t *testing.T, driver *fakeDriver) *fixture {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	reg := registry.New(log, orcName, nil)
	init := &fakeInit{reg: reg, fail: make(map[string]error)}
	store := newMemStore()
	states := newMemStates()
	b := bus.New(log)
	eng := NewEngine(log, driver, init, reg, testRoster(), states, b, store, orcName,
		WithTimeouts(200*time.Millisecond, 200*time.Millisecond, 300*time.Millisecond, 10*time.Millisecond))
	return &fixture{engine: eng, driver: driver, reg: reg, init: init, store: store, states: states, bus: b}
}

func (f *fixture) startAndWait(t *testing.T) Execution {
	t.Helper()
	id, err := f.engine.StartProject(context.Background(), "demo", "t1")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := f.engine.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func stepByID(t *testing.T, exec Execution, id string) Step {
	t.Helper()
	for _, s := range exec.Steps {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("step %s not found", id)
	return Step{}
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, newFakeDriver())
	exec := f.startAndWait(t)

	assert.Equal(t, ExecSucceeded, exec.Status)
	for _, s := range exec.Steps {
		assert.Equal(t, StepSucceeded, s.Status, s.ID)
	}

	// Orchestrator plus both members exist and are registered.
	assert.Equal(t, 1, f.driver.count("create:"+orcName))
	assert.Equal(t, 1, f.driver.count("create:am-alice"))
	assert.Equal(t, 1, f.driver.count("create:am-bob"))
	for _, s := range []string{orcName, "am-alice", "am-bob"} {
		assert.True(t, f.reg.IsActive(s), s)
	}

	// The project prompt went to the orchestrator with the fixed headers.
	payloads := f.driver.payloads()
	require.NotEmpty(t, payloads)
	last := payloads[len(payloads)-1]
	assert.Contains(t, last, "payload:"+orcName+":")
	assert.Contains(t, last, "## Project: Demo")
	assert.Contains(t, last, "## Requirements")

	// Member snapshots ended active.
	f.states.mu.Lock()
	defer f.states.mu.Unlock()
	assert.Equal(t, state.StatusActive, f.states.members["t1/alice"].AgentStatus)
	assert.Equal(t, state.StatusActive, f.states.members["t1/bob"].AgentStatus)
}

func TestStepsRunInOrder(t *testing.T) {
	f := newFixture(t, newFakeDriver())
	exec := f.startAndWait(t)

	for i := 1; i < len(exec.Steps); i++ {
		prev, cur := exec.Steps[i-1], exec.Steps[i]
		require.NotNil(t, prev.FinishedAt, prev.ID)
		require.NotNil(t, cur.StartedAt, cur.ID)
		assert.False(t, cur.StartedAt.Before(*prev.FinishedAt),
			"%s started before %s finished", cur.ID, prev.ID)
	}
}

func TestOrchestratorAlreadyLiveSkipsCreate(t *testing.T) {
	f := newFixture(t, newFakeDriver(orcName))
	exec := f.startAndWait(t)

	assert.Equal(t, ExecSucceeded, exec.Status)
	assert.Equal(t, StepSucceeded, stepByID(t, exec, StepCheckOrchestrator).Status)
	assert.Equal(t, StepSkipped, stepByID(t, exec, StepCreateOrchestrator).Status)
	assert.Zero(t, f.driver.count("create:"+orcName))
}

func TestOrchestratorInitFailureAbortsExecution(t *testing.T) {
	f := newFixture(t, newFakeDriver())
	f.init.fail[orcName] = &initializer.Failure{Level: initializer.LevelAbort, Reason: initializer.ReasonTimedOut}

	exec := f.startAndWait(t)

	assert.Equal(t, ExecFailed, exec.Status)
	step3 := stepByID(t, exec, StepInitializeCLI)
	assert.Equal(t, StepFailed, step3.Status)
	assert.Contains(t, step3.Error, "TimedOut")
	for _, id := range []string{StepCreateTeamSessions, StepSendProjectPrompt, StepMonitorSetup} {
		assert.Equal(t, StepPending, stepByID(t, exec, id).Status, id)
	}
}

func TestPartialTeamFailure(t *testing.T) {
	f := newFixture(t, newFakeDriver())
	f.init.fail["am-bob"] = &initializer.Failure{Level: initializer.LevelAbort, Reason: initializer.ReasonTimedOut}

	exec := f.startAndWait(t)

	assert.Equal(t, ExecFailed, exec.Status)
	step4 := stepByID(t, exec, StepCreateTeamSessions)
	assert.Equal(t, StepFailed, step4.Status)
	assert.Contains(t, step4.Error, "bob")

	// Alice is left running and active; bob's session exists but never
	// registered.
	assert.True(t, f.reg.IsActive("am-alice"))
	assert.False(t, f.reg.IsActive("am-bob"))
	assert.Equal(t, 1, f.driver.count("create:am-bob"))
}

func TestCancelBetweenSteps(t *testing.T) {
	f := newFixture(t, newFakeDriver())

	var (
		idReady = make(chan struct{})
		execID  string
	)
	f.init.hook = func(req initializer.Request) {
		if req.Role == "orchestrator" {
			<-idReady
			assert.True(t, f.engine.Cancel(execID))
		}
	}

	id, err := f.engine.StartProject(context.Background(), "demo", "t1")
	require.NoError(t, err)
	execID = id
	close(idReady)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := f.engine.Wait(ctx, id)
	require.NoError(t, err)

	// The in-flight step finished; nothing after it started.
	assert.Equal(t, ExecCancelled, exec.Status)
	assert.Equal(t, StepSucceeded, stepByID(t, exec, StepInitializeCLI).Status)
	assert.Equal(t, StepPending, stepByID(t, exec, StepCreateTeamSessions).Status)
	assert.Zero(t, f.driver.count("create:am-alice"))

	// Cancelling a terminal execution is a no-op.
	assert.False(t, f.engine.Cancel(id))
}

func TestCancelUnknownExecution(t *testing.T) {
	f := newFixture(t, newFakeDriver())
	assert.False(t, f.engine.Cancel("nope"))
}

func TestIdempotentRestart(t *testing.T) {
	f := newFixture(t, newFakeDriver())
	first := f.startAndWait(t)
	require.Equal(t, ExecSucceeded, first.Status)

	// Reset the call log; sessions and registry state persist.
	f.driver.mu.Lock()
	f.driver.calls = nil
	f.driver.mu.Unlock()

	start := time.Now()
	second := f.startAndWait(t)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, ExecSucceeded, second.Status)
	for _, s := range second.Steps {
		assert.Contains(t, []string{StepSucceeded, StepSkipped}, s.Status, s.ID)
	}
	assert.Zero(t, f.driver.count("create:"))
	assert.Zero(t, f.driver.count("kill:"))
}

func TestEventsPublishedPerTransition(t *testing.T) {
	f := newFixture(t, newFakeDriver())
	ch := f.bus.Subscribe()
	defer f.bus.Unsubscribe(ch)

	exec := f.startAndWait(t)
	require.Equal(t, ExecSucceeded, exec.Status)

	var kinds, stepIDs []string
	var final string
collect:
	for {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
			if evt.Kind == bus.KindStep {
				stepIDs = append(stepIDs, evt.StepID)
			}
			if evt.Kind == bus.KindExecution {
				final = evt.Status
			}
			if evt.Kind == bus.KindExecution && evt.Status == ExecSucceeded {
				break collect
			}
		case <-time.After(time.Second):
			t.Fatal("missing terminal execution event")
		}
	}

	assert.Contains(t, kinds, bus.KindStep)
	assert.Contains(t, stepIDs, StepMonitorSetup)
	assert.Equal(t, ExecSucceeded, final)
}

func TestHistoryPersisted(t *testing.T) {
	f := newFixture(t, newFakeDriver())
	exec := f.startAndWait(t)

	stored, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecSucceeded, stored.Status)
	assert.Len(t, stored.Steps, 6)
}

func TestStartProjectUnknownIDs(t *testing.T) {
	f := newFixture(t, newFakeDriver())
	_, err := f.engine.StartProject(context.Background(), "nope", "t1")
	assert.Error(t, err)
	_, err = f.engine.StartProject(context.Background(), "demo", "nope")
	assert.Error(t, err)
}
