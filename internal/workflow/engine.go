package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/initializer"
	"github.com/agentmux/agentmux/internal/prompt"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/roster"
	"github.com/agentmux/agentmux/internal/state"
	"github.com/agentmux/agentmux/internal/tmux"
)

// Default step deadlines.
const (
	defaultOrcInitDeadline    = 45 * time.Second
	defaultMemberInitDeadline = 60 * time.Second
	defaultMonitorDeadline    = 2 * time.Minute
	defaultMonitorPoll        = 2 * time.Second
)

// Driver is the subset of the terminal driver the engine needs.
type Driver interface {
	SessionExists(ctx context.Context, name string) (bool, error)
	CreateSession(ctx context.Context, name, workingDir, windowName string) error
	SendKeys(ctx context.Context, name string, keys []tmux.Key) error
}

// Initializer brings one agent up.
type Initializer interface {
	Initialize(ctx context.Context, req initializer.Request) error
}

// Registry answers activation queries.
type Registry interface {
	IsActive(sessionName string) bool
	Get(sessionName string) (registry.Record, bool)
}

// StateWriter records team member snapshots in the persisted state file.
type StateWriter interface {
	SetMember(teamID string, m state.Member) error
}

// Engine owns workflow executions. One goroutine per running execution;
// all bookkeeping goes through the engine mutex.
type Engine struct {
	log    *slog.Logger
	driver Driver
	init   Initializer
	reg    Registry
	roster *roster.Roster
	states StateWriter
	bus    *bus.Bus
	store  Store

	orcName     string
	preserveOrc bool

	orcInitDeadline    time.Duration
	memberInitDeadline time.Duration
	monitorDeadline    time.Duration
	monitorPoll        time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	executions map[string]*track
}

type track struct {
	exec      *Execution
	cancelled bool
	done      chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeouts overrides the step deadlines and the monitor poll
// interval. Used by tests.
func WithTimeouts(orcInit, memberInit, monitor, poll time.Duration) Option {
	return func(e *Engine) {
		e.orcInitDeadline = orcInit
		e.memberInitDeadline = memberInit
		e.monitorDeadline = monitor
		e.monitorPoll = poll
	}
}

// WithPreserveOrchestrator keeps the orchestrator session alive even
// when its initialization would otherwise escalate to recreation.
func WithPreserveOrchestrator(preserve bool) Option {
	return func(e *Engine) { e.preserveOrc = preserve }
}

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(log *slog.Logger, driver Driver, init Initializer, reg Registry, ros *roster.Roster, states StateWriter, b *bus.Bus, store Store, orchestratorSession string, opts ...Option) *Engine {
	e := &Engine{
		log:                log.With("component", "workflow"),
		driver:             driver,
		init:               init,
		reg:                reg,
		roster:             ros,
		states:             states,
		bus:                b,
		store:              store,
		orcName:            orchestratorSession,
		orcInitDeadline:    defaultOrcInitDeadline,
		memberInitDeadline: defaultMemberInitDeadline,
		monitorDeadline:    defaultMonitorDeadline,
		monitorPoll:        defaultMonitorPoll,
		now:                time.Now,
		sleep:              ctxSleep,
		executions:         make(map[string]*track),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// StartProject launches a new execution for (projectID, teamID) and
// returns its ID. The execution runs on its own goroutine; observe it
// via Get, Wait or the event bus.
func (e *Engine) StartProject(ctx context.Context, projectID, teamID string) (string, error) {
	project, err := e.roster.Project(projectID)
	if err != nil {
		return "", err
	}
	team, err := e.roster.Team(teamID)
	if err != nil {
		return "", err
	}

	exec := &Execution{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		TeamID:    teamID,
		Status:    ExecPending,
		StartedAt: e.now().UTC(),
		Steps: []Step{
			{ID: StepCheckOrchestrator, Label: "Check orchestrator session", Status: StepPending},
			{ID: StepCreateOrchestrator, Label: "Create orchestrator session", Status: StepPending},
			{ID: StepInitializeCLI, Label: "Initialize orchestrator CLI", Status: StepPending},
			{ID: StepCreateTeamSessions, Label: "Create team sessions", Status: StepPending},
			{ID: StepSendProjectPrompt, Label: "Send project prompt", Status: StepPending},
			{ID: StepMonitorSetup, Label: "Wait for team registration", Status: StepPending},
		},
	}

	t := &track{exec: exec, done: make(chan struct{})}
	e.mu.Lock()
	e.executions[exec.ID] = t
	e.mu.Unlock()

	e.persist(exec)
	e.publishExecution(exec, "")

	go e.run(t, project, team)
	return exec.ID, nil
}

// Get returns a snapshot of the execution.
func (e *Engine) Get(id string) (Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.executions[id]
	if !ok {
		return Execution{}, false
	}
	return snapshot(t.exec), true
}

// List returns snapshots of all executions known to this engine, newest
// first.
func (e *Engine) List() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Execution, 0, len(e.executions))
	for _, t := range e.executions {
		out = append(out, snapshot(t.exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel requests cancellation at the next step boundary. It returns
// false when the execution is unknown, already terminal, or already has
// a cancellation pending.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.executions[id]
	if !ok || t.exec.Terminal() || t.cancelled {
		return false
	}
	t.cancelled = true
	e.log.Info("cancellation requested", "execution", id)
	return true
}

// Wait blocks until the execution reaches a terminal status or ctx is
// done.
func (e *Engine) Wait(ctx context.Context, id string) (Execution, error) {
	e.mu.Lock()
	t, ok := e.executions[id]
	e.mu.Unlock()
	if !ok {
		return Execution{}, fmt.Errorf("unknown execution %q", id)
	}
	select {
	case <-t.done:
		exec, _ := e.Get(id)
		return exec, nil
	case <-ctx.Done():
		return Execution{}, ctx.Err()
	}
}

// run drives one execution through the fixed step list.
func (e *Engine) run(t *track, project roster.Project, team roster.Team) {
	defer close(t.done)
	ctx := context.Background()

	e.setExecStatus(t, ExecRunning, "")

	rs := &runState{project: project, team: team}
	steps := []struct {
		id string
		fn func(context.Context, *runState) stepResult
	}{
		{StepCheckOrchestrator, e.stepCheckOrchestrator},
		{StepCreateOrchestrator, e.stepCreateOrchestrator},
		{StepInitializeCLI, e.stepInitializeCLI},
		{StepCreateTeamSessions, e.stepCreateTeamSessions},
		{StepSendProjectPrompt, e.stepSendProjectPrompt},
		{StepMonitorSetup, e.stepMonitorSetup},
	}

	for _, s := range steps {
		if e.cancelRequested(t) {
			e.setExecStatus(t, ExecCancelled, "cancelled before "+s.id)
			return
		}

		e.setStep(t, s.id, StepRunning, "", "")
		res := s.fn(ctx, rs)
		e.setStep(t, s.id, res.status, res.err, res.detail)

		if res.status == StepFailed {
			e.setExecStatus(t, ExecFailed, res.err)
			return
		}
	}

	e.setExecStatus(t, ExecSucceeded, "")
}

type runState struct {
	project roster.Project
	team    roster.Team
	orcLive bool
}

type stepResult struct {
	status string
	err    string
	detail string
}

func succeeded(detail string) stepResult { return stepResult{status: StepSucceeded, detail: detail} }
func skipped(detail string) stepResult   { return stepResult{status: StepSkipped, detail: detail} }
func failed(err string) stepResult       { return stepResult{status: StepFailed, err: err} }

func (e *Engine) stepCheckOrchestrator(ctx context.Context, rs *runState) stepResult {
	live, err := e.driver.SessionExists(ctx, e.orcName)
	if err != nil {
		return failed("checking orchestrator session: " + err.Error())
	}
	rs.orcLive = live
	if live {
		return succeeded("orchestrator session already live")
	}
	return succeeded("orchestrator session absent")
}

func (e *Engine) stepCreateOrchestrator(ctx context.Context, rs *runState) stepResult {
	if rs.orcLive {
		return skipped("orchestrator session already live")
	}
	if err := e.driver.CreateSession(ctx, e.orcName, rs.project.Path, "orchestrator"); err != nil {
		return failed("creating orchestrator session: " + err.Error())
	}
	return succeeded("")
}

func (e *Engine) stepInitializeCLI(ctx context.Context, rs *runState) stepResult {
	ctx, cancel := context.WithTimeout(ctx, e.orcInitDeadline)
	defer cancel()
	err := e.init.Initialize(ctx, initializer.Request{
		SessionName:          e.orcName,
		Role:                 "orchestrator",
		ProjectPath:          rs.project.Path,
		PreserveOrchestrator: e.preserveOrc,
	})
	if err != nil {
		return failed("Timed out waiting for orchestrator CLI: " + err.Error())
	}
	return succeeded("")
}

// stepCreateTeamSessions brings up every member concurrently. Partial
// failures fail the step but leave successful members running.
func (e *Engine) stepCreateTeamSessions(ctx context.Context, rs *runState) stepResult {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []string
	)
	for _, member := range rs.team.Members {
		wg.Add(1)
		go func(m roster.Member) {
			defer wg.Done()
			if err := e.bringUpMember(ctx, rs, m); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", m.ID, err))
				mu.Unlock()
			}
		}(member)
	}
	wg.Wait()

	if len(failures) > 0 {
		return failed("team member initialization failed: " + strings.Join(failures, "; "))
	}
	return succeeded(fmt.Sprintf("%d members active", len(rs.team.Members)))
}

func (e *Engine) bringUpMember(ctx context.Context, rs *runState, m roster.Member) error {
	ctx, cancel := context.WithTimeout(ctx, e.memberInitDeadline)
	defer cancel()

	live, err := e.driver.SessionExists(ctx, m.SessionName)
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	if !live {
		if err := e.driver.CreateSession(ctx, m.SessionName, rs.project.Path, m.Role); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
	}

	e.recordMember(rs.team.ID, m, state.StatusActivating, nil)

	err = e.init.Initialize(ctx, initializer.Request{
		SessionName: m.SessionName,
		Role:        m.Role,
		MemberID:    m.ID,
		ProjectPath: rs.project.Path,
		PromptPath:  m.PromptPath,
	})
	if err != nil {
		return err
	}

	var readyAt *time.Time
	if rec, ok := e.reg.Get(m.SessionName); ok {
		readyAt = rec.ReadyAt
	}
	e.recordMember(rs.team.ID, m, state.StatusActive, readyAt)
	return nil
}

func (e *Engine) recordMember(teamID string, m roster.Member, status string, readyAt *time.Time) {
	err := e.states.SetMember(teamID, state.Member{
		ID:            m.ID,
		SessionName:   m.SessionName,
		Role:          m.Role,
		AgentStatus:   status,
		WorkingStatus: state.WorkingIdle,
		ReadyAt:       readyAt,
	})
	if err != nil {
		e.log.Error("recording member state failed", "member", m.ID, "error", err)
	}
}

func (e *Engine) stepSendProjectPrompt(ctx context.Context, rs *runState) stepResult {
	text := prompt.ProjectStart(rs.project, rs.team)
	if err := e.driver.SendKeys(ctx, e.orcName, []tmux.Key{tmux.Literal(text), tmux.Enter}); err != nil {
		return failed("delivering project prompt: " + err.Error())
	}
	return succeeded("")
}

// stepMonitorSetup polls the registry until the orchestrator and every
// member report active, or the deadline passes.
func (e *Engine) stepMonitorSetup(ctx context.Context, rs *runState) stepResult {
	deadline := e.now().Add(e.monitorDeadline)
	for {
		if missing := e.missingAgents(rs); len(missing) == 0 {
			return succeeded("all agents active")
		} else if !e.now().Before(deadline) {
			return failed("Timed out waiting for agents to register: " + strings.Join(missing, ", "))
		}
		if err := e.sleep(ctx, e.monitorPoll); err != nil {
			return failed("monitoring interrupted: " + err.Error())
		}
	}
}

func (e *Engine) missingAgents(rs *runState) []string {
	var missing []string
	if !e.reg.IsActive(e.orcName) {
		missing = append(missing, e.orcName)
	}
	for _, m := range rs.team.Members {
		if !e.reg.IsActive(m.SessionName) {
			missing = append(missing, m.SessionName)
		}
	}
	return missing
}

func (e *Engine) cancelRequested(t *track) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.cancelled
}

// setStep transitions one step, persists the execution and publishes the
// step event.
func (e *Engine) setStep(t *track, stepID, status, errMsg, detail string) {
	e.mu.Lock()
	now := e.now().UTC()
	for i := range t.exec.Steps {
		if t.exec.Steps[i].ID != stepID {
			continue
		}
		s := &t.exec.Steps[i]
		s.Status = status
		if status == StepRunning {
			s.StartedAt = &now
		} else {
			if s.StartedAt == nil {
				s.StartedAt = &now
			}
			s.FinishedAt = &now
		}
		s.Error = errMsg
		s.Detail = detail
		break
	}
	exec := snapshot(t.exec)
	e.mu.Unlock()

	e.persist(&exec)
	e.bus.Publish(bus.Event{
		Ts:          now,
		ExecutionID: exec.ID,
		StepID:      stepID,
		Kind:        bus.KindStep,
		Status:      status,
		Detail:      firstNonEmpty(errMsg, detail),
	})
}

func (e *Engine) setExecStatus(t *track, status, detail string) {
	e.mu.Lock()
	now := e.now().UTC()
	t.exec.Status = status
	if t.exec.Terminal() {
		t.exec.FinishedAt = &now
	}
	exec := snapshot(t.exec)
	e.mu.Unlock()

	e.persist(&exec)
	e.publishExecution(&exec, detail)

	if exec.Terminal() {
		e.log.Info("execution finished", "execution", exec.ID,
			"project", exec.ProjectID, "team", exec.TeamID, "status", status)
	}
}

func (e *Engine) publishExecution(exec *Execution, detail string) {
	e.bus.Publish(bus.Event{
		Ts:          e.now().UTC(),
		ExecutionID: exec.ID,
		Kind:        bus.KindExecution,
		Status:      exec.Status,
		Detail:      detail,
	})
}

// persist writes through to the history store. Store failures are logged
// and never fail the workflow.
func (e *Engine) persist(exec *Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveExecution(ctx, *exec); err != nil {
		e.log.Error("persisting execution failed", "execution", exec.ID, "error", err)
	}
}

func snapshot(exec *Execution) Execution {
	out := *exec
	out.Steps = append([]Step(nil), exec.Steps...)
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
