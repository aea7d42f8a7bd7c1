// Package initializer brings the AI CLI in a tmux session to its
// interactive prompt and delivers the role's system prompt, escalating
// through increasingly destructive recovery levels when the session does
// not respond.
package initializer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/tmux"
)

// Default level budgets. The overall deadline is shared across levels;
// each level also has its own cap.
const (
	defaultL1Budget = 10 * time.Second
	defaultL2Budget = 20 * time.Second
	defaultL3Budget = 30 * time.Second
	defaultOverall  = 90 * time.Second

	// relaunchSettle is the pause after the C-c burst before relaunching.
	relaunchSettle = 1 * time.Second
	// probeInterval paces detector polls while waiting for the CLI to
	// come up after a relaunch or recreation.
	probeInterval = 500 * time.Millisecond
)

// Escalation levels, reported in Failure.
const (
	LevelDirectPrompt = 1
	LevelRelaunch     = 2
	LevelRecreate     = 3
	LevelAbort        = 4
)

// Driver is the subset of the terminal driver the initializer needs.
type Driver interface {
	CreateSession(ctx context.Context, name, workingDir, windowName string) error
	KillSession(ctx context.Context, name string) error
	SendKeys(ctx context.Context, name string, keys []tmux.Key) error
}

// Detector probes whether the CLI is at its interactive prompt.
type Detector interface {
	IsCLIInteractive(ctx context.Context, name string) bool
	Invalidate(name string)
}

// Registry is the activation source of truth. A level succeeds only when
// the registry shows the session active; pane content is never trusted.
type Registry interface {
	IsActive(sessionName string) bool
	MarkActivating(sessionName, role string)
	Remove(sessionName string)
	WaitActive(ctx context.Context, sessionName string, deadline time.Time) error
}

// Prompts renders role prompt templates.
type Prompts interface {
	RolePrompt(role, promptPath, sessionName, memberID string) (string, error)
}

// Request describes one agent to bring up.
type Request struct {
	SessionName string
	Role        string
	MemberID    string
	ProjectPath string
	// PromptPath overrides the role's default template file.
	PromptPath string
	// PreserveOrchestrator skips the kill-and-recreate level when the
	// request targets the orchestrator role.
	PreserveOrchestrator bool
}

// Initializer runs the escalation ladder. Safe for concurrent use across
// sessions; concurrent calls for the same session are rejected as Busy.
type Initializer struct {
	log      *slog.Logger
	driver   Driver
	detector Detector
	registry Registry
	prompts  Prompts

	// launchCommand starts the AI CLI with its non-interactive
	// permissions flag, typed into the pane followed by Enter.
	launchCommand string

	l1Budget time.Duration
	l2Budget time.Duration
	l3Budget time.Duration
	overall  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inFlight map[string]bool
}

// Option configures an Initializer.
type Option func(*Initializer)

// WithBudgets overrides the per-level and overall deadlines. Used by
// tests to keep the ladder fast.
func WithBudgets(l1, l2, l3, overall time.Duration) Option {
	return func(i *Initializer) {
		i.l1Budget, i.l2Budget, i.l3Budget, i.overall = l1, l2, l3, overall
	}
}

// WithOverall overrides only the overall deadline, leaving the
// per-level budgets at their defaults.
func WithOverall(d time.Duration) Option {
	return func(i *Initializer) {
		if d > 0 {
			i.overall = d
		}
	}
}

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(i *Initializer) { i.now = now }
}

// WithSleep replaces the settle sleeps. Used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(i *Initializer) { i.sleep = sleep }
}

// New creates an Initializer.
func New(log *slog.Logger, driver Driver, detector Detector, registry Registry, prompts Prompts, launchCommand string, opts ...Option) *Initializer {
	i := &Initializer{
		log:           log.With("component", "initializer"),
		driver:        driver,
		detector:      detector,
		registry:      registry,
		prompts:       prompts,
		launchCommand: launchCommand,
		l1Budget:      defaultL1Budget,
		l2Budget:      defaultL2Budget,
		l3Budget:      defaultL3Budget,
		overall:       defaultOverall,
		now:           time.Now,
		sleep:         ctxSleep,
		inFlight:      make(map[string]bool),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Initialize runs the ladder for req. It returns nil once the registry
// shows the session active, or a *Failure naming the level reached and
// the reason.
func (i *Initializer) Initialize(ctx context.Context, req Request) error {
	if !i.acquire(req.SessionName) {
		return &Failure{Reason: ReasonBusy}
	}
	defer i.release(req.SessionName)

	// Already active: nothing to do. This is what makes restarting a
	// project with a live team cheap.
	if i.registry.IsActive(req.SessionName) {
		return nil
	}

	overall := i.now().Add(i.overall)
	ctx, cancel := context.WithDeadline(ctx, overall)
	defer cancel()

	i.registry.MarkActivating(req.SessionName, req.Role)

	run := &ladderRun{init: i, req: req, overall: overall}
	levels := []struct {
		level  int
		budget time.Duration
		fn     func(context.Context, time.Time) error
	}{
		{LevelDirectPrompt, i.l1Budget, run.directPrompt},
		{LevelRelaunch, i.l2Budget, run.relaunch},
		{LevelRecreate, i.l3Budget, run.recreate},
	}

	lastReason := ReasonTimedOut
	for _, l := range levels {
		if err := ctx.Err(); err != nil {
			return run.abort(reasonFromContext(ctx))
		}
		if l.level == LevelRecreate && req.Role == "orchestrator" && req.PreserveOrchestrator {
			i.log.Info("skipping session recreation for preserved orchestrator",
				"session", req.SessionName)
			continue
		}

		deadline := i.now().Add(l.budget)
		if deadline.After(overall) {
			deadline = overall
		}
		err := l.fn(ctx, deadline)
		if err == nil {
			i.log.Info("agent initialized", "session", req.SessionName,
				"role", req.Role, "level", l.level)
			return nil
		}
		lastReason = classifyLevelErr(ctx, err)
		if lastReason == ReasonCancelled {
			// Leave the pane idle before giving up mid-escalation.
			run.escape()
			return run.abort(ReasonCancelled)
		}
		i.log.Warn("escalation level failed", "session", req.SessionName,
			"level", l.level, "reason", lastReason, "error", err)
	}

	return run.abort(lastReason)
}

func (i *Initializer) acquire(name string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.inFlight[name] {
		return false
	}
	i.inFlight[name] = true
	return true
}

func (i *Initializer) release(name string) {
	i.mu.Lock()
	delete(i.inFlight, name)
	i.mu.Unlock()
}

// ladderRun carries one Initialize invocation's state through the levels.
type ladderRun struct {
	init    *Initializer
	req     Request
	overall time.Time
}

// directPrompt is the non-destructive level: if the CLI already sits at
// its prompt, deliver the role prompt and wait for registration.
func (r *ladderRun) directPrompt(ctx context.Context, deadline time.Time) error {
	if !r.init.detector.IsCLIInteractive(ctx, r.req.SessionName) {
		return errNotInteractive
	}
	if err := r.sendPrompt(ctx); err != nil {
		return err
	}
	return r.init.registry.WaitActive(ctx, r.req.SessionName, deadline)
}

// relaunch interrupts whatever runs in the pane and starts the CLI anew.
func (r *ladderRun) relaunch(ctx context.Context, deadline time.Time) error {
	name := r.req.SessionName
	if err := r.init.driver.SendKeys(ctx, name, []tmux.Key{tmux.CtrlC, tmux.CtrlC, tmux.Enter}); err != nil {
		return err
	}
	r.init.detector.Invalidate(name)
	if err := r.init.sleep(ctx, relaunchSettle); err != nil {
		return err
	}
	return r.launchAndPrompt(ctx, deadline)
}

// recreate kills the session and rebuilds it from scratch in the
// project directory.
func (r *ladderRun) recreate(ctx context.Context, deadline time.Time) error {
	name := r.req.SessionName
	if err := r.init.driver.KillSession(ctx, name); err != nil && !tmux.IsNotFound(err) {
		return err
	}
	// The registry record dies with the session; for the orchestrator
	// this also flips the persisted slot to inactive before recreation.
	r.init.registry.Remove(name)
	r.init.detector.Invalidate(name)

	if err := r.init.driver.CreateSession(ctx, name, r.req.ProjectPath, ""); err != nil {
		return err
	}
	r.init.registry.MarkActivating(name, r.req.Role)
	r.init.detector.Invalidate(name)
	return r.launchAndPrompt(ctx, deadline)
}

// launchAndPrompt types the CLI launch command, waits for the prompt to
// come up, then delivers the role prompt and waits for registration.
func (r *ladderRun) launchAndPrompt(ctx context.Context, deadline time.Time) error {
	name := r.req.SessionName
	if err := r.init.driver.SendKeys(ctx, name, []tmux.Key{tmux.Literal(r.init.launchCommand), tmux.Enter}); err != nil {
		return err
	}
	r.init.detector.Invalidate(name)

	if err := r.waitInteractive(ctx, deadline); err != nil {
		return err
	}
	if err := r.sendPrompt(ctx); err != nil {
		return err
	}
	return r.init.registry.WaitActive(ctx, name, deadline)
}

func (r *ladderRun) waitInteractive(ctx context.Context, deadline time.Time) error {
	for {
		if r.init.detector.IsCLIInteractive(ctx, r.req.SessionName) {
			return nil
		}
		if !r.init.now().Add(probeInterval).Before(deadline) {
			return errNotInteractive
		}
		if err := r.init.sleep(ctx, probeInterval); err != nil {
			return err
		}
		r.init.detector.Invalidate(r.req.SessionName)
	}
}

func (r *ladderRun) sendPrompt(ctx context.Context) error {
	text, err := r.init.prompts.RolePrompt(r.req.Role, r.req.PromptPath, r.req.SessionName, r.req.MemberID)
	if err != nil {
		return err
	}
	err = r.init.driver.SendKeys(ctx, r.req.SessionName, []tmux.Key{tmux.Literal(text), tmux.Enter})
	r.init.detector.Invalidate(r.req.SessionName)
	return err
}

func (r *ladderRun) escape() {
	if err := r.init.driver.SendKeys(context.Background(), r.req.SessionName, []tmux.Key{tmux.Escape}); err != nil {
		r.init.log.Debug("escape on abort failed", "session", r.req.SessionName, "error", err)
	}
	r.init.detector.Invalidate(r.req.SessionName)
}

// abort records the terminal failure. The detector cache for the session
// is dropped so a later attempt starts from a fresh probe.
func (r *ladderRun) abort(reason Reason) error {
	r.init.detector.Invalidate(r.req.SessionName)
	r.init.log.Error("agent initialization aborted",
		"session", r.req.SessionName, "role", r.req.Role, "reason", reason)
	return &Failure{Level: LevelAbort, Reason: reason}
}

func reasonFromContext(ctx context.Context) Reason {
	if ctx.Err() == context.Canceled {
		return ReasonCancelled
	}
	return ReasonTimedOut
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
