// Package detector decides whether an interactive AI CLI is running in a
// tmux session. It never inspects pane text for CLI-specific strings;
// instead it uses the slash-probe protocol: send `/`, watch the pane grow
// (the CLI opens a command palette, a bare shell does not), then send
// Escape to close whatever opened.
package detector

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/tmux"
)

const (
	defaultSettleDelay     = 400 * time.Millisecond
	defaultGrowthThreshold = 3
	defaultCacheTTL        = 2 * time.Second

	// captureLines is the pane window compared before and after the probe.
	captureLines = 50
	// tailWindow is how close to the end of the after-capture the previous
	// content must still sit for the growth to count as palette expansion.
	tailWindow = 200
)

// PaneDriver is the subset of the terminal driver the detector needs.
type PaneDriver interface {
	CapturePane(ctx context.Context, name string, lastN int) (string, error)
	SendKeys(ctx context.Context, name string, keys []tmux.Key) error
}

type cacheEntry struct {
	interactive bool
	takenAt     time.Time
}

// Detector probes sessions and memoizes results per session name.
type Detector struct {
	log    *slog.Logger
	driver PaneDriver

	settle    time.Duration
	threshold int
	ttl       time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Option configures a Detector.
type Option func(*Detector)

// WithSettleDelay overrides the pause between sending `/` and re-capturing.
func WithSettleDelay(d time.Duration) Option {
	return func(det *Detector) { det.settle = d }
}

// WithCacheTTL overrides how long probe results are memoized.
func WithCacheTTL(d time.Duration) Option {
	return func(det *Detector) { det.ttl = d }
}

// WithGrowthThreshold overrides the minimum byte growth that counts as a
// palette opening.
func WithGrowthThreshold(n int) Option {
	return func(det *Detector) { det.threshold = n }
}

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(det *Detector) { det.now = now }
}

// WithSleep replaces the settle sleep. Used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(det *Detector) { det.sleep = sleep }
}

// New creates a Detector over the given driver.
func New(log *slog.Logger, driver PaneDriver, opts ...Option) *Detector {
	d := &Detector{
		log:       log.With("component", "detector"),
		driver:    driver,
		settle:    defaultSettleDelay,
		threshold: defaultGrowthThreshold,
		ttl:       defaultCacheTTL,
		now:       time.Now,
		sleep:     ctxSleep,
		cache:     make(map[string]cacheEntry),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// IsCLIInteractive reports whether the AI CLI appears to be at its
// interactive prompt in the named session. Failures are never surfaced;
// an inconclusive probe is false.
func (d *Detector) IsCLIInteractive(ctx context.Context, name string) bool {
	if v, ok := d.cached(name); ok {
		return v
	}

	before, err := d.driver.CapturePane(ctx, name, captureLines)
	if err != nil {
		d.reportFailure(name, "capture before probe", err)
		return false
	}

	if err := d.driver.SendKeys(ctx, name, []tmux.Key{tmux.Slash}); err != nil {
		d.reportFailure(name, "send probe key", err)
		return false
	}

	if err := d.sleep(ctx, d.settle); err != nil {
		// Cancelled mid-probe: still try to close any opened palette.
		d.sendEscape(name)
		return false
	}

	after, err := d.driver.CapturePane(ctx, name, captureLines)
	if err != nil {
		if !tmux.IsNotFound(err) {
			d.sendEscape(name)
		}
		d.reportFailure(name, "capture after probe", err)
		return false
	}

	// Escape is sent on both branches so the pane ends up idle either way.
	d.sendEscape(name)

	interactive := len(after) > len(before)+d.threshold && preserved(before, after)
	d.store(name, interactive)
	return interactive
}

// Invalidate drops the memoized result for the session. Called after any
// state-changing action on the session.
func (d *Detector) Invalidate(name string) {
	d.mu.Lock()
	delete(d.cache, name)
	d.mu.Unlock()
}

func (d *Detector) cached(name string) (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.cache[name]
	if !ok || d.now().Sub(e.takenAt) > d.ttl {
		delete(d.cache, name)
		return false, false
	}
	return e.interactive, true
}

func (d *Detector) store(name string, interactive bool) {
	d.mu.Lock()
	d.cache[name] = cacheEntry{interactive: interactive, takenAt: d.now()}
	d.mu.Unlock()
}

func (d *Detector) sendEscape(name string) {
	if err := d.driver.SendKeys(context.Background(), name, []tmux.Key{tmux.Escape}); err != nil {
		d.log.Debug("escape after probe failed", "session", name, "error", err)
	}
}

func (d *Detector) reportFailure(name, stage string, err error) {
	if tmux.IsNotFound(err) {
		d.log.Debug("probe target gone", "session", name, "stage", stage)
		return
	}
	d.log.Warn("probe inconclusive", "session", name, "stage", stage, "error", err)
}

// preserved reports whether before survived into after: either as a prefix
// or ending within the last tailWindow bytes. This distinguishes a palette
// opening below existing content from unrelated screen repaints.
func preserved(before, after string) bool {
	if before == "" {
		return true
	}
	if strings.HasPrefix(after, before) {
		return true
	}
	idx := strings.LastIndex(after, before)
	return idx >= 0 && len(after)-(idx+len(before)) <= tailWindow
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
