// Package tmux is the terminal driver: a narrow adapter over the tmux
// executable. Every operation shells out through exactly one `sh -c`
// child process; this package is the only place user-provided strings
// are quoted for the shell.
package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const defaultCommandTimeout = 5 * time.Second

// Key is one element of a send-keys payload: either a literal string
// delivered byte-for-byte, or a named tmux key token such as Enter.
type Key struct {
	value   string
	literal bool
}

// Literal returns a key that is sent as literal text (`send-keys -l`).
func Literal(s string) Key { return Key{value: s, literal: true} }

// Token returns a named key token (`Enter`, `Escape`, `C-c`, `/`).
func Token(name string) Key { return Key{value: name} }

// String returns the literal text or token name.
func (k Key) String() string { return k.value }

// IsLiteral reports whether the key is literal text rather than a token.
func (k Key) IsLiteral() bool { return k.literal }

// Common key tokens.
var (
	Enter  = Token("Enter")
	Escape = Token("Escape")
	CtrlC  = Token("C-c")
	Slash  = Token("/")
)

// SessionInfo describes one live tmux session.
type SessionInfo struct {
	Name        string
	CreatedAt   time.Time
	Attached    bool
	WindowCount int
}

// Client invokes the tmux CLI. Safe for concurrent use; it holds no
// mutable state beyond configuration.
type Client struct {
	log     *slog.Logger
	timeout time.Duration
	run     Runner
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-invocation wall-clock timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRunner replaces the shell runner. Used by tests.
func WithRunner(r Runner) Option {
	return func(c *Client) { c.run = r }
}

// NewClient creates a tmux client.
func NewClient(log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		log:     log.With("component", "tmux"),
		timeout: defaultCommandTimeout,
		run:     shellRunner,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionExists reports whether the named session is live.
func (c *Client) SessionExists(ctx context.Context, name string) (bool, error) {
	if err := validateName("has-session", name); err != nil {
		return false, err
	}
	_, stderr, err := c.invoke(ctx, "tmux has-session -t "+quote(name))
	if err == nil {
		return true, nil
	}
	cerr := c.classify("has-session", stderr, err)
	if IsNotFound(cerr) {
		return false, nil
	}
	return false, cerr
}

// CreateSession creates a detached session rooted at workingDir. The
// optional windowName renames the initial window.
func (c *Client) CreateSession(ctx context.Context, name, workingDir, windowName string) error {
	if err := validateName("new-session", name); err != nil {
		return err
	}
	if strings.ContainsFunc(workingDir, isControl) {
		return newError(KindBadName, "new-session", "working directory contains control characters")
	}
	script := "tmux new-session -d -s " + quote(name)
	if workingDir != "" {
		script += " -c " + quote(workingDir)
	}
	if windowName != "" {
		if err := validateName("new-session", windowName); err != nil {
			return err
		}
		script += " && tmux rename-window -t " + quote(name) + " " + quote(windowName)
	}
	_, stderr, err := c.invoke(ctx, script)
	if err != nil {
		return c.classify("new-session", stderr, err)
	}
	c.log.Info("session created", "session", name, "dir", workingDir)
	return nil
}

// KillSession destroys the named session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	if err := validateName("kill-session", name); err != nil {
		return err
	}
	_, stderr, err := c.invoke(ctx, "tmux kill-session -t "+quote(name))
	if err != nil {
		return c.classify("kill-session", stderr, err)
	}
	c.log.Info("session killed", "session", name)
	return nil
}

// SendKeys delivers the key array to the session as one invocation.
// Literal elements are sent with `-l --`; tokens are sent bare. Enter is
// appended only when the caller placed the Enter token in the array.
func (c *Client) SendKeys(ctx context.Context, name string, keys []Key) error {
	if err := validateName("send-keys", name); err != nil {
		return err
	}
	if len(keys) == 0 {
		return newError(KindBadName, "send-keys", "empty key array")
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.literal {
			parts = append(parts, "tmux send-keys -t "+quote(name)+" -l -- "+quote(k.value))
			continue
		}
		if !validToken(k.value) {
			return newError(KindBadName, "send-keys", fmt.Sprintf("invalid key token %q", k.value))
		}
		parts = append(parts, "tmux send-keys -t "+quote(name)+" "+k.value)
	}
	_, stderr, err := c.invoke(ctx, strings.Join(parts, " && "))
	if err != nil {
		return c.classify("send-keys", stderr, err)
	}
	return nil
}

// CapturePane returns the last lastN lines of the session's pane.
func (c *Client) CapturePane(ctx context.Context, name string, lastN int) (string, error) {
	if err := validateName("capture-pane", name); err != nil {
		return "", err
	}
	if lastN <= 0 {
		return "", newError(KindBadName, "capture-pane", "lastN must be positive")
	}
	script := "tmux capture-pane -p -t " + quote(name) + " -S -" + strconv.Itoa(lastN)
	out, stderr, err := c.invoke(ctx, script)
	if err != nil {
		return "", c.classify("capture-pane", stderr, err)
	}
	return out, nil
}

const listFormat = "#{session_name}\t#{session_created}\t#{session_attached}\t#{session_windows}"

// ListSessions returns all live sessions. A missing tmux server yields an
// empty list, not an error.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, stderr, err := c.invoke(ctx, "tmux list-sessions -F "+quote(listFormat))
	if err != nil {
		cerr := c.classify("list-sessions", stderr, err)
		if IsNotFound(cerr) {
			return nil, nil
		}
		return nil, cerr
	}
	var sessions []SessionInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			continue
		}
		created, _ := strconv.ParseInt(fields[1], 10, 64)
		attached, _ := strconv.Atoi(fields[2])
		windows, _ := strconv.Atoi(fields[3])
		sessions = append(sessions, SessionInfo{
			Name:        fields[0],
			CreatedAt:   time.Unix(created, 0),
			Attached:    attached > 0,
			WindowCount: windows,
		})
	}
	return sessions, nil
}

func (c *Client) invoke(ctx context.Context, script string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.run(ctx, script)
}

func (c *Client) classify(op, stderr string, err error) error {
	if err == errKilled {
		c.log.Warn("command timed out", "op", op, "timeout", c.timeout)
		return newError(KindTimeout, op, fmt.Sprintf("killed after %s", c.timeout))
	}
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "can't find session"),
		strings.Contains(lower, "session not found"),
		strings.Contains(lower, "no server running"),
		strings.Contains(lower, "error connecting to"):
		return newError(KindNotFound, op, msg)
	case strings.Contains(lower, "duplicate session"):
		return newError(KindAlreadyExists, op, msg)
	default:
		if msg == "" {
			msg = err.Error()
		}
		return newError(KindSpawnFailed, op, msg)
	}
}

// quote wraps s in single quotes, escaping embedded single quotes with
// the '\'' idiom.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// validateName rejects names that could break shell quoting or the tmux
// target syntax: empty, over 64 bytes, non-printable-ASCII, whitespace,
// or single quotes.
func validateName(op, name string) error {
	if name == "" {
		return newError(KindBadName, op, "empty session name")
	}
	if len(name) > 64 {
		return newError(KindBadName, op, "session name exceeds 64 bytes")
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if ch <= ' ' || ch >= 0x7f || ch == '\'' {
			return newError(KindBadName, op, fmt.Sprintf("illegal byte %q in session name", ch))
		}
	}
	return nil
}

func validToken(tok string) bool {
	if tok == "" {
		return false
	}
	for i := 0; i < len(tok); i++ {
		ch := tok[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_' || ch == '/':
		default:
			return false
		}
	}
	return true
}

func isControl(r rune) bool { return r < ' ' || r == 0x7f }
