package initializer

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/tmux"
)

// Reason classifies why the ladder gave up.
type Reason string

const (
	ReasonTimedOut    Reason = "TimedOut"
	ReasonBusy        Reason = "Busy"
	ReasonCancelled   Reason = "Cancelled"
	ReasonDriverError Reason = "DriverError"
)

// Failure is the terminal error of an Initialize call. Level is the
// escalation level reached (LevelAbort after a full ladder run, zero for
// Busy rejections).
type Failure struct {
	Level  int
	Reason Reason
}

func (f *Failure) Error() string {
	if f.Reason == ReasonBusy {
		return "initialization already in progress"
	}
	return fmt.Sprintf("initialization failed at L%d: %s", f.Level, f.Reason)
}

// IsBusy reports whether err is a Busy rejection.
func IsBusy(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Reason == ReasonBusy
}

// errNotInteractive marks a level that never saw the CLI prompt.
var errNotInteractive = errors.New("cli not interactive")

func classifyLevelErr(ctx context.Context, err error) Reason {
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		return ReasonCancelled
	case errors.Is(err, errNotInteractive),
		errors.Is(err, registry.ErrWaitTimeout),
		errors.Is(err, context.DeadlineExceeded),
		tmux.IsTimeout(err):
		return ReasonTimedOut
	default:
		return ReasonDriverError
	}
}
