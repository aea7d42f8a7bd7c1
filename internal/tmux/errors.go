package tmux

import (
	"errors"
	"fmt"
)

// ErrorKind classifies driver failures.
type ErrorKind string

const (
	// KindTimeout means the tmux child process exceeded the wall-clock budget
	// and was killed.
	KindTimeout ErrorKind = "timeout"
	// KindNotFound means tmux reported that the target session does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindAlreadyExists means tmux refused to create a duplicate session.
	KindAlreadyExists ErrorKind = "already_exists"
	// KindSpawnFailed means the shell child could not be started or exited
	// with an unrecognized failure.
	KindSpawnFailed ErrorKind = "spawn_failed"
	// KindBadName means a session name, window name, or argument was rejected
	// before any child process was spawned.
	KindBadName ErrorKind = "bad_name"
)

// Error is the driver's error type. Callers inspect Kind via errors.As or
// the Is* helpers.
type Error struct {
	Kind   ErrorKind
	Op     string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("tmux %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("tmux %s: %s: %s", e.Op, e.Kind, e.Detail)
}

func newError(kind ErrorKind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// IsNotFound reports whether err is a driver error with KindNotFound.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsTimeout reports whether err is a driver error with KindTimeout.
func IsTimeout(err error) bool { return hasKind(err, KindTimeout) }

// IsAlreadyExists reports whether err is a driver error with KindAlreadyExists.
func IsAlreadyExists(err error) bool { return hasKind(err, KindAlreadyExists) }

// IsBadName reports whether err is a driver error with KindBadName.
func IsBadName(err error) bool { return hasKind(err, KindBadName) }

func hasKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
