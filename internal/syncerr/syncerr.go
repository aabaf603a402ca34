// Package syncerr defines the error taxonomy shared by the sync engine, the
// collaboration session manager, and the change pipeline. Every error that
// crosses a component boundary unwraps to exactly one of the kind sentinels
// below, so callers branch with errors.Is regardless of which layer failed.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind sentinels. Use errors.Is(err, syncerr.ErrVersionConflict) to check.
var (
	// ErrNotFound: record, session, or change set absent. Recoverable.
	ErrNotFound = errors.New("not found")
	// ErrLockConflict: the target is already owned by another session.
	ErrLockConflict = errors.New("lock conflict")
	// ErrVersionConflict: the authoritative store detected a concurrent write.
	ErrVersionConflict = errors.New("version conflict")
	// ErrPreconditionFailed: a recorded old value no longer matches.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrTransport: network failure or timeout, retried with bounded backoff.
	ErrTransport = errors.New("transport failure")
	// ErrFatal: never auto-retried, surfaced directly to the user.
	ErrFatal = errors.New("fatal")
)

// Error carries the context a resolution UI needs to render a precise
// message: which operation failed, on which target, and the expected versus
// actual value when a version or precondition check failed.
type Error struct {
	Kind     error  // one of the kind sentinels
	Op       string // e.g. "sync.push", "changes.apply"
	Target   string // node ID, session ID, change set ID
	Expected string
	Actual   string
	Err      error // underlying cause, optional
}

// New builds an Error of the given kind.
func New(kind error, op, target string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Target: target, Err: cause}
}

// Mismatch builds an Error that records the expected and actual values.
func Mismatch(kind error, op, target, expected, actual string) *Error {
	return &Error{Kind: kind, Op: op, Target: target, Expected: expected, Actual: actual}
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	b.WriteString(e.Kind.Error())

	if e.Target != "" {
		fmt.Fprintf(&b, " (target %s)", e.Target)
	}

	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, ": expected %q, actual %q", e.Expected, e.Actual)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// kinds is ordered by severity: when an error chain matches several kinds
// (a fatal wrapper around a version conflict), the first match wins.
var kinds = []error{
	ErrFatal,
	ErrVersionConflict,
	ErrPreconditionFailed,
	ErrLockConflict,
	ErrNotFound,
	ErrTransport,
}

// KindOf returns the kind sentinel err unwraps to, or nil for errors outside
// the taxonomy.
func KindOf(err error) error {
	if err == nil {
		return nil
	}

	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}

	return nil
}

// Retryable reports whether err should be absorbed by a retry loop. Only
// transport failures qualify; every other kind propagates to the caller.
func Retryable(err error) bool {
	return KindOf(err) == ErrTransport
}
