// Package errs defines the core's error taxonomy: a small set of kinds that
// every public operation surfaces instead of raw plumbing errors, generalizing
// the status/code pairing an HTTP server's error type once used into a
// transport-agnostic shape the facade, session manager, and reconciler all share.
package errs

import "fmt"

// Kind classifies a core error by how callers should react to it.
type Kind string

const (
	// TransientInfra is a container runtime hiccup; the core retries a
	// bounded number of times automatically before it ever reaches a caller.
	TransientInfra Kind = "transient-infra"
	// WorkerFailed means the worker exited non-zero or produced no diff.
	WorkerFailed Kind = "worker-failed"
	// Timeout means a soft or hard deadline fired.
	Timeout Kind = "timeout"
	// Conflict means a diff could not be applied cleanly.
	Conflict Kind = "conflict"
	// InvalidInput means a bad id or malformed plan file; no state changed.
	InvalidInput Kind = "invalid-input"
	// ResourceExhausted means the pool is at capacity with no room to wait.
	ResourceExhausted Kind = "resource-exhausted"
	// Fatal means the journal is unwritable or the runtime is unreachable at
	// boot; it propagates to the supervisor.
	Fatal Kind = "fatal"
)

// retriableKinds are recovered locally and never need to reach a caller as
// a first resort; transient-infra is the only one, but the set is kept open
// for future kinds rather than special-cased inline.
var retriableKinds = map[Kind]bool{
	TransientInfra: true,
}

// Error is a core error carrying a kind, a human message, and an optional
// wrapped cause.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap builds an Error of the given kind around cause, prefixed with message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's taxonomy kind.
func (e *Error) Kind() Kind { return e.kind }

// Retriable reports whether the core itself should retry this error locally
// rather than surface it. Per policy, only transient-infra is retriable.
func (e *Error) Retriable() bool { return retriableKinds[e.kind] }

// Is reports whether target is a *Error with the same kind, so callers can
// write errors.Is(err, errs.New(errs.Conflict, "")) as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}
