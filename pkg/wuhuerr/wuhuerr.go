// Package wuhuerr defines the error kinds shared across the session
// core: a small set of sentinel kinds that the agentic loop and command
// surface branch on with errors.Is, never on error strings.
package wuhuerr

import (
	"errors"
	"fmt"
)

// Kind is a coarse classification of an error, used to decide propagation:
// handled locally by the agentic loop, reported synchronously on the command
// surface, or surfaced to the outermost caller awaiting a turn.
type Kind string

const (
	// KindNotFound: session, entry, queue item, or environment does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict: duplicate session id, duplicate environment name, fork attempt.
	KindConflict Kind = "conflict"
	// KindStoreIntegrity: a durable-store invariant was violated. Fatal.
	KindStoreIntegrity Kind = "store_integrity"
	// KindTransient: store contention or a network hiccup; retried with backoff.
	KindTransient Kind = "transient"
	// KindContextOverflow: inference refused input because context exceeds limit.
	KindContextOverflow Kind = "context_overflow"
	// KindInputDoesNotFit: accumulated input cannot fit after one compaction.
	KindInputDoesNotFit Kind = "input_does_not_fit"
	// KindToolFailed: a tool invocation returned an error.
	KindToolFailed Kind = "tool_failed"
	// KindGiveUp: a retry budget was exhausted.
	KindGiveUp Kind = "give_up"
)

// Error is a typed error carrying a Kind plus the underlying cause.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "store.AppendEntry"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a Kind and the operation name that produced it.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel errors for common not-found cases, wrapped with KindNotFound by
// callers via New(KindNotFound, op, ErrXxxNotFound).
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrEntryNotFound       = errors.New("transcript entry not found")
	ErrQueueItemNotFound   = errors.New("queue item not found")
	ErrEnvironmentNotFound = errors.New("environment not found")

	ErrSessionExists     = errors.New("session already exists")
	ErrEnvironmentExists = errors.New("environment name already exists")
	ErrForkAttempt       = errors.New("forking an existing parent entry is not supported")
)
