// Package store defines the durable-store contract: the sole
// mechanism for crash-consistent persistence of sessions, transcripts,
// queues, and environments. All mutations are expressed as atomic
// transactions; the store itself never retries.
package store

import (
	"context"
	"time"

	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// CreateSessionParams is the input to CreateSession. HeaderPayload becomes
// the session's unique, parent-less header entry in the same transaction
// that creates the session row.
type CreateSessionParams struct {
	ID              string
	Provider        string
	Model           string
	ReasoningEffort *string
	ParentSessionID *string
	WorkingDir      string
	Environment     wuhutypes.EnvironmentSnapshot
	HeaderPayload   transcript.Header
}

// ListSessionsParams filters and paginates ListSessions. A zero value lists
// everything, newest first.
type ListSessionsParams struct {
	ParentSessionID *string
	Limit           int
	Offset          int
}

// GetEntriesParams filters GetEntries. Since is exclusive on entry id;
// SinceTime filters on creation timestamp; Limit of 0 means unbounded.
type GetEntriesParams struct {
	Since     *int64
	SinceTime *time.Time
	Limit     int
}

// Store is the durable-store contract consumed by the queue manager,
// session actor, and subscription engine. Implementations must enforce the
// chain invariants via schema constraints, not application logic alone.
type Store interface {
	CreateSession(ctx context.Context, params CreateSessionParams) (wuhutypes.Session, transcript.Entry, error)
	GetSession(ctx context.Context, id string) (wuhutypes.Session, error)
	ListSessions(ctx context.Context, params ListSessionsParams) ([]wuhutypes.Session, error)

	// AppendEntry reads the session's current tail, writes a new entry
	// parented to it, and advances the session's tail, atomically.
	AppendEntry(ctx context.Context, sessionID string, payload transcript.EntryPayload) (transcript.Entry, error)
	GetEntries(ctx context.Context, sessionID string, params GetEntriesParams) ([]transcript.Entry, error)

	// SetRunning flips the persisted has_work flag. Intended to be called
	// as part of a larger transaction by callers that need atomicity with
	// a queue/entry mutation; this standalone form commits on its own.
	SetRunning(ctx context.Context, sessionID string, flag bool) error

	// Enqueue appends an Enqueued journal record and marks the item
	// pending. Idempotent on the (sessionID, lane, id) triple: a repeated
	// call with the same triple is a no-op returning the existing record.
	Enqueue(ctx context.Context, sessionID string, item wuhutypes.QueuedItem) (wuhutypes.QueueJournalEntry, error)
	// Cancel transitions a pending item to canceled. A no-op if the item
	// is already terminal or does not exist.
	Cancel(ctx context.Context, sessionID string, lane wuhutypes.Lane, itemID string) (wuhutypes.QueueJournalEntry, error)
	// Materialize links a queued item to the transcript entry it became.
	// Callers guarantee the transcript entry already exists.
	Materialize(ctx context.Context, sessionID string, lane wuhutypes.Lane, itemID string, transcriptEntryID int64) (wuhutypes.QueueJournalEntry, error)
	// DrainPending returns pending items across the given lanes in
	// enqueue-timestamp order, without modifying state.
	DrainPending(ctx context.Context, sessionID string, lanes []wuhutypes.Lane) ([]wuhutypes.QueuedItem, error)
	// GetJournal returns journal records for a lane with id > since,
	// ascending, for subscription backfill.
	GetJournal(ctx context.Context, sessionID string, lane wuhutypes.Lane, since *int64) ([]wuhutypes.QueueJournalEntry, error)

	CreateEnvironment(ctx context.Context, env wuhutypes.Environment) (wuhutypes.Environment, error)
	UpdateEnvironment(ctx context.Context, env wuhutypes.Environment) (wuhutypes.Environment, error)
	DeleteEnvironment(ctx context.Context, id string) error
	GetEnvironment(ctx context.Context, id string) (wuhutypes.Environment, error)
	GetEnvironmentByName(ctx context.Context, name string) (wuhutypes.Environment, error)
	ListEnvironments(ctx context.Context) ([]wuhutypes.Environment, error)

	Close() error
}
