package wuhutypes

import "time"

// Lane identifies one of the three input queues.
type Lane string

const (
	LaneSystem   Lane = "system"
	LaneSteer    Lane = "steer"
	LaneFollowUp Lane = "follow_up"
)

// Cancelable reports whether items on this lane may be canceled before
// materialization. The system lane is machine-sourced and not cancelable.
func (l Lane) Cancelable() bool { return l != LaneSystem }

// SystemSource discriminates the origin of a system-lane payload.
type SystemSource string

const (
	SystemSourceAsyncTaskNotification SystemSource = "async_task_notification"
	SystemSourceAsyncBashCallback     SystemSource = "async_bash_callback"
	SystemSourceParticipantJoined     SystemSource = "participant_joined"
)

// QueuedItem is one pending item on a lane, before it is drained into the
// transcript. System-lane items carry Source instead of Author.
type QueuedItem struct {
	ID         string
	Lane       Lane
	EnqueuedAt time.Time

	// Steer / FollowUp payload.
	AuthorID   string
	AuthorKind string
	Content    string

	// System payload.
	Source SystemSource
}

// JournalEventKind discriminates a QueueJournalEntry's lifecycle record.
type JournalEventKind string

const (
	JournalEnqueued    JournalEventKind = "enqueued"
	JournalCanceled    JournalEventKind = "canceled"
	JournalMaterialized JournalEventKind = "materialized"
)

// QueueJournalEntry is one append-only lifecycle record for a queued item.
// Pending/terminal state is derived by replaying a lane's journal, never
// stored directly.
type QueueJournalEntry struct {
	ID                int64
	SessionID         string
	Lane              Lane
	ItemID            string
	Kind              JournalEventKind
	Item              *QueuedItem // present when Kind == JournalEnqueued
	TranscriptEntryID *int64      // present when Kind == JournalMaterialized
	RecordedAt        time.Time
}

// ToolCallState is the lifecycle of one assistant-issued tool call,
// materialized from the ordered presence of ToolExecution/ToolResult
// entries rather than stored directly.
type ToolCallState string

const (
	ToolCallPending   ToolCallState = "pending"
	ToolCallStarted   ToolCallState = "started"
	ToolCallCompleted ToolCallState = "completed"
	ToolCallErrored   ToolCallState = "errored"
)

// ToolCallStatus tracks one tool call's progress through the transcript,
// keyed by ToolCallID in the session actor's in-memory state.
type ToolCallStatus struct {
	ToolCallID      string
	ToolName        string
	State           ToolCallState
	StartEntryID    int64
	EndEntryID      *int64
	ResultEntryID   *int64
	IsIdempotent    bool
}
