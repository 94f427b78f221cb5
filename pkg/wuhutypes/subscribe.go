package wuhutypes

import "github.com/wuhu-labs/wuhu/pkg/transcript"

// VersionVector is the tuple of per-component cursors identifying a
// subscription position. A nil cursor means "from scratch" (version 0).
type VersionVector struct {
	TranscriptCursor  *int64
	SystemLaneCursor   *int64
	SteerLaneCursor    *int64
	FollowUpLaneCursor *int64
}

// Advance returns a copy of v with the given cursor raised, never lowered.
func (v VersionVector) Advance(component string, id int64) VersionVector {
	next := v
	switch component {
	case "transcript":
		next.TranscriptCursor = maxCursor(v.TranscriptCursor, id)
	case "system":
		next.SystemLaneCursor = maxCursor(v.SystemLaneCursor, id)
	case "steer":
		next.SteerLaneCursor = maxCursor(v.SteerLaneCursor, id)
	case "follow_up":
		next.FollowUpLaneCursor = maxCursor(v.FollowUpLaneCursor, id)
	}
	return next
}

func maxCursor(cur *int64, id int64) *int64 {
	if cur == nil || id > *cur {
		return &id
	}
	return cur
}

// StablePatch is the combined initial backfill delivered to a new or
// reconnecting subscriber: everything committed strictly after the
// requested VersionVector, plus the current register values.
type StablePatch struct {
	FromVersion VersionVector
	ToVersion   VersionVector

	Entries         []transcript.Entry
	SystemJournal   []QueueJournalEntry
	SteerJournal    []QueueJournalEntry
	FollowUpJournal []QueueJournalEntry

	Settings Settings
	Status   Status

	// Inflight is present only if inference was mid-flight at subscribe
	// time, carrying the text accumulated so far.
	Inflight *string
}

// EventKind discriminates the Event tagged union delivered on a
// subscription's event stream.
type EventKind string

const (
	EventTranscriptAppended   EventKind = "transcript_appended"
	EventSystemQueueJournal   EventKind = "system_queue_journal"
	EventSteerQueueJournal    EventKind = "steer_queue_journal"
	EventFollowUpQueueJournal EventKind = "follow_up_queue_journal"
	EventSettingsUpdated      EventKind = "settings_updated"
	EventStatusUpdated        EventKind = "status_updated"

	// Non-committing, ephemeral streaming events. Never advance the
	// version vector and are not replayed after reconnect.
	EventStreamBegan EventKind = "stream_began"
	EventStreamDelta EventKind = "stream_delta"
	EventStreamEnded EventKind = "stream_ended"
)

// Committing reports whether this event kind advances the stable version
// vector. Streaming events are ephemeral and never committing.
func (k EventKind) Committing() bool {
	switch k {
	case EventStreamBegan, EventStreamDelta, EventStreamEnded:
		return false
	default:
		return true
	}
}

// Event is one item on a subscription's event stream.
type Event struct {
	Kind EventKind

	Entry          *transcript.Entry
	QueueJournal   *QueueJournalEntry
	Settings       *Settings
	Status         *Status
	StreamDeltaText string
}

// ConnectionState is the subscription transport's observable connection
// lifecycle, distinct from the content of the event stream.
type ConnectionState string

const (
	ConnConnecting ConnectionState = "connecting"
	ConnConnected  ConnectionState = "connected"
	ConnRetrying   ConnectionState = "retrying"
	ConnClosed     ConnectionState = "closed"
)

// ConnectionStateEvent carries a ConnectionState transition plus the retry
// detail when state is ConnRetrying.
type ConnectionStateEvent struct {
	State        ConnectionState
	Attempt      int
	DelaySeconds float64
}
