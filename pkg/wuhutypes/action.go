package wuhutypes

import "github.com/wuhu-labs/wuhu/pkg/transcript"

// ActionKind discriminates a CommittedAction, the typed description of one
// durable mutation the session actor's reducer applies to in-memory state
// and forwards to observers.
type ActionKind string

const (
	ActionEntryAppended    ActionKind = "entry_appended"
	ActionQueueEnqueued    ActionKind = "queue_enqueued"
	ActionQueueCanceled    ActionKind = "queue_canceled"
	ActionQueueMaterialized ActionKind = "queue_materialized"
	ActionSettingsChanged  ActionKind = "settings_changed"
)

// CommittedAction is the unit the session actor's pure reducer consumes.
// Every mutating command produces zero or more of these after the store
// write succeeds; replaying the full sequence against the zero value of
// in-memory state must equal a fresh load from the store.
type CommittedAction struct {
	Kind ActionKind

	Entry *transcript.Entry

	Lane    Lane
	Journal *QueueJournalEntry

	Settings *Settings
}
