package wuhutypes

import "github.com/wuhu-labs/wuhu/pkg/transcript"

// SessionState is the session actor's full in-memory view, rebuilt from
// the store on first access and thereafter kept in lockstep with it via
// the persist-first rule: every mutation writes to the store first,
// then derives the CommittedAction that updates this struct. Reads take a
// copy-on-write snapshot rather than locking against the serialized chain.
type SessionState struct {
	Session Session
	Entries []transcript.Entry

	ToolCalls map[string]ToolCallStatus

	Settings Settings
	// PendingSettings holds a setModel call that arrived while Status was
	// not Idle; applied at the next idle transition.
	PendingSettings *Settings

	// CompactionFirstKept is the FirstKeptEntryID of the most recent
	// Compaction entry, 0 if none has run yet.
	CompactionFirstKept int64

	// SystemCursor/SteerCursor/FollowUpCursor track the highest journal
	// record id observed per lane, for building VersionVector snapshots.
	SystemCursor, SteerCursor, FollowUpCursor int64

	// Inflight holds the text accumulated by an in-progress inference
	// call, or nil if none is running.
	Inflight *string
}

// Status computes the session's run state from the transcript, never stored directly.
func (s SessionState) Status() Status {
	return ComputeStatus(s.Entries, s.ToolCalls)
}

// ComputeStatus derives the register in three tiers: Stopped if the
// latest run ended in an explicit stop marker with no subsequent user
// input; Running if a turn is in flight (unanswered user message,
// un-resulted tool calls, or an in-flight tool execution); Idle otherwise.
func ComputeStatus(entries []transcript.Entry, toolCalls map[string]ToolCallStatus) Status {
	if len(entries) == 0 {
		return StatusIdle
	}

	if stoppedWithoutFollowup(entries) {
		return StatusStopped
	}

	lastUserIdx := -1
	lastAssistantIdx := -1
	for i, e := range entries {
		msg, ok := e.Payload.(transcript.Message)
		if !ok {
			continue
		}
		switch msg.MessageKind {
		case transcript.MessageKindUser:
			lastUserIdx = i
		case transcript.MessageKindAssistant:
			lastAssistantIdx = i
		}
	}
	if lastUserIdx > lastAssistantIdx {
		return StatusRunning
	}

	for _, tc := range toolCalls {
		if tc.State == ToolCallStarted {
			return StatusRunning
		}
		if tc.State == ToolCallPending {
			return StatusRunning
		}
	}
	if lastAssistantIdx >= 0 {
		if msg, ok := entries[lastAssistantIdx].Payload.(transcript.Message); ok {
			for _, tc := range msg.ToolCalls {
				status, tracked := toolCalls[tc.ID]
				if !tracked || status.State == ToolCallStarted {
					return StatusRunning
				}
			}
		}
	}

	return StatusIdle
}

// stoppedWithoutFollowup reports whether the most recent run ended with a
// Custom{CustomTypeExecutionStopped} marker with no user message after it.
func stoppedWithoutFollowup(entries []transcript.Entry) bool {
	for i := len(entries) - 1; i >= 0; i-- {
		if msg, ok := entries[i].Payload.(transcript.Message); ok && msg.MessageKind == transcript.MessageKindUser {
			return false
		}
		if custom, ok := entries[i].Payload.(transcript.Custom); ok && custom.CustomType == transcript.CustomTypeExecutionStopped {
			return true
		}
	}
	return false
}
