package wuhutypes

import "github.com/wuhu-labs/wuhu/pkg/transcript"

// Apply is the session actor's pure reducer. Every mutating operation writes to
// the store first, builds the CommittedAction describing what happened,
// then calls Apply to bring in-memory state into lockstep. Replaying the
// full action sequence emitted since a session was loaded must equal a
// fresh reload from the store.
func Apply(state SessionState, action CommittedAction) SessionState {
	switch action.Kind {
	case ActionEntryAppended:
		if action.Entry == nil {
			return state
		}
		state.Entries = append(append([]transcript.Entry{}, state.Entries...), *action.Entry)
		state.Session.TailEntryID = action.Entry.ID
		state.Session.UpdatedAt = action.Entry.CreatedAt
		applyEntryToToolCalls(&state, *action.Entry)
		if settings, ok := action.Entry.Payload.(transcript.SessionSettings); ok {
			state.Settings = Settings{Provider: settings.Provider, Model: settings.Model, ReasoningEffort: settings.ReasoningEffort}
			state.PendingSettings = nil
		}
		if c, ok := action.Entry.Payload.(transcript.Compaction); ok {
			state.CompactionFirstKept = c.FirstKeptEntryID
		}

	case ActionQueueEnqueued, ActionQueueCanceled, ActionQueueMaterialized:
		if action.Journal == nil {
			return state
		}
		switch action.Lane {
		case LaneSystem:
			state.SystemCursor = maxInt64(state.SystemCursor, action.Journal.ID)
		case LaneSteer:
			state.SteerCursor = maxInt64(state.SteerCursor, action.Journal.ID)
		case LaneFollowUp:
			state.FollowUpCursor = maxInt64(state.FollowUpCursor, action.Journal.ID)
		}

	case ActionSettingsChanged:
		if action.Settings != nil {
			state.Settings = *action.Settings
			state.PendingSettings = nil
		}
	}

	return state
}

func maxInt64(a, b int64) int64 {
	if b > a {
		return b
	}
	return a
}

// applyEntryToToolCalls keeps the ToolCallStatus map in lockstep with newly
// appended ToolExecution/ToolResult entries: Start/End markers bracket an
// invocation, the
// Message{ToolResult} entry carries the outcome.
func applyEntryToToolCalls(state *SessionState, entry transcript.Entry) {
	if state.ToolCalls == nil {
		state.ToolCalls = make(map[string]ToolCallStatus)
	}
	switch p := entry.Payload.(type) {
	case transcript.Message:
		if p.MessageKind == transcript.MessageKindAssistant {
			for _, tc := range p.ToolCalls {
				state.ToolCalls[tc.ID] = ToolCallStatus{
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					State:      ToolCallPending,
				}
			}
		}
		if p.MessageKind == transcript.MessageKindToolResult {
			status := state.ToolCalls[p.ToolCallID]
			status.ToolCallID = p.ToolCallID
			status.ToolName = p.ToolName
			status.ResultEntryID = &entry.ID
			if p.IsError {
				status.State = ToolCallErrored
			} else {
				status.State = ToolCallCompleted
			}
			state.ToolCalls[p.ToolCallID] = status
		}
	case transcript.ToolExecution:
		status := state.ToolCalls[p.ToolCallID]
		status.ToolCallID = p.ToolCallID
		status.ToolName = p.ToolName
		switch p.Phase {
		case transcript.ToolPhaseStart:
			status.State = ToolCallStarted
			status.StartEntryID = entry.ID
		case transcript.ToolPhaseEnd:
			status.EndEntryID = &entry.ID
		}
		state.ToolCalls[p.ToolCallID] = status
	}
}
