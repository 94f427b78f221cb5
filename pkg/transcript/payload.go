package transcript

import "time"

// Header is the unique, parent-less first entry of a session.
type Header struct {
	Version      int
	SystemPrompt string
	Metadata     map[string]string
}

func (Header) payloadType() string { return "header" }

// Message is a conversational entry: a user/participant message, an
// assistant turn, a tool result, or an extension message kind.
type Message struct {
	MessageKind MessageKind
	Author      Author
	Content     string
	// ToolCalls is populated on assistant messages that request tool
	// invocations; each is bracketed by ToolExecution entries.
	ToolCalls []ToolCall
	// ToolResult fields, populated when MessageKind == MessageKindToolResult.
	ToolCallID string
	ToolName   string
	IsError    bool
	// Source tags machine-sourced custom messages with the system-lane
	// source that produced them (e.g. participant_joined), empty for
	// participant and assistant messages.
	Source    string
	Timestamp time.Time
}

func (Message) payloadType() string { return "message" }

// ToolExecution brackets an in-flight tool invocation with Start/End markers.
type ToolExecution struct {
	Phase      ToolPhase
	ToolCallID string
	ToolName   string
	Arguments  Value
	Result     *Value
	IsError    *bool
}

func (ToolExecution) payloadType() string { return "tool_execution" }

// Compaction is a summary boundary: entries before FirstKeptEntryID are
// represented only by Summary in the LLM-context projection; the transcript
// itself is never modified.
type Compaction struct {
	Version          int
	Summary          string
	TokensBefore     int
	FirstKeptEntryID int64
	Metadata         map[string]string
}

func (Compaction) payloadType() string { return "compaction" }

// SessionSettings is a model-change marker; the settings register replays
// the latest one.
type SessionSettings struct {
	Provider        string
	Model           string
	ReasoningEffort *string
}

func (SessionSettings) payloadType() string { return "session_settings" }

// Custom carries extension payloads outside the LLM context (retry/give-up
// events, participant-joined markers, etc).
type Custom struct {
	CustomType string
	Data       *Value
}

func (Custom) payloadType() string { return "custom" }

// Unknown is the forward-compatible fallback for unrecognized discriminants.
// Re-encoding an Unknown payload reproduces the original bytes exactly.
type Unknown struct {
	Type    string
	Payload Value
}

func (Unknown) payloadType() string { return "unknown" }

// Well-known Custom.CustomType values used by the agentic loop and queue
// manager.
const (
	CustomTypeInferenceRetry     = "inference_retry"
	CustomTypeInferenceGiveUp    = "inference_give_up"
	CustomTypeParticipantJoined  = "participant_joined"
	CustomTypeInputDoesNotFit    = "input_does_not_fit"
	CustomTypeExecutionStopped   = "execution_stopped"
	CustomTypeRecoveredFromCrash = "recovered_from_crash"
)
