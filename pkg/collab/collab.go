// Package collab defines the collaborator contracts the session core
// consumes but does not implement: inference, tool execution, and
// summarization. The transport layer, tool processes, and LLM provider
// wiring are out of scope for the core and live outside this repository's
// session-core packages; only the interfaces are defined here.
package collab

import (
	"context"

	"github.com/wuhu-labs/wuhu/pkg/transcript"
)

// InferenceOptions configures one inference request.
type InferenceOptions struct {
	ReasoningEffort *string
	Tools           []ToolDefinition
}

// ToolDefinition describes one tool available to the model for a request.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      transcript.Value
}

// AssistantEventKind discriminates the streamed shape of an inference
// response.
type AssistantEventKind string

const (
	AssistantEventStart     AssistantEventKind = "start"
	AssistantEventTextDelta AssistantEventKind = "text_delta"
	AssistantEventDone      AssistantEventKind = "done"
)

// AssistantEvent is one item on an Inference stream.
type AssistantEvent struct {
	Kind    AssistantEventKind
	Partial string // accumulated text so far, for Start/TextDelta
	Delta   string // this event's incremental text, for TextDelta

	// Message is populated only on AssistantEventDone: the final, complete
	// assistant turn, including any tool calls.
	Message *transcript.Message
}

// Inference is the model-calling collaborator the agentic loop drives.
// Implementations must support ctx cancellation to stop an in-flight call.
type Inference interface {
	Stream(ctx context.Context, model string, llmContext []transcript.Entry, opts InferenceOptions) (<-chan AssistantEvent, error)
}

// ToolResult is the outcome of one tool invocation. Content is always a
// string (tool output or human-readable error message); Details carries
// optional structured data.
type ToolResult struct {
	Content string
	Details *transcript.Value
	IsError bool
}

// ToolExecutor runs tool calls on behalf of the agentic loop. Execution
// failures are reported as ToolResult{IsError: true}, not as a Go error —
// a Go error from Execute means the executor itself is unusable (e.g. the
// runner connection dropped), not that the tool call failed.
type ToolExecutor interface {
	Execute(ctx context.Context, toolCallID, toolName string, arguments transcript.Value, cwd string) (ToolResult, error)
	// IsIdempotent reports whether a tool is safe to blindly re-execute
	// after a crash recovers a Started-without-End tool call.
	IsIdempotent(toolName string) bool
}

// SummaryBudget bounds how much text a summarizer request may return.
type SummaryBudget struct {
	MaxOutputTokens int
}

// SummaryInference is the compaction engine's collaborator: same
// streaming shape as Inference, issued against a separate summarizer
// system prompt and context.
type SummaryInference interface {
	Stream(ctx context.Context, llmContext []transcript.Entry, budget SummaryBudget) (<-chan AssistantEvent, error)
}
