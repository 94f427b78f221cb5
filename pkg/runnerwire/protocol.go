// Package runnerwire implements the wire protocol between the wuhu server
// and its tool runners: a long-lived bidirectional channel carrying
// JSON-encoded tagged messages over a single connection per runner.
// Message correlation is by id; multiple concurrent tool calls may be in
// flight on one connection. The server side of the protocol doubles as
// the agentic loop's ToolExecutor collaborator, routed per session.
package runnerwire

import (
	"encoding/json"
	"fmt"

	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// MessageKind discriminates the tagged messages on a runner connection.
type MessageKind string

const (
	// KindHello is the runner's first message after connecting.
	KindHello MessageKind = "hello"
	// KindResolveEnvironmentRequest asks the server to resolve a named
	// environment into its canonical snapshot.
	KindResolveEnvironmentRequest  MessageKind = "resolve_environment_request"
	KindResolveEnvironmentResponse MessageKind = "resolve_environment_response"
	// KindRegisterSession binds a session id to this connection: tool
	// requests for that session are routed here from now on.
	KindRegisterSession MessageKind = "register_session"
	// KindToolRequest (server→runner) dispatches one tool call.
	KindToolRequest MessageKind = "tool_request"
	// KindToolResponse (runner→server) carries that call's outcome,
	// correlated by the request's id.
	KindToolResponse MessageKind = "tool_response"
)

// Message is the envelope for every frame on a runner connection. Exactly
// one payload field is set, matching Kind. ID correlates request/response
// pairs; unsolicited messages (hello, registerSession) carry no id.
type Message struct {
	Kind MessageKind `json:"kind"`
	ID   int64       `json:"id,omitempty"`

	Hello                      *Hello                      `json:"hello,omitempty"`
	ResolveEnvironmentRequest  *ResolveEnvironmentRequest  `json:"resolve_environment_request,omitempty"`
	ResolveEnvironmentResponse *ResolveEnvironmentResponse `json:"resolve_environment_response,omitempty"`
	RegisterSession            *RegisterSession            `json:"register_session,omitempty"`
	ToolRequest                *ToolRequest                `json:"tool_request,omitempty"`
	ToolResponse               *ToolResponse               `json:"tool_response,omitempty"`
}

// Hello identifies the runner. Tools declares every tool this runner can
// execute, including whether each is safe to re-execute after a crash
// leaves it Started without a result.
type Hello struct {
	RunnerName string     `json:"runner_name"`
	Version    string     `json:"version"`
	Tools      []ToolDecl `json:"tools,omitempty"`
}

// ToolDecl declares one tool the runner serves.
type ToolDecl struct {
	Name         string `json:"name"`
	IsIdempotent bool   `json:"is_idempotent"`
}

// ResolveEnvironmentRequest asks for the canonical environment definition
// with the given unique name.
type ResolveEnvironmentRequest struct {
	Name string `json:"name"`
}

// ResolveEnvironmentResponse answers a ResolveEnvironmentRequest. Either
// Environment or ErrorMessage is set.
type ResolveEnvironmentResponse struct {
	Environment  *wuhutypes.EnvironmentSnapshot `json:"environment,omitempty"`
	ErrorMessage *string                        `json:"error_message,omitempty"`
}

// RegisterSession binds a session to this runner connection.
type RegisterSession struct {
	SessionID string `json:"session_id"`
}

// ToolRequest dispatches one tool call to the runner.
type ToolRequest struct {
	SessionID  string           `json:"session_id"`
	ToolCallID string           `json:"tool_call_id"`
	ToolName   string           `json:"tool_name"`
	Args       transcript.Value `json:"args"`
	Cwd        string           `json:"cwd,omitempty"`
}

// ToolResponse carries a tool call's outcome. Result is absent when the
// runner failed before producing any output; ErrorMessage explains an
// IsError outcome.
type ToolResponse struct {
	SessionID    string             `json:"session_id"`
	ToolCallID   string             `json:"tool_call_id"`
	Result       *ToolResultPayload `json:"result,omitempty"`
	IsError      bool               `json:"is_error"`
	ErrorMessage *string            `json:"error_message,omitempty"`
}

// ToolResultPayload is a tool's output: textual content plus optional
// structured details.
type ToolResultPayload struct {
	Content string            `json:"content"`
	Details *transcript.Value `json:"details,omitempty"`
}

// Encode marshals a message to its wire form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a wire frame and checks the envelope is coherent: the
// payload field named by Kind must be present.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("runnerwire: decoding frame: %w", err)
	}
	var ok bool
	switch m.Kind {
	case KindHello:
		ok = m.Hello != nil
	case KindResolveEnvironmentRequest:
		ok = m.ResolveEnvironmentRequest != nil
	case KindResolveEnvironmentResponse:
		ok = m.ResolveEnvironmentResponse != nil
	case KindRegisterSession:
		ok = m.RegisterSession != nil
	case KindToolRequest:
		ok = m.ToolRequest != nil
	case KindToolResponse:
		ok = m.ToolResponse != nil
	default:
		return Message{}, fmt.Errorf("runnerwire: unknown message kind %q", m.Kind)
	}
	if !ok {
		return Message{}, fmt.Errorf("runnerwire: %s frame missing its payload", m.Kind)
	}
	return m, nil
}
