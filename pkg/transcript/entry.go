// Package transcript defines the append-only, content-addressable entry
// chain that backs a session: the Entry/EntryPayload data model plus its
// JSON wire encoding. Nested tagged payloads decode
// into an Unknown variant on unrecognized discriminants, so an entry written
// by a newer process still round-trips losslessly through an older one.
package transcript

import "time"

// Entry is one immutable record in a session's linear chain. ID is a
// globally unique, monotonically increasing integer that doubles as the
// subscription cursor.
type Entry struct {
	ID             int64
	SessionID      string
	ParentEntryID  *int64
	CreatedAt      time.Time
	Payload        EntryPayload
}

// EntryPayload is the tagged union carried by an Entry. Type implementations
// live in payload.go.
type EntryPayload interface {
	payloadType() string
}

// PayloadType returns the wire discriminant for p, e.g. "message" or
// "tool_execution". Used by storage layers that index entries by type tag.
func PayloadType(p EntryPayload) string { return p.payloadType() }

// MessageKind enumerates the kinds of Message payload.
type MessageKind string

const (
	MessageKindUser         MessageKind = "user"
	MessageKindAssistant    MessageKind = "assistant"
	MessageKindToolResult   MessageKind = "tool_result"
	MessageKindCustom       MessageKind = "custom"
	MessageKindUnknown      MessageKind = "unknown"
)

// AuthorKind discriminates a participant Author.
type AuthorKind string

const (
	AuthorKindHuman AuthorKind = "human"
	AuthorKindBot   AuthorKind = "bot"
)

// Author is the tagged union System | Participant(id, kind) | Unknown.
// Messages enqueued on the steer/follow-up lanes may not carry System;
// the system lane is source-tagged only and never carries an Author.
type Author struct {
	tag         authorTag
	ParticipantID   string
	ParticipantKind AuthorKind
}

type authorTag int

const (
	authorSystem authorTag = iota
	authorParticipant
	authorUnknown
)

func SystemAuthor() Author { return Author{tag: authorSystem} }

func ParticipantAuthor(id string, kind AuthorKind) Author {
	return Author{tag: authorParticipant, ParticipantID: id, ParticipantKind: kind}
}

func UnknownAuthor() Author { return Author{tag: authorUnknown} }

func (a Author) IsSystem() bool      { return a.tag == authorSystem }
func (a Author) IsParticipant() bool { return a.tag == authorParticipant }
func (a Author) IsUnknown() bool     { return a.tag == authorUnknown }

// ToolPhase discriminates the two ToolExecution markers that bracket an
// in-flight tool invocation.
type ToolPhase string

const (
	ToolPhaseStart ToolPhase = "start"
	ToolPhaseEnd   ToolPhase = "end"
)

// ToolCall is one tool invocation requested by an assistant message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments Value
}
