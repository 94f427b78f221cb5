package transcript

import (
	"encoding/json"
	"fmt"
	"time"
)

// wirePayload is the on-the-wire shape of an EntryPayload: a type
// discriminant plus type-specific fields folded into the same object. This
// mirrors the schema the store persists in session_entries.payload.
type wirePayload struct {
	Type string `json:"type"`

	// Header
	Version      int               `json:"version,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Message
	MessageKind MessageKind   `json:"message_kind,omitempty"`
	Author      *wireAuthor   `json:"author,omitempty"`
	Content     string        `json:"content,omitempty"`
	ToolCalls   []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID  string        `json:"tool_call_id,omitempty"`
	ToolName    string        `json:"tool_name,omitempty"`
	IsError     *bool         `json:"is_error,omitempty"`
	Source      string        `json:"source,omitempty"`
	Timestamp   *string       `json:"timestamp,omitempty"`

	// ToolExecution
	Phase     ToolPhase `json:"phase,omitempty"`
	Arguments *Value    `json:"arguments,omitempty"`
	Result    *Value    `json:"result,omitempty"`

	// Compaction
	Summary          string `json:"summary,omitempty"`
	TokensBefore     int    `json:"tokens_before,omitempty"`
	FirstKeptEntryID int64  `json:"first_kept_entry_id,omitempty"`

	// SessionSettings
	Provider        string  `json:"provider,omitempty"`
	Model           string  `json:"model,omitempty"`
	ReasoningEffort *string `json:"reasoning_effort,omitempty"`

	// Custom
	CustomType string `json:"custom_type,omitempty"`
	Data       *Value `json:"data,omitempty"`
}

type wireAuthor struct {
	Tag             string `json:"tag"`
	ParticipantID   string `json:"participant_id,omitempty"`
	ParticipantKind string `json:"participant_kind,omitempty"`
}

type wireToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments Value  `json:"arguments"`
}

func authorToWire(a Author) *wireAuthor {
	switch {
	case a.IsSystem():
		return &wireAuthor{Tag: "system"}
	case a.IsParticipant():
		return &wireAuthor{Tag: "participant", ParticipantID: a.ParticipantID, ParticipantKind: string(a.ParticipantKind)}
	default:
		return &wireAuthor{Tag: "unknown"}
	}
}

func authorFromWire(w *wireAuthor) Author {
	if w == nil {
		return UnknownAuthor()
	}
	switch w.Tag {
	case "system":
		return SystemAuthor()
	case "participant":
		return ParticipantAuthor(w.ParticipantID, AuthorKind(w.ParticipantKind))
	default:
		return UnknownAuthor()
	}
}

// EncodePayload marshals an EntryPayload to its persisted JSON form.
func EncodePayload(p EntryPayload) ([]byte, error) {
	w := wirePayload{Type: p.payloadType()}

	switch v := p.(type) {
	case Header:
		w.Version = v.Version
		w.SystemPrompt = v.SystemPrompt
		w.Metadata = v.Metadata
	case Message:
		w.MessageKind = v.MessageKind
		w.Author = authorToWire(v.Author)
		w.Content = v.Content
		w.ToolCallID = v.ToolCallID
		w.ToolName = v.ToolName
		w.Source = v.Source
		if v.MessageKind == MessageKindToolResult {
			w.IsError = &v.IsError
		}
		for _, tc := range v.ToolCalls {
			w.ToolCalls = append(w.ToolCalls, wireToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		ts := v.Timestamp.UTC().Format(rfc3339Nano)
		w.Timestamp = &ts
	case ToolExecution:
		w.Phase = v.Phase
		w.ToolCallID = v.ToolCallID
		w.ToolName = v.ToolName
		w.Arguments = &v.Arguments
		w.Result = v.Result
		w.IsError = v.IsError
	case Compaction:
		w.Version = v.Version
		w.Summary = v.Summary
		w.TokensBefore = v.TokensBefore
		w.FirstKeptEntryID = v.FirstKeptEntryID
		w.Metadata = v.Metadata
	case SessionSettings:
		w.Provider = v.Provider
		w.Model = v.Model
		w.ReasoningEffort = v.ReasoningEffort
	case Custom:
		w.CustomType = v.CustomType
		w.Data = v.Data
	case Unknown:
		// Re-emit the originally captured object verbatim rather than the
		// wirePayload shape, so round-tripping an Unknown never drops fields
		// this process doesn't recognize.
		return v.Payload.MarshalJSON()
	default:
		return nil, fmt.Errorf("transcript: unencodable payload type %T", p)
	}

	return json.Marshal(w)
}

// DecodePayload unmarshals the persisted JSON form back into an EntryPayload.
// An unrecognized type discriminant decodes into Unknown, carrying the raw
// payload so a subsequent EncodePayload reproduces it losslessly.
func DecodePayload(data []byte) (EntryPayload, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("transcript: decode payload: %w", err)
	}

	switch w.Type {
	case "header":
		return Header{Version: w.Version, SystemPrompt: w.SystemPrompt, Metadata: w.Metadata}, nil
	case "message":
		m := Message{
			MessageKind: w.MessageKind,
			Author:      authorFromWire(w.Author),
			Content:     w.Content,
			ToolCallID:  w.ToolCallID,
			ToolName:    w.ToolName,
			Source:      w.Source,
		}
		if w.IsError != nil {
			m.IsError = *w.IsError
		}
		for _, tc := range w.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		if w.Timestamp != nil {
			if t, err := time.Parse(rfc3339Nano, *w.Timestamp); err == nil {
				m.Timestamp = t
			}
		}
		return m, nil
	case "tool_execution":
		te := ToolExecution{
			Phase:      w.Phase,
			ToolCallID: w.ToolCallID,
			ToolName:   w.ToolName,
			Result:     w.Result,
			IsError:    w.IsError,
		}
		if w.Arguments != nil {
			te.Arguments = *w.Arguments
		}
		return te, nil
	case "compaction":
		return Compaction{
			Version:          w.Version,
			Summary:          w.Summary,
			TokensBefore:     w.TokensBefore,
			FirstKeptEntryID: w.FirstKeptEntryID,
			Metadata:         w.Metadata,
		}, nil
	case "session_settings":
		return SessionSettings{Provider: w.Provider, Model: w.Model, ReasoningEffort: w.ReasoningEffort}, nil
	case "custom":
		return Custom{CustomType: w.CustomType, Data: w.Data}, nil
	default:
		var raw Value
		if err := raw.UnmarshalJSON(data); err != nil {
			return nil, fmt.Errorf("transcript: decode unknown payload: %w", err)
		}
		return Unknown{Type: w.Type, Payload: raw}, nil
	}
}

const rfc3339Nano = "2006-01-02T15:04:05.999999999Z07:00"
