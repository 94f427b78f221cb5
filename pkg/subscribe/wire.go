package subscribe

import (
	"encoding/json"
	"time"

	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// Wire framing for the subscription protocol. Per the documented wire
// decision, a subscriber connection carries ONE combined stream of JSON
// frames: the first frame is always the stable patch, every subsequent
// frame is one event. Each frame is a tagged object discriminated by
// "type".

// Frame type discriminants. Event frames reuse the EventKind strings
// directly so clients switch on a single tag namespace.
const (
	FrameStablePatch     = "stable_patch"
	FrameConnectionState = "connection_state"
)

// WireVersionVector is the JSON form of a VersionVector; absent cursors
// mean "from scratch".
type WireVersionVector struct {
	Transcript *int64 `json:"transcript,omitempty"`
	System     *int64 `json:"system,omitempty"`
	Steer      *int64 `json:"steer,omitempty"`
	FollowUp   *int64 `json:"follow_up,omitempty"`
}

func versionToWire(v wuhutypes.VersionVector) WireVersionVector {
	return WireVersionVector{
		Transcript: v.TranscriptCursor,
		System:     v.SystemLaneCursor,
		Steer:      v.SteerLaneCursor,
		FollowUp:   v.FollowUpLaneCursor,
	}
}

// VersionFromWire converts a decoded WireVersionVector back to the domain
// form, e.g. when a transport parses a reconnecting client's cursors.
func VersionFromWire(w WireVersionVector) wuhutypes.VersionVector {
	return wuhutypes.VersionVector{
		TranscriptCursor:   w.Transcript,
		SystemLaneCursor:   w.System,
		SteerLaneCursor:    w.Steer,
		FollowUpLaneCursor: w.FollowUp,
	}
}

// WireEntry is one transcript entry as framed to subscribers. Payload is
// the entry's canonical persisted encoding, embedded raw so clients decode
// it with the same tagged-union rules the store uses.
type WireEntry struct {
	ID            int64           `json:"id"`
	SessionID     string          `json:"session_id"`
	ParentEntryID *int64          `json:"parent_entry_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// EntryToWire renders one transcript entry in the subscription wire
// shape; REST transcript responses reuse it so clients parse a single
// entry encoding.
func EntryToWire(e transcript.Entry) (WireEntry, error) {
	payload, err := transcript.EncodePayload(e.Payload)
	if err != nil {
		return WireEntry{}, err
	}
	return WireEntry{
		ID:            e.ID,
		SessionID:     e.SessionID,
		ParentEntryID: e.ParentEntryID,
		CreatedAt:     e.CreatedAt,
		Type:          transcript.PayloadType(e.Payload),
		Payload:       payload,
	}, nil
}

// WireQueuedItem is a queued item inside an enqueued journal frame.
type WireQueuedItem struct {
	ID         string    `json:"id"`
	Lane       string    `json:"lane"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	AuthorID   string    `json:"author_id,omitempty"`
	AuthorKind string    `json:"author_kind,omitempty"`
	Content    string    `json:"content,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// WireJournalRecord is one queue journal record as framed to subscribers.
type WireJournalRecord struct {
	ID                int64           `json:"id"`
	Lane              string          `json:"lane"`
	ItemID            string          `json:"item_id"`
	Kind              string          `json:"kind"`
	Item              *WireQueuedItem `json:"item,omitempty"`
	TranscriptEntryID *int64          `json:"transcript_entry_id,omitempty"`
	RecordedAt        time.Time       `json:"recorded_at"`
}

func journalToWire(r wuhutypes.QueueJournalEntry) WireJournalRecord {
	w := WireJournalRecord{
		ID:                r.ID,
		Lane:              string(r.Lane),
		ItemID:            r.ItemID,
		Kind:              string(r.Kind),
		TranscriptEntryID: r.TranscriptEntryID,
		RecordedAt:        r.RecordedAt,
	}
	if r.Item != nil {
		w.Item = &WireQueuedItem{
			ID:         r.Item.ID,
			Lane:       string(r.Item.Lane),
			EnqueuedAt: r.Item.EnqueuedAt,
			AuthorID:   r.Item.AuthorID,
			AuthorKind: r.Item.AuthorKind,
			Content:    r.Item.Content,
			Source:     string(r.Item.Source),
		}
	}
	return w
}

func journalsToWire(records []wuhutypes.QueueJournalEntry) []WireJournalRecord {
	if len(records) == 0 {
		return nil
	}
	out := make([]WireJournalRecord, len(records))
	for i, r := range records {
		out[i] = journalToWire(r)
	}
	return out
}

// WireSettings is the settings register as framed to subscribers.
type WireSettings struct {
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	ReasoningEffort *string `json:"reasoning_effort,omitempty"`
}

// WirePatch is the stable-patch frame body.
type WirePatch struct {
	FromVersion WireVersionVector `json:"from_version"`
	ToVersion   WireVersionVector `json:"to_version"`

	Entries         []WireEntry         `json:"entries,omitempty"`
	SystemJournal   []WireJournalRecord `json:"system_journal,omitempty"`
	SteerJournal    []WireJournalRecord `json:"steer_journal,omitempty"`
	FollowUpJournal []WireJournalRecord `json:"follow_up_journal,omitempty"`

	Settings WireSettings `json:"settings"`
	Status   string       `json:"status"`
	Inflight *string      `json:"inflight,omitempty"`
}

// Frame is one JSON message on a subscriber connection.
type Frame struct {
	Type string `json:"type"`

	// FrameStablePatch
	Patch *WirePatch `json:"patch,omitempty"`

	// Event frames
	Entry    *WireEntry         `json:"entry,omitempty"`
	Journal  *WireJournalRecord `json:"journal,omitempty"`
	Settings *WireSettings      `json:"settings,omitempty"`
	Status   *string            `json:"status,omitempty"`
	Delta    *string            `json:"delta,omitempty"`

	// FrameConnectionState
	State        string   `json:"state,omitempty"`
	Attempt      *int     `json:"attempt,omitempty"`
	DelaySeconds *float64 `json:"delay_seconds,omitempty"`
}

// EncodePatch frames a StablePatch as the first message of a subscriber
// connection.
func EncodePatch(p wuhutypes.StablePatch) ([]byte, error) {
	wp := WirePatch{
		FromVersion:     versionToWire(p.FromVersion),
		ToVersion:       versionToWire(p.ToVersion),
		SystemJournal:   journalsToWire(p.SystemJournal),
		SteerJournal:    journalsToWire(p.SteerJournal),
		FollowUpJournal: journalsToWire(p.FollowUpJournal),
		Settings: WireSettings{
			Provider:        p.Settings.Provider,
			Model:           p.Settings.Model,
			ReasoningEffort: p.Settings.ReasoningEffort,
		},
		Status:   string(p.Status),
		Inflight: p.Inflight,
	}
	for _, e := range p.Entries {
		we, err := EntryToWire(e)
		if err != nil {
			return nil, err
		}
		wp.Entries = append(wp.Entries, we)
	}
	return json.Marshal(Frame{Type: FrameStablePatch, Patch: &wp})
}

// EncodeEvent frames one stream event. The frame's type tag is the
// EventKind string itself.
func EncodeEvent(ev wuhutypes.Event) ([]byte, error) {
	f := Frame{Type: string(ev.Kind)}

	switch ev.Kind {
	case wuhutypes.EventTranscriptAppended:
		if ev.Entry != nil {
			we, err := EntryToWire(*ev.Entry)
			if err != nil {
				return nil, err
			}
			f.Entry = &we
		}
	case wuhutypes.EventSystemQueueJournal, wuhutypes.EventSteerQueueJournal, wuhutypes.EventFollowUpQueueJournal:
		if ev.QueueJournal != nil {
			wj := journalToWire(*ev.QueueJournal)
			f.Journal = &wj
		}
	case wuhutypes.EventSettingsUpdated:
		if ev.Settings != nil {
			f.Settings = &WireSettings{
				Provider:        ev.Settings.Provider,
				Model:           ev.Settings.Model,
				ReasoningEffort: ev.Settings.ReasoningEffort,
			}
		}
	case wuhutypes.EventStatusUpdated:
		if ev.Status != nil {
			s := string(*ev.Status)
			f.Status = &s
		}
	case wuhutypes.EventStreamDelta:
		d := ev.StreamDeltaText
		f.Delta = &d
	}

	return json.Marshal(f)
}

// EncodeConnectionState frames a connection-state transition for the
// parallel connectionStates stream.
func EncodeConnectionState(ev wuhutypes.ConnectionStateEvent) ([]byte, error) {
	f := Frame{Type: FrameConnectionState, State: string(ev.State)}
	if ev.State == wuhutypes.ConnRetrying {
		attempt := ev.Attempt
		delay := ev.DelaySeconds
		f.Attempt = &attempt
		f.DelaySeconds = &delay
	}
	return json.Marshal(f)
}
