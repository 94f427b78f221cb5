package httpapi

import (
	"time"

	"github.com/wuhu-labs/wuhu/pkg/subscribe"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// sessionResponse is the JSON form of a session row.
type sessionResponse struct {
	ID              string                        `json:"id"`
	Provider        string                        `json:"provider"`
	Model           string                        `json:"model"`
	ReasoningEffort *string                       `json:"reasoning_effort,omitempty"`
	ParentSessionID *string                       `json:"parent_session_id,omitempty"`
	WorkingDir      string                        `json:"working_dir"`
	Environment     wuhutypes.EnvironmentSnapshot `json:"environment"`
	CreatedAt       time.Time                     `json:"created_at"`
	UpdatedAt       time.Time                     `json:"updated_at"`
	HeadEntryID     int64                         `json:"head_entry_id"`
	TailEntryID     int64                         `json:"tail_entry_id"`
}

func sessionToResponse(s wuhutypes.Session) sessionResponse {
	return sessionResponse{
		ID:              s.ID,
		Provider:        s.Provider,
		Model:           s.Model,
		ReasoningEffort: s.ReasoningEffort,
		ParentSessionID: s.ParentSessionID,
		WorkingDir:      s.WorkingDir,
		Environment:     s.Environment,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		HeadEntryID:     s.HeadEntryID,
		TailEntryID:     s.TailEntryID,
	}
}

// entriesToResponse renders transcript entries with the same wire shape
// the subscription protocol uses, so clients parse one entry encoding.
func entriesToResponse(entries []transcript.Entry) ([]subscribe.WireEntry, error) {
	out := make([]subscribe.WireEntry, 0, len(entries))
	for _, e := range entries {
		we, err := subscribe.EntryToWire(e)
		if err != nil {
			return nil, err
		}
		out = append(out, we)
	}
	return out, nil
}

// environmentResponse is the JSON form of a canonical environment.
type environmentResponse struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Path          string            `json:"path"`
	TemplatePath  *string           `json:"template_path,omitempty"`
	StartupScript *string           `json:"startup_script,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func environmentToResponse(e wuhutypes.Environment) environmentResponse {
	return environmentResponse{
		ID:            e.ID,
		Name:          e.Name,
		Type:          e.Type,
		Path:          e.Path,
		TemplatePath:  e.TemplatePath,
		StartupScript: e.StartupScript,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}
