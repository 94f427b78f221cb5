// Package wuhutypes holds the data model shared across the store, queue
// manager, session actor, and subscription engine: sessions, environment
// snapshots, queue items and their journal, tool-call status, and the
// register-shaped settings/status views.
package wuhutypes

import "time"

// Session is the top-level entity owning one transcript, three queues, and
// a settings/status register.
type Session struct {
	ID              string
	Provider        string
	Model           string
	ReasoningEffort *string
	ParentSessionID *string
	WorkingDir      string
	Environment     EnvironmentSnapshot
	CreatedAt       time.Time
	UpdatedAt       time.Time
	HeadEntryID     int64
	TailEntryID     int64
}

// EnvironmentSnapshot is captured immutably into a Session at creation time,
// even though the canonical Environment it was copied from may later change.
type EnvironmentSnapshot struct {
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Path          string            `json:"path"`
	TemplatePath  *string           `json:"template_path,omitempty"`
	StartupScript *string           `json:"startup_script,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Environment is a canonical, named environment definition, referenced by
// id or by its unique name when creating sessions.
type Environment struct {
	ID            string
	Name          string
	Type          string
	Path          string
	TemplatePath  *string
	StartupScript *string
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Status is the session's computed, register-shaped run state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Settings is the last-writer-wins register updated by SessionSettings
// entries and observed as a single current value, not a log.
type Settings struct {
	Provider        string
	Model           string
	ReasoningEffort *string
}
