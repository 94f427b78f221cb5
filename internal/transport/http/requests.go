package httpapi

// createSessionRequest is the body for POST /api/v1/sessions. Exactly one
// of EnvironmentID / EnvironmentName selects the environment whose
// definition is snapshotted into the session.
type createSessionRequest struct {
	ID              string  `json:"id"`
	Provider        string  `json:"provider" binding:"required"`
	Model           string  `json:"model" binding:"required"`
	ReasoningEffort *string `json:"reasoning_effort"`
	ParentSessionID *string `json:"parent_session_id"`
	WorkingDir      string  `json:"working_dir"`
	SystemPrompt    string  `json:"system_prompt"`
	EnvironmentID   string  `json:"environment_id"`
	EnvironmentName string  `json:"environment_name"`
}

// enqueueRequest is the body for POST /api/v1/sessions/:id/enqueue.
type enqueueRequest struct {
	Lane       string `json:"lane" binding:"required"`
	AuthorID   string `json:"author_id" binding:"required"`
	AuthorKind string `json:"author_kind" binding:"required"`
	Content    string `json:"content" binding:"required"`
}

// enqueueSystemRequest is the body for POST /api/v1/sessions/:id/enqueue-system.
type enqueueSystemRequest struct {
	Source  string `json:"source" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// cancelRequest is the body for POST /api/v1/sessions/:id/cancel.
type cancelRequest struct {
	Lane        string `json:"lane" binding:"required"`
	QueueItemID string `json:"queue_item_id" binding:"required"`
}

// setModelRequest is the body for POST /api/v1/sessions/:id/model.
type setModelRequest struct {
	Provider        string  `json:"provider" binding:"required"`
	Model           string  `json:"model" binding:"required"`
	ReasoningEffort *string `json:"reasoning_effort"`
}

// environmentRequest is the body for environment create/update.
type environmentRequest struct {
	Name          string            `json:"name" binding:"required"`
	Type          string            `json:"type" binding:"required"`
	Path          string            `json:"path" binding:"required"`
	TemplatePath  *string           `json:"template_path"`
	StartupScript *string           `json:"startup_script"`
	Metadata      map[string]string `json:"metadata"`
}
