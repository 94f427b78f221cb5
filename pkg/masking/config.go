package masking

// ToolMaskingConfig configures masking for results returned by one tool
// name. The ToolExecutor contract (pkg/collab) has no server concept,
// only named tool calls, so configuration is keyed by tool name.
type ToolMaskingConfig struct {
	Enabled        bool
	PatternGroups  []string
	Patterns       []string
	CustomPatterns []PatternDef
}

// Registry resolves a tool name to its masking configuration. Implemented
// by whatever owns per-environment tool configuration outside this
// package; StaticRegistry below is the simple in-memory case.
type Registry interface {
	Get(toolName string) (ToolMaskingConfig, bool)
}

// StaticRegistry is a map-backed Registry, typically built once from an
// environment's configured tools at session creation time.
type StaticRegistry map[string]ToolMaskingConfig

func (r StaticRegistry) Get(toolName string) (ToolMaskingConfig, bool) {
	cfg, ok := r[toolName]
	return cfg, ok
}
