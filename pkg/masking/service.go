// Package masking applies data masking to tool results before they are
// persisted into the transcript: a structural masker for kubernetes
// Secret/ConfigMap shapes plus configurable regex patterns, resolved per
// tool name through a Registry the caller supplies.
package masking

import (
	"log/slog"
	"sync"
)

// Service applies data masking to tool results. Created once per process
// (or per environment, if masking configuration varies by environment)
// and safe for concurrent use: compiled built-in patterns are immutable
// after construction, and the per-tool custom-pattern cache is guarded by
// a mutex.
type Service struct {
	registry Registry

	patterns      map[string]*CompiledPattern
	patternGroups map[string][]string
	codeMaskerNames []string
	codeMaskers   map[string]Masker

	mu                 sync.Mutex
	toolCustomPatterns map[string][]string
}

// NewService creates a masking service backed by registry. All built-in
// regex patterns are compiled eagerly; per-tool custom patterns are
// compiled lazily on first use (see compileCustomPatterns).
func NewService(registry Registry) *Service {
	s := &Service{
		registry:           registry,
		patterns:           make(map[string]*CompiledPattern),
		patternGroups:      builtinPatternGroups(),
		codeMaskerNames:    builtinCodeMaskers(),
		codeMaskers:        make(map[string]Masker),
		toolCustomPatterns: make(map[string][]string),
	}

	s.compileBuiltinPatterns()
	s.registerMasker(secretManifestMasker{})

	slog.Info("Masking service initialized",
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// MaskToolResult applies the masking configured for toolName to a tool
// result's content before it is persisted as a Message{ToolResult}
// entry. Unconfigured or disabled tools pass content through unchanged.
func (s *Service) MaskToolResult(content string, toolName string) string {
	if content == "" {
		return content
	}

	cfg, ok := s.registry.Get(toolName)
	if !ok || !cfg.Enabled {
		return content
	}

	resolved := s.resolvePatterns(cfg, toolName)
	if len(resolved.codeMaskerNames) == 0 && len(resolved.regexPatterns) == 0 {
		return content
	}

	return s.applyMasking(content, resolved)
}

// applyMasking applies code-based maskers then regex patterns to content.
func (s *Service) applyMasking(content string, resolved *resolvedPatterns) string {
	masked := content

	for _, maskerName := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[maskerName]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked
}

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
