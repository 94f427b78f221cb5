package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// resolvedPatterns holds the resolved set of maskers and patterns for a
// masking operation.
type resolvedPatterns struct {
	codeMaskerNames []string
	regexPatterns   []*CompiledPattern
}

// compileBuiltinPatterns compiles every built-in regex pattern. Invalid
// patterns are logged and skipped.
func (s *Service) compileBuiltinPatterns() {
	for name, def := range builtinPatterns() {
		compiled, err := regexp.Compile(def.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: def.Replacement,
			Description: def.Description,
		}
	}
}

// compileCustomPatterns compiles one tool's custom patterns on first use
// and caches the result, keyed as "custom:{toolName}:{index}" to avoid
// collisions with built-in names. The registry has no enumeration method,
// so custom patterns are compiled lazily per tool rather than eagerly for
// every configured tool at construction time.
func (s *Service) compileCustomPatterns(toolName string, custom []PatternDef) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if names, ok := s.toolCustomPatterns[toolName]; ok {
		return names
	}

	var names []string
	for i, def := range custom {
		name := fmt.Sprintf("custom:%s:%d", toolName, i)
		compiled, err := regexp.Compile(def.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "tool", toolName, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: def.Replacement,
			Description: def.Description,
		}
		names = append(names, name)
	}
	s.toolCustomPatterns[toolName] = names
	return names
}

// resolvePatterns expands a ToolMaskingConfig into a deduplicated
// resolvedPatterns for one tool's masking.
func (s *Service) resolvePatterns(cfg ToolMaskingConfig, toolName string) *resolvedPatterns {
	seen := make(map[string]bool)
	resolved := &resolvedPatterns{}

	for _, groupName := range cfg.PatternGroups {
		groupPatterns, ok := s.patternGroups[groupName]
		if !ok {
			continue
		}
		for _, name := range groupPatterns {
			if seen[name] {
				continue
			}
			seen[name] = true
			s.addToResolved(resolved, name)
		}
	}

	for _, name := range cfg.Patterns {
		if seen[name] {
			continue
		}
		seen[name] = true
		s.addToResolved(resolved, name)
	}

	if toolName != "" && len(cfg.CustomPatterns) > 0 {
		for _, name := range s.compileCustomPatterns(toolName, cfg.CustomPatterns) {
			if seen[name] {
				continue
			}
			seen[name] = true
			if cp, ok := s.patterns[name]; ok {
				resolved.regexPatterns = append(resolved.regexPatterns, cp)
			}
		}
	}

	return resolved
}

// resolvePatternsFromGroup resolves a single pattern group name, used for
// testing group composition independent of a full ToolMaskingConfig.
func (s *Service) resolvePatternsFromGroup(groupName string) *resolvedPatterns {
	resolved := &resolvedPatterns{}
	groupPatterns, ok := s.patternGroups[groupName]
	if !ok {
		return resolved
	}
	for _, name := range groupPatterns {
		s.addToResolved(resolved, name)
	}
	return resolved
}

// addToResolved adds a pattern name to the resolved set, categorizing it
// as either a code masker or a regex pattern.
func (s *Service) addToResolved(resolved *resolvedPatterns, name string) {
	if slices.Contains(s.codeMaskerNames, name) {
		resolved.codeMaskerNames = append(resolved.codeMaskerNames, name)
		return
	}
	if cp, ok := s.patterns[name]; ok {
		resolved.regexPatterns = append(resolved.regexPatterns, cp)
	}
}
