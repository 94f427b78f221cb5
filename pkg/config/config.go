// Package config loads process-level configuration for the wuhu daemon:
// the HTTP server surface, the compaction tuning constants, and the
// inference retry policy. Configuration comes from an optional YAML file
// (with shell-style environment expansion) plus environment-variable
// overrides, with validated defaults for everything.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Compaction CompactionConfig `yaml:"compaction"`
	Retry      RetryConfig      `yaml:"retry"`
}

// ServerConfig holds the HTTP/WebSocket transport settings.
type ServerConfig struct {
	HTTPPort         string   `yaml:"http_port"`
	GinMode          string   `yaml:"gin_mode"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// CompactionConfig carries the compaction tuning constants:
// context_window_tokens, reserve_tokens, keep_recent_tokens, and the
// enabled flag. All are recognized options with default fallbacks, never
// hardcoded.
type CompactionConfig struct {
	Enabled             *bool `yaml:"enabled"`
	ContextWindowTokens int   `yaml:"context_window_tokens"`
	ReserveTokens       int   `yaml:"reserve_tokens"`
	KeepRecentTokens    int   `yaml:"keep_recent_tokens"`
}

// IsEnabled resolves the tri-state Enabled flag: unset means enabled.
func (c CompactionConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RetryConfig bounds inference retries. Durations are YAML strings in Go
// duration syntax ("1s", "30s", "2m") parsed during validation.
type RetryConfig struct {
	InitialInterval string  `yaml:"initial_interval"`
	MaxInterval     string  `yaml:"max_interval"`
	MaxElapsedTime  string  `yaml:"max_elapsed_time"`
	JitterFraction  float64 `yaml:"jitter_fraction"`
	MaxRetries      uint64  `yaml:"max_retries"`

	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsedTime  time.Duration
}

// Durations returns the parsed retry intervals. Valid only after Validate.
func (r RetryConfig) Durations() (initial, max, elapsed time.Duration) {
	return r.initialInterval, r.maxInterval, r.maxElapsedTime
}

// defaults returns the configuration used when no file and no environment
// overrides are present.
func defaults() Config {
	return Config{
		Server: ServerConfig{
			HTTPPort: "8080",
			GinMode:  "release",
		},
		Compaction: CompactionConfig{
			ContextWindowTokens: 180_000,
			ReserveTokens:       8_000,
			KeepRecentTokens:    20_000,
		},
		Retry: RetryConfig{
			InitialInterval: "1s",
			MaxInterval:     "30s",
			MaxElapsedTime:  "2m",
			JitterFraction:  0.5,
			MaxRetries:      3,
		},
	}
}

// Load reads the YAML file at path (if it exists), expands environment
// variables in it, applies environment-variable overrides, fills defaults,
// and validates the result. A missing file is not an error: the daemon is
// fully runnable from defaults plus environment.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Fall through to env + defaults.
		case err != nil:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	fillDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over file values, in
// the same spirit as the store's LoadConfigFromEnv.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WUHU_HTTP_PORT"); v != "" {
		cfg.Server.HTTPPort = v
	}
	if v := os.Getenv("GIN_MODE"); v != "" {
		cfg.Server.GinMode = v
	}
	if v := os.Getenv("WUHU_CONTEXT_WINDOW_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Compaction.ContextWindowTokens = n
		}
	}
	if v := os.Getenv("WUHU_RESERVE_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Compaction.ReserveTokens = n
		}
	}
	if v := os.Getenv("WUHU_KEEP_RECENT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Compaction.KeepRecentTokens = n
		}
	}
	if v := os.Getenv("WUHU_COMPACTION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Compaction.Enabled = &b
		}
	}
}

// fillDefaults restores defaults for fields the file set to zero values.
func fillDefaults(cfg *Config) {
	def := defaults()
	if cfg.Server.HTTPPort == "" {
		cfg.Server.HTTPPort = def.Server.HTTPPort
	}
	if cfg.Server.GinMode == "" {
		cfg.Server.GinMode = def.Server.GinMode
	}
	if cfg.Compaction.ContextWindowTokens == 0 {
		cfg.Compaction.ContextWindowTokens = def.Compaction.ContextWindowTokens
	}
	if cfg.Compaction.ReserveTokens == 0 {
		cfg.Compaction.ReserveTokens = def.Compaction.ReserveTokens
	}
	if cfg.Compaction.KeepRecentTokens == 0 {
		cfg.Compaction.KeepRecentTokens = def.Compaction.KeepRecentTokens
	}
	if cfg.Retry.InitialInterval == "" {
		cfg.Retry.InitialInterval = def.Retry.InitialInterval
	}
	if cfg.Retry.MaxInterval == "" {
		cfg.Retry.MaxInterval = def.Retry.MaxInterval
	}
	if cfg.Retry.MaxElapsedTime == "" {
		cfg.Retry.MaxElapsedTime = def.Retry.MaxElapsedTime
	}
	if cfg.Retry.JitterFraction == 0 {
		cfg.Retry.JitterFraction = def.Retry.JitterFraction
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = def.Retry.MaxRetries
	}
}

// Validate checks ranges and parses the retry durations.
func (c *Config) Validate() error {
	if c.Compaction.ContextWindowTokens <= 0 {
		return fmt.Errorf("compaction.context_window_tokens must be positive, got %d", c.Compaction.ContextWindowTokens)
	}
	if c.Compaction.ReserveTokens < 0 {
		return fmt.Errorf("compaction.reserve_tokens must not be negative, got %d", c.Compaction.ReserveTokens)
	}
	if c.Compaction.KeepRecentTokens < 0 {
		return fmt.Errorf("compaction.keep_recent_tokens must not be negative, got %d", c.Compaction.KeepRecentTokens)
	}
	if c.Compaction.ReserveTokens >= c.Compaction.ContextWindowTokens {
		return fmt.Errorf("compaction.reserve_tokens (%d) must be smaller than context_window_tokens (%d)",
			c.Compaction.ReserveTokens, c.Compaction.ContextWindowTokens)
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return fmt.Errorf("retry.jitter_fraction must be in [0, 1], got %v", c.Retry.JitterFraction)
	}

	var err error
	if c.Retry.initialInterval, err = time.ParseDuration(c.Retry.InitialInterval); err != nil {
		return fmt.Errorf("retry.initial_interval: %w", err)
	}
	if c.Retry.maxInterval, err = time.ParseDuration(c.Retry.MaxInterval); err != nil {
		return fmt.Errorf("retry.max_interval: %w", err)
	}
	if c.Retry.maxElapsedTime, err = time.ParseDuration(c.Retry.MaxElapsedTime); err != nil {
		return fmt.Errorf("retry.max_elapsed_time: %w", err)
	}
	return nil
}
