// Package config loads drover settings from a YAML file, with DROVER_*
// environment variables layered on top. Defaults come first, then the file,
// then the environment, so a bare invocation works and every knob stays
// overridable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/budget"
	"github.com/droverhq/drover/loop"
	"github.com/droverhq/drover/stream"
)

// Providers the CLI knows how to wire.
var knownProviders = []string{"anthropic", "openai", "local", "ollama"}

// Settings is the full runtime configuration.
type Settings struct {
	// Provider selects the model backend: anthropic, openai, local, or ollama.
	Provider string `yaml:"provider"`

	// Model is a catalog ID or alias, or any model the provider serves.
	Model string `yaml:"model"`

	// BaseURL points the local provider at an OpenAI-compatible endpoint.
	// Default: http://localhost:11434/v1
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key. When
	// empty, the provider's conventional variable is used.
	APIKeyEnv string `yaml:"api_key_env"`

	// MaxIterations caps the number of model turns in a session.
	MaxIterations int `yaml:"max_iterations"`

	// MaxTokens caps the output of a single model turn.
	MaxTokens int `yaml:"max_tokens"`

	// ContextWindow is the fallback window for models the catalog does not
	// know.
	ContextWindow int `yaml:"context_window"`

	// NativeTools advertises tool definitions on the provider's structured
	// channel instead of relying on embedded calls in text.
	NativeTools bool `yaml:"native_tools"`

	// RepetitionWindow is how many recent calls the repetition detector
	// examines. Zero disables detection.
	RepetitionWindow int `yaml:"repetition_window"`

	// SystemPrompt overrides the built-in agent prompt.
	SystemPrompt string `yaml:"system_prompt"`

	Stream     StreamSettings     `yaml:"stream"`
	Compaction CompactionSettings `yaml:"compaction"`

	// StorePath is the transcript database file. Empty disables persistence.
	StorePath string `yaml:"store_path"`
}

// StreamSettings tunes visible-output streaming.
type StreamSettings struct {
	// ThrottleMs is the minimum interval between visible updates.
	ThrottleMs int `yaml:"throttle_ms"`

	// MinFirstRunes is how much visible text must accumulate before the
	// first update.
	MinFirstRunes int `yaml:"min_first_runes"`
}

// CompactionSettings tunes context compaction.
type CompactionSettings struct {
	// Enabled turns compaction on. Default true.
	Enabled bool `yaml:"enabled"`

	// Threshold is the fraction of the context window at which compaction
	// triggers.
	Threshold float64 `yaml:"threshold"`

	// PreserveTail is how many trailing messages survive verbatim.
	PreserveTail int `yaml:"preserve_tail"`
}

// Default returns the baseline configuration.
func Default() *Settings {
	base := loop.DefaultSessionConfig()
	return &Settings{
		Provider:         "anthropic",
		Model:            "claude-sonnet-4-5",
		BaseURL:          "http://localhost:11434/v1",
		MaxIterations:    base.MaxIterations,
		MaxTokens:        base.MaxTokens,
		ContextWindow:    base.ContextWindow,
		RepetitionWindow: base.RepetitionWindow,
		Stream: StreamSettings{
			ThrottleMs:    int(stream.DefaultThrottle / time.Millisecond),
			MinFirstRunes: stream.DefaultMinFirstRunes,
		},
		Compaction: CompactionSettings{
			Enabled:      true,
			Threshold:    budget.DefaultThreshold,
			PreserveTail: budget.DefaultPreserveTail,
		},
	}
}

// Load reads a YAML settings file over the defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return s, nil
}

// ApplyEnv overlays DROVER_* environment variables. Malformed numeric values
// are reported rather than silently dropped.
func (s *Settings) ApplyEnv() error {
	var errs []error
	if v := os.Getenv("DROVER_PROVIDER"); v != "" {
		s.Provider = v
	}
	if v := os.Getenv("DROVER_MODEL"); v != "" {
		s.Model = v
	}
	if v := os.Getenv("DROVER_BASE_URL"); v != "" {
		s.BaseURL = v
	}
	if v := os.Getenv("DROVER_API_KEY_ENV"); v != "" {
		s.APIKeyEnv = v
	}
	if v := os.Getenv("DROVER_STORE"); v != "" {
		s.StorePath = v
	}
	if v := os.Getenv("DROVER_MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DROVER_MAX_ITERATIONS: %w", err))
		} else {
			s.MaxIterations = n
		}
	}
	if v := os.Getenv("DROVER_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DROVER_MAX_TOKENS: %w", err))
		} else {
			s.MaxTokens = n
		}
	}
	return errors.Join(errs...)
}

// Validate checks the settings for errors.
func (s *Settings) Validate() error {
	var errs []error

	if !providerKnown(s.Provider) {
		errs = append(errs, fmt.Errorf("provider must be one of %v, got %q", knownProviders, s.Provider))
	}
	if s.Model == "" {
		errs = append(errs, fmt.Errorf("model is required"))
	}
	if s.Provider == "local" && s.BaseURL == "" {
		errs = append(errs, fmt.Errorf("base_url is required for the local provider"))
	}
	if s.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("max_iterations must be positive, got %d", s.MaxIterations))
	}
	if s.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive, got %d", s.MaxTokens))
	}
	if s.Stream.ThrottleMs < 0 {
		errs = append(errs, fmt.Errorf("stream.throttle_ms must not be negative, got %d", s.Stream.ThrottleMs))
	}
	if s.Stream.MinFirstRunes < 0 {
		errs = append(errs, fmt.Errorf("stream.min_first_runes must not be negative, got %d", s.Stream.MinFirstRunes))
	}
	if s.Compaction.Enabled {
		if s.Compaction.Threshold <= 0 || s.Compaction.Threshold > 1 {
			errs = append(errs, fmt.Errorf("compaction.threshold must be in (0, 1], got %g", s.Compaction.Threshold))
		}
		if s.Compaction.PreserveTail < 0 {
			errs = append(errs, fmt.Errorf("compaction.preserve_tail must not be negative, got %d", s.Compaction.PreserveTail))
		}
	}

	return errors.Join(errs...)
}

func providerKnown(name string) bool {
	for _, p := range knownProviders {
		if p == name {
			return true
		}
	}
	return false
}

// APIKey reads the configured key variable, falling back to the provider's
// conventional one. Empty means unauthenticated, which local endpoints
// accept.
func (s *Settings) APIKey() string {
	if s.APIKeyEnv != "" {
		if v := os.Getenv(s.APIKeyEnv); v != "" {
			return v
		}
	}
	switch s.Provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

// SessionConfig translates the settings into a session configuration.
func (s *Settings) SessionConfig() loop.SessionConfig {
	cfg := loop.DefaultSessionConfig()
	cfg.MaxIterations = s.MaxIterations
	cfg.SystemPrompt = s.SystemPrompt
	cfg.Model = s.Model
	cfg.Provider = s.Provider
	cfg.MaxTokens = s.MaxTokens
	cfg.ContextWindow = s.ContextWindow
	cfg.NativeTools = s.NativeTools
	cfg.RepetitionWindow = s.RepetitionWindow
	if s.Stream.ThrottleMs > 0 {
		cfg.Throttle = time.Duration(s.Stream.ThrottleMs) * time.Millisecond
	}
	if s.Stream.MinFirstRunes > 0 {
		cfg.MinFirstRunes = s.Stream.MinFirstRunes
	}
	return cfg
}

// Compactor builds the context compactor for these settings around the given
// summarize function. Returns nil when compaction is disabled.
func (s *Settings) Compactor(summarize budget.SummarizeFunc) *budget.Compactor {
	if !s.Compaction.Enabled {
		return nil
	}
	return &budget.Compactor{
		Threshold:    s.Compaction.Threshold,
		PreserveTail: s.Compaction.PreserveTail,
		Summarize:    summarize,
	}
}
