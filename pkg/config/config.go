// Package config loads patchpilot configuration from defaults, an optional
// TOML file and PATCHPILOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// ProjectDir holds per-repository state (config, secrets, database).
	ProjectDir        = ".patchpilot"
	ConfigFilename    = "config.toml"
	DatabaseFilename  = "patchpilot.db"
	EnvPrefix         = "PATCHPILOT_"
	DefaultBranchPref = "patchpilot/"

	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Config is the root configuration.
type Config struct {
	Model       ModelConfig       `koanf:"model"`
	LLM         LLMConfig         `koanf:"llm"`
	Workflow    WorkflowConfig    `koanf:"workflow"`
	Gather      GatherConfig      `koanf:"gather"`
	Generate    GenerateConfig    `koanf:"generate"`
	Workspace   WorkspaceConfig   `koanf:"workspace"`
	Storage     StorageConfig     `koanf:"storage"`
	Diagnostics DiagnosticsConfig `koanf:"diagnostics"`
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
}

// ModelConfig selects the language model. Provider is inferred from Name
// when empty; ClassifierName defaults to Name.
type ModelConfig struct {
	Name           string  `koanf:"name" validate:"required"`
	Provider       string  `koanf:"provider" validate:"omitempty,oneof=anthropic openai google ollama"`
	ClassifierName string  `koanf:"classifier_name"`
	Temperature    float32 `koanf:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int     `koanf:"max_tokens" validate:"gt=0"`
}

// LLMConfig configures the middleware wrapped around every model client.
type LLMConfig struct {
	Timeout   time.Duration   `koanf:"timeout" validate:"gt=0"`
	Retry     RetryConfig     `koanf:"retry"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Circuit   CircuitConfig   `koanf:"circuit"`
}

type RetryConfig struct {
	MaxAttempts   int           `koanf:"max_attempts" validate:"gte=1,lte=10"`
	InitialDelay  time.Duration `koanf:"initial_delay" validate:"gt=0"`
	MaxDelay      time.Duration `koanf:"max_delay" validate:"gt=0"`
	BackoffFactor float64       `koanf:"backoff_factor" validate:"gte=1"`
	Jitter        bool          `koanf:"jitter"`
}

// RateLimitConfig is a token bucket over requests. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `koanf:"requests_per_minute" validate:"gte=0"`
	Burst             int `koanf:"burst" validate:"gte=0"`
}

type CircuitConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"gte=1"`
	SuccessThreshold int           `koanf:"success_threshold" validate:"gte=1"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
}

type WorkflowConfig struct {
	// MaxFeedbackLoops bounds Validation -> Analyze round trips within one turn.
	MaxFeedbackLoops int    `koanf:"max_feedback_loops" validate:"gte=0"`
	BranchPrefix     string `koanf:"branch_prefix" validate:"required"`
}

type GatherConfig struct {
	MaxIterations           int `koanf:"max_iterations" validate:"gte=1"`
	MaxListingsBetweenReads int `koanf:"max_listings_between_reads" validate:"gte=1"`
	MaxFileTokens           int `koanf:"max_file_tokens" validate:"gte=1"`
	MaxSearchResults        int `koanf:"max_search_results" validate:"gte=1"`
}

type GenerateConfig struct {
	MaxIterations int `koanf:"max_iterations" validate:"gte=1"`
}

type WorkspaceConfig struct {
	Root   string   `koanf:"root" validate:"required"`
	Ignore []string `koanf:"ignore"`
}

type StorageConfig struct {
	Driver string `koanf:"driver" validate:"oneof=memory sqlite"`
	Path   string `koanf:"path"`
}

// LinterConfig runs an external command per modified file. The literal
// argument "{path}" is replaced by the file path.
type LinterConfig struct {
	Name       string   `koanf:"name" validate:"required"`
	Command    string   `koanf:"command" validate:"required"`
	Args       []string `koanf:"args"`
	Extensions []string `koanf:"extensions"`
}

type DiagnosticsConfig struct {
	Syntax  bool           `koanf:"syntax"`
	Linters []LinterConfig `koanf:"linters" validate:"dive"`
	Timeout time.Duration  `koanf:"timeout" validate:"gt=0"`
}

type ServerConfig struct {
	Addr               string `koanf:"addr" validate:"required"`
	MaxConcurrentTurns int64  `koanf:"max_concurrent_turns" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

func defaults() map[string]any {
	return map[string]any{
		"model.name":        "claude-sonnet-4-5",
		"model.temperature": 0.2,
		"model.max_tokens":  8192,

		"llm.timeout":                   "3m",
		"llm.retry.max_attempts":        3,
		"llm.retry.initial_delay":       "1s",
		"llm.retry.max_delay":           "30s",
		"llm.retry.backoff_factor":      2.0,
		"llm.retry.jitter":              true,
		"llm.circuit.failure_threshold": 5,
		"llm.circuit.success_threshold": 1,
		"llm.circuit.timeout":           "30s",

		"llm.rate_limit.requests_per_minute": 0,
		"llm.rate_limit.burst":               0,

		"workflow.max_feedback_loops": 3,
		"workflow.branch_prefix":      DefaultBranchPref,

		"gather.max_iterations":             12,
		"gather.max_listings_between_reads": 3,
		"gather.max_file_tokens":            8000,
		"gather.max_search_results":         50,

		"generate.max_iterations": 10,

		"workspace.root":   ".",
		"workspace.ignore": []string{".git", ProjectDir, "node_modules", "vendor"},

		"storage.driver": StorageSQLite,

		"diagnostics.syntax":  true,
		"diagnostics.timeout": "30s",

		"server.addr":                 "127.0.0.1:8765",
		"server.max_concurrent_turns": 4,

		"log.level":  "info",
		"log.format": "text",
	}
}

// Load builds a Config. An explicit path must exist; otherwise
// <workspace>/.patchpilot/config.toml is used when present.
func Load(path, workspaceRoot string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}
	if workspaceRoot != "" {
		if err := k.Load(confmap.Provider(map[string]any{"workspace.root": workspaceRoot}, "."), nil); err != nil {
			return nil, fmt.Errorf("error loading workspace root: %w", err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", path, err)
		}
	} else {
		candidate := filepath.Join(k.String("workspace.root"), ProjectDir, ConfigFilename)
		if _, err := os.Stat(candidate); err == nil {
			if err := k.Load(file.Provider(candidate), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config %s: %w", candidate, err)
			}
		}
	}

	// PATCHPILOT_WORKFLOW__MAX_FEEDBACK_LOOPS -> workflow.max_feedback_loops
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

//nolint:gochecknoglobals // validator caches struct metadata
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.LLM.Retry.MaxDelay < c.LLM.Retry.InitialDelay {
		return fmt.Errorf("%w: llm.retry.max_delay (%v) is shorter than initial_delay (%v)",
			ErrInvalid, c.LLM.Retry.MaxDelay, c.LLM.Retry.InitialDelay)
	}
	if c.Model.Provider == "" {
		if _, err := ProviderFor(c.Model.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Provider returns the configured or inferred provider for the main model.
func (c *Config) Provider() (string, error) {
	if c.Model.Provider != "" {
		return c.Model.Provider, nil
	}
	return ProviderFor(c.Model.Name)
}

// ClassifierModel returns the model used for mode classification.
func (c *Config) ClassifierModel() string {
	if c.Model.ClassifierName != "" {
		return c.Model.ClassifierName
	}
	return c.Model.Name
}

// DatabasePath resolves the SQLite path, relative paths being anchored at the workspace.
func (c *Config) DatabasePath() string {
	p := c.Storage.Path
	if p == "" {
		p = filepath.Join(ProjectDir, DatabaseFilename)
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workspace.Root, p)
}
