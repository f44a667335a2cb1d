package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load("", root)
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Workspace.Root)
	assert.Equal(t, 3, cfg.Workflow.MaxFeedbackLoops)
	assert.Equal(t, 3, cfg.Gather.MaxListingsBetweenReads)
	assert.Equal(t, 12, cfg.Gather.MaxIterations)
	assert.Equal(t, 3*time.Minute, cfg.LLM.Timeout)
	assert.Equal(t, time.Second, cfg.LLM.Retry.InitialDelay)
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
	assert.Equal(t, filepath.Join(root, ProjectDir, DatabaseFilename), cfg.DatabasePath())
	assert.Equal(t, cfg.Model.Name, cfg.ClassifierModel())

	provider, err := cfg.Provider()
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, provider)
}

func TestLoadProjectFileAndEnv(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ProjectDir), 0o755))
	toml := `
[model]
name = "gpt-4o"
classifier_name = "gpt-4o-mini"

[workflow]
max_feedback_loops = 5

[[diagnostics.linters]]
name = "vet"
command = "go"
args = ["vet", "{path}"]
extensions = [".go"]
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ProjectDir, ConfigFilename), []byte(toml), 0o644))
	t.Setenv("PATCHPILOT_GATHER__MAX_ITERATIONS", "7")
	t.Setenv("PATCHPILOT_STORAGE__DRIVER", "memory")

	cfg, err := Load("", root)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.Model.Name)
	assert.Equal(t, "gpt-4o-mini", cfg.ClassifierModel())
	assert.Equal(t, 5, cfg.Workflow.MaxFeedbackLoops)
	assert.Equal(t, 7, cfg.Gather.MaxIterations)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	require.Len(t, cfg.Diagnostics.Linters, 1)
	assert.Equal(t, []string{"vet", "{path}"}, cfg.Diagnostics.Linters[0].Args)

	provider, err := cfg.Provider()
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, provider)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), "")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	root := t.TempDir()
	base, err := Load("", root)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative loops", func(c *Config) { c.Workflow.MaxFeedbackLoops = -1 }},
		{"bad storage", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown model", func(c *Config) { c.Model.Name = "mystery-1" }},
		{"delays inverted", func(c *Config) { c.LLM.Retry.MaxDelay = time.Millisecond }},
		{"linter without command", func(c *Config) {
			c.Diagnostics.Linters = []LinterConfig{{Name: "x"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}

	explicit := *base
	explicit.Model.Name = "mystery-1"
	explicit.Model.Provider = ProviderOllama
	assert.NoError(t, explicit.Validate())
}

func TestProviderFor(t *testing.T) {
	for model, want := range map[string]string{
		"claude-opus-4":  ProviderAnthropic,
		"o3-mini":        ProviderOpenAI,
		"gemini-2.5-pro": ProviderGoogle,
		"ollama:qwen2.5": ProviderOllama,
		"deepseek-coder": ProviderOllama,
	} {
		got, err := ProviderFor(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, got, model)
	}
	_, err := ProviderFor("unknown")
	assert.Error(t, err)
}
