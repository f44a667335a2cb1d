package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"patchpilot/pkg/agent"
	"patchpilot/pkg/checkpoint"
	"patchpilot/pkg/config"
	"patchpilot/pkg/diagnostics"
	"patchpilot/pkg/gather"
	"patchpilot/pkg/generate"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/metrics"
	"patchpilot/pkg/persistence"
	"patchpilot/pkg/utils"
	"patchpilot/pkg/vcs"
	"patchpilot/pkg/workflow"
	"patchpilot/pkg/workspace"
)

// EnvPassword unlocks the secrets file without prompting.
const EnvPassword = "PATCHPILOT_PASSWORD"

// runtime is everything a command needs to drive the engine.
type runtime struct {
	cfg      *config.Config
	logger   *logx.Logger
	recorder *metrics.PrometheusRecorder
	engine   *workflow.Engine
	closers  []func() error
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// loadConfig reads configuration for the global --config and --workspace flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"), c.String("workspace"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

// newLogger builds the root logger: text or JSON to w, plus the in-memory
// buffer served by /v1/logs.
func newLogger(cfg config.LogConfig, w io.Writer) *logx.Logger {
	var out logx.Sink
	if cfg.Format == "json" {
		out = logx.NewZerologSink(w)
	} else {
		out = logx.NewTextSink(w)
	}
	level := logx.ParseLevel(cfg.Level)
	if level == logx.LevelDebug {
		logx.SetDebug(true)
	}
	return logx.NewLoggerWithSink("patchpilot", logx.MultiSink{out, logx.Buffer()}, level)
}

// loadSecrets decrypts the workspace secrets file when one exists. The
// password comes from PATCHPILOT_PASSWORD or, on a terminal, a prompt.
func loadSecrets(root string) (*config.Secrets, error) {
	if !config.SecretsFileExists(root) {
		return config.NewSecrets(nil), nil
	}
	password, err := secretsPassword(false)
	if err != nil {
		return nil, err
	}
	values, err := config.DecryptSecretsFile(root, password)
	if err != nil {
		return nil, err
	}
	return config.NewSecrets(values), nil
}

func secretsPassword(confirm bool) (string, error) {
	if p := os.Getenv(EnvPassword); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("secrets file is encrypted: set %s or run on a terminal", EnvPassword)
	}
	fmt.Fprint(os.Stderr, "Secrets password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if !confirm {
		return string(first), nil
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

// newStore opens the configured checkpoint store.
func newStore(cfg *config.Config, logger *logx.Logger) (checkpoint.Store, func() error, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		return checkpoint.NewMemoryStore(), func() error { return nil }, nil
	}
	path := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	store, err := persistence.Open(path, logger.WithComponent("persistence"))
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// newDiagnostics combines syntax checking with the configured linters.
func newDiagnostics(cfg config.DiagnosticsConfig, fs workspace.FileAccess) diagnostics.Multi {
	var sources diagnostics.Multi
	if cfg.Syntax {
		sources = append(sources, diagnostics.NewSyntaxSource(fs))
	}
	for _, l := range cfg.Linters {
		sources = append(sources, &diagnostics.CommandSource{
			Name:       l.Name,
			Command:    l.Command,
			Dir:        fs.Root(),
			Args:       l.Args,
			Extensions: l.Extensions,
			Timeout:    cfg.Timeout,
		})
	}
	return sources
}

// engineOptions maps configuration onto workflow options.
func engineOptions(cfg *config.Config) workflow.Options {
	opts := workflow.DefaultOptions()
	opts.BranchPrefix = cfg.Workflow.BranchPrefix
	opts.MaxFeedbackLoops = cfg.Workflow.MaxFeedbackLoops
	opts.MaxTokens = cfg.Model.MaxTokens
	opts.Temperature = cfg.Model.Temperature
	opts.Gather = gather.Config{
		MaxIterations:           cfg.Gather.MaxIterations,
		MaxListingsBetweenReads: cfg.Gather.MaxListingsBetweenReads,
		MaxFileTokens:           cfg.Gather.MaxFileTokens,
		MaxSearchResults:        cfg.Gather.MaxSearchResults,
		MaxTokens:               cfg.Model.MaxTokens,
	}
	opts.Generate = generate.Config{
		MaxIterations: cfg.Generate.MaxIterations,
		MaxTokens:     cfg.Model.MaxTokens,
	}
	return opts
}

// setup loads configuration and secrets and assembles an engine over the
// workspace's git repository.
func setup(c *cli.Context) (*runtime, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, c.App.ErrWriter)
	return newRuntime(c.Context, cfg, logger)
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *logx.Logger) (*runtime, error) {
	fs, err := workspace.NewLocalFS(cfg.Workspace.Root, cfg.Workspace.Ignore)
	if err != nil {
		return nil, err
	}
	secrets, err := loadSecrets(fs.Root())
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, recorder: metrics.NewPrometheusRecorder()}
	store, closeStore, err := newStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeStore)

	factory := agent.NewLLMClientFactory(cfg, secrets, rt.recorder, logger.WithComponent("llm"))
	client, err := factory.CreateClient(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}
	classifier, err := factory.CreateClassifierClient(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to create classifier client: %w", err)
	}

	deps := workflow.Deps{
		Client:           client,
		ClassifierClient: classifier,
		Workspace:        fs,
		VCS:              vcs.NewGit(vcs.NewDefaultGitRunner(logger.WithComponent("git")), fs.Root()),
		Diagnostics:      newDiagnostics(cfg.Diagnostics, fs),
		Store:            store,
		Observer:         rt.recorder,
		Logger:           logger.WithComponent("workflow"),
	}
	if tokens, err := utils.NewTokenCounter(cfg.Model.Name); err == nil {
		deps.Tokens = tokens
	} else {
		logger.Warn("token counting falls back to estimates: %v", err)
	}

	rt.engine, err = workflow.New(deps, engineOptions(cfg))
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}
