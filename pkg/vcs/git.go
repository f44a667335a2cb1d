package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"patchpilot/pkg/logx"
)

// GitRunner runs git commands; tests substitute a mock.
type GitRunner interface {
	// Run executes git with args in dir and returns combined output.
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// DefaultGitRunner runs the system git binary.
type DefaultGitRunner struct {
	logger *logx.Logger
}

func NewDefaultGitRunner(logger *logx.Logger) *DefaultGitRunner {
	if logger == nil {
		logger = logx.Nop()
	}
	return &DefaultGitRunner{logger: logger}
}

func (g *DefaultGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	g.logger.DebugDomain("vcs", "cd %s && git %s", dir, strings.Join(args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, ctxErr
		}
		return output, fmt.Errorf("git %s failed in %s: %w\nOutput: %s",
			strings.Join(args, " "), dir, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// Git implements VCS with the git CLI over one working tree.
type Git struct {
	runner GitRunner
	dir    string
}

func NewGit(runner GitRunner, dir string) *Git {
	return &Git{runner: runner, dir: dir}
}

func (g *Git) run(ctx context.Context, op string, args ...string) (string, error) {
	out, err := g.runner.Run(ctx, g.dir, args...)
	if err != nil {
		return "", wrap(op, err)
	}
	return string(out), nil
}

func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "current branch", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" {
		return "", wrap("current branch", errors.New("HEAD is detached"))
	}
	return branch, nil
}

func (g *Git) HeadCommit(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "head commit", "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

func (g *Git) CreateAndCheckout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "create branch", "checkout", "-b", branch)
	return err
}

func (g *Git) Checkout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", "checkout", branch)
	return err
}

func (g *Git) Diff(ctx context.Context) (string, error) {
	// Intent-to-add makes new files show up in the diff without staging content.
	if _, err := g.run(ctx, "diff", "add", "--all", "--intent-to-add"); err != nil {
		return "", err
	}
	return g.run(ctx, "diff", "diff", "HEAD", "--no-color", "--no-ext-diff")
}

func (g *Git) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "commit", "add", "--all"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "commit", "commit", "--no-verify", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	return g.HeadCommit(ctx)
}

func (g *Git) ResetHard(ctx context.Context, commit string) error {
	_, err := g.run(ctx, "reset", "reset", "--hard", commit)
	return err
}

func (g *Git) SquashMergeInto(ctx context.Context, target, branch, message string) (string, error) {
	if err := g.Checkout(ctx, target); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "squash merge", "merge", "--squash", branch); err != nil {
		// Leave the target clean for the next attempt.
		_, _ = g.runner.Run(context.WithoutCancel(ctx), g.dir, "reset", "--hard", "HEAD")
		return "", err
	}
	if _, err := g.run(ctx, "squash merge", "commit", "--no-verify", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	return g.HeadCommit(ctx)
}

func (g *Git) CommitsSince(ctx context.Context, commit string) ([]Commit, error) {
	out, err := g.run(ctx, "log", "log", "--reverse", "--format=%H"+fieldSep+"%B"+recordSep, commit+"..HEAD")
	if err != nil {
		return nil, err
	}
	return parseLog(out), nil
}

func parseLog(out string) []Commit {
	var commits []Commit
	for _, record := range strings.Split(out, recordSep) {
		record = strings.TrimLeft(record, "\n")
		if record == "" {
			continue
		}
		id, msg, ok := strings.Cut(record, fieldSep)
		if !ok {
			continue
		}
		commits = append(commits, Commit{ID: strings.TrimSpace(id), Message: strings.TrimSpace(msg)})
	}
	return commits
}

func (g *Git) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "delete branch", "branch", "-D", branch)
	return err
}
