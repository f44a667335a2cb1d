package vcs_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/internal/mocks"
	"patchpilot/pkg/vcs"
)

func TestGitCommandSequence(t *testing.T) {
	runner := mocks.NewMockGitRunner()
	runner.RespondWithMap(map[string]string{
		"rev-parse --abbrev-ref": "main\n",
		"rev-parse":              "abc123\n",
	})
	g := vcs.NewGit(runner, "/repo")
	ctx := context.Background()

	branch, err := g.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	id, err := g.CommitAll(ctx, "feat: x")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	_, err = g.SquashMergeInto(ctx, "main", "patchpilot/t1", "merged")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"git rev-parse --abbrev-ref HEAD",
		"git add --all",
		"git commit --no-verify --allow-empty -m feat: x",
		"git rev-parse HEAD",
		"git checkout main",
		"git merge --squash patchpilot/t1",
		"git commit --no-verify --allow-empty -m merged",
		"git rev-parse HEAD",
	}, runner.Commands())
	assert.Equal(t, "/repo", runner.RunCalls[0].Dir)
}

func TestGitErrorsAreTyped(t *testing.T) {
	runner := mocks.NewMockGitRunner()
	boom := errors.New("exit status 128")
	runner.FailCommandWith("reset", boom)

	err := vcs.NewGit(runner, "/repo").ResetHard(context.Background(), "abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, vcs.ErrVCS)
	assert.ErrorIs(t, err, boom)

	var ve *vcs.Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "reset", ve.Op)
}

func TestDetachedHead(t *testing.T) {
	runner := mocks.NewMockGitRunner()
	runner.RespondWithMap(map[string]string{"rev-parse": "HEAD\n"})
	_, err := vcs.NewGit(runner, "/repo").CurrentBranch(context.Background())
	assert.ErrorIs(t, err, vcs.ErrVCS)
}

func TestGitAgainstRealRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	runner := vcs.NewDefaultGitRunner(nil)
	ctx := context.Background()
	for _, args := range [][]string{
		{"init", "-q", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
		{"config", "commit.gpgsign", "false"},
	} {
		_, err := runner.Run(ctx, dir, args...)
		require.NoError(t, err)
	}
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	g := vcs.NewGit(runner, dir)
	write("a.txt", "one\n")
	base, err := g.CommitAll(ctx, "initial")
	require.NoError(t, err)

	require.NoError(t, g.CreateAndCheckout(ctx, "work"))
	write("a.txt", "two\n")
	write("b.txt", "new\n")
	diff, err := g.Diff(ctx)
	require.NoError(t, err)
	assert.Contains(t, diff, "+two")
	assert.Contains(t, diff, "b.txt")

	first, err := g.CommitAll(ctx, "change a, add b")
	require.NoError(t, err)
	write("a.txt", "three\n")
	_, err = g.CommitAll(ctx, "change a again")
	require.NoError(t, err)

	commits, err := g.CommitsSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, first, commits[0].ID)
	assert.Equal(t, "change a again", commits[1].Message)

	require.NoError(t, g.ResetHard(ctx, first))
	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(data))

	_, err = g.SquashMergeInto(ctx, "main", "work", "squashed")
	require.NoError(t, err)
	branch, err := g.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	data, err = os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))

	require.NoError(t, g.DeleteBranch(ctx, "work"))
}
