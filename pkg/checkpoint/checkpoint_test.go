package checkpoint_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/internal/mocks"
	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/checkpoint"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/vcs"
	"patchpilot/pkg/workspace"
)

type fixture struct {
	fs     *workspace.MemFS
	repo   *mocks.MemVCS
	client *mocks.MockLLMClient
	store  *checkpoint.MemoryStore
	mgr    *checkpoint.Manager
}

func newFixture() *fixture {
	fs := workspace.NewMemFS(map[string]string{"utils.py": "x = 1\n"})
	f := &fixture{
		fs:     fs,
		repo:   mocks.NewMemVCS(fs),
		client: mocks.NewMockLLMClient(),
		store:  checkpoint.NewMemoryStore(),
	}
	f.mgr = checkpoint.NewManager(f.repo, f.store, f.client, "", logx.Nop())
	return f
}

// step writes content, commits it and records a snapshot holding msgs.
func (f *fixture) step(t *testing.T, thread, content, message string, msgs ...string) string {
	t.Helper()
	ctx := context.Background()
	_, err := f.mgr.Activate(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.fs.Write(ctx, "utils.py", content))

	f.client.QueueComplete(llm.CompletionResponse{Content: message})
	c, err := f.mgr.Commit(ctx, thread, "change it", "diff")
	require.NoError(t, err)
	assert.Equal(t, message, c.Message)
	commit := c.ID

	state := proto.NewThreadState(thread)
	for _, m := range msgs {
		state = state.Apply(proto.Update{Messages: []proto.Message{proto.NewMessage(proto.RoleHuman, m)}})
	}
	state = state.Apply(proto.Update{CommitID: proto.Ptr(commit)})
	snap := checkpoint.NewSnapshot("", "generate", state)
	require.NoError(t, f.store.SaveSnapshot(ctx, snap))
	require.NoError(t, f.mgr.Record(ctx, thread, commit, snap.ID, message))
	return commit
}

func TestActivateForksOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	lin, err := f.mgr.Activate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "main", lin.ParentBranch)
	assert.Equal(t, "patchpilot/t1", lin.Branch)
	assert.NotEmpty(t, lin.ForkCommit)

	again, err := f.mgr.Activate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, lin.ForkCommit, again.ForkCommit)

	branch, _ := f.repo.CurrentBranch(ctx)
	assert.Equal(t, "patchpilot/t1", branch)
}

func TestActivateChecksOutThreadBranch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.mgr.Activate(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.repo.Checkout(ctx, "main"))

	_, err = f.mgr.Activate(ctx, "t1")
	require.NoError(t, err)
	branch, _ := f.repo.CurrentBranch(ctx)
	assert.Equal(t, "patchpilot/t1", branch)
}

func TestSecondThreadForksFromBaseBranch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.step(t, "t1", "x = 2\n", "Bump x")
	mainTip := f.repo.Branches()["main"]

	// The tree is still on t1's branch when t2 starts.
	lin, err := f.mgr.Activate(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "main", lin.ParentBranch)
	assert.Equal(t, mainTip, lin.ForkCommit)
	content, err := f.fs.Read(ctx, "utils.py")
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", content)

	f.step(t, "t2", "x = 3\n", "Set x to 3")
	require.NoError(t, f.mgr.Reject(ctx, "t1"))

	res, err := f.mgr.Accept(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "main", res.ParentBranch)
	merged, ok := f.repo.FilesAt(f.repo.Branches()["main"])
	require.True(t, ok)
	assert.Equal(t, "x = 3\n", merged["utils.py"])
}

func TestCommitMessageFailureIsVCSError(t *testing.T) {
	f := newFixture()
	f.client.QueueCompleteError(errors.New("model down"))

	_, err := f.mgr.Commit(context.Background(), "t1", "req", "diff")
	require.Error(t, err)
	assert.True(t, errors.Is(err, vcs.ErrVCS))
	assert.Empty(t, f.repo.Branches()["patchpilot/t1"], "nothing forked or committed")
}

func TestRecordRejectsDuplicateCommit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.mgr.Record(ctx, "t1", "abc", "s1", "m"))
	err := f.mgr.Record(ctx, "t2", "abc", "s2", "m")
	assert.True(t, errors.Is(err, checkpoint.ErrDuplicateCommit))
}

func TestRestoreReturnsRecordedState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first := f.step(t, "t1", "x = 2\n", "Set x to 2", "one")
	second := f.step(t, "t1", "x = 3\n", "Set x to 3", "one", "two")

	snap, err := f.mgr.Restore(ctx, "t1", first)
	require.NoError(t, err)
	require.Len(t, snap.State.Messages, 1)
	assert.Equal(t, "one", snap.State.Messages[0].Content)

	head, err := f.store.Head(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, head.ID)

	content, err := f.fs.Read(ctx, "utils.py")
	require.NoError(t, err)
	assert.Equal(t, "x = 2\n", content)

	// later checkpoints stay addressable
	_, err = f.mgr.Restore(ctx, "t1", second)
	require.NoError(t, err)
	content, _ = f.fs.Read(ctx, "utils.py")
	assert.Equal(t, "x = 3\n", content)
}

func TestRestoreUnknownCommitMutatesNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.step(t, "t1", "x = 2\n", "Set x to 2", "one")
	other := f.step(t, "t2", "x = 9\n", "Set x to 9", "other")
	_, err := f.mgr.Activate(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.fs.Write(ctx, "utils.py", "dirty\n"))
	before := len(f.repo.Ops)
	headBefore, _ := f.store.Head(ctx, "t1")

	for _, commit := range []string{"deadbeef", other} {
		_, err := f.mgr.Restore(ctx, "t1", commit)
		require.Error(t, err)
		assert.True(t, errors.Is(err, checkpoint.ErrCheckpointNotFound), commit)
	}

	assert.Len(t, f.repo.Ops, before)
	content, _ := f.fs.Read(ctx, "utils.py")
	assert.Equal(t, "dirty\n", content)
	headAfter, _ := f.store.Head(ctx, "t1")
	assert.Equal(t, headBefore.ID, headAfter.ID)
}

func TestAcceptRequiresCheckpoint(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.mgr.Accept(ctx, "t1")
	assert.True(t, errors.Is(err, checkpoint.ErrNoLineage))

	_, err = f.mgr.Activate(ctx, "t1")
	require.NoError(t, err)
	_, err = f.mgr.Accept(ctx, "t1")
	assert.True(t, errors.Is(err, checkpoint.ErrNothingToAccept))
}

func TestAcceptSquashesInOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.step(t, "t1", "x = 2\n", "Set x to 2", "one")
	f.step(t, "t1", "x = 3\n", "Set x to 3", "two")

	res, err := f.mgr.Accept(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, res.Commits, 2)
	assert.Equal(t, "main", res.ParentBranch)
	i, j := strings.Index(res.Message, "Set x to 2"), strings.Index(res.Message, "Set x to 3")
	assert.True(t, i >= 0 && j > i, res.Message)

	branches := f.repo.Branches()
	assert.Equal(t, res.CommitID, branches["main"])
	assert.NotContains(t, branches, "patchpilot/t1")
	content, _ := f.fs.Read(ctx, "utils.py")
	assert.Equal(t, "x = 3\n", content)

	lin, err := f.mgr.Lineage(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, lin.Concluded)
	assert.Equal(t, checkpoint.OutcomeAccepted, lin.Outcome)

	_, err = f.mgr.Activate(ctx, "t1")
	assert.True(t, errors.Is(err, checkpoint.ErrConcluded))
}

func TestRejectDropsBranch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.step(t, "t1", "x = 2\n", "Set x to 2", "one")

	require.NoError(t, f.mgr.Reject(ctx, "t1"))
	branch, _ := f.repo.CurrentBranch(ctx)
	assert.Equal(t, "main", branch)
	assert.NotContains(t, f.repo.Branches(), "patchpilot/t1")
	content, _ := f.fs.Read(ctx, "utils.py")
	assert.Equal(t, "x = 1\n", content)

	err := f.mgr.Reject(ctx, "t1")
	assert.True(t, errors.Is(err, checkpoint.ErrConcluded))
}

func TestObserverSeesOperations(t *testing.T) {
	f := newFixture()
	var ops []string
	f.mgr.SetObserver(func(op string, err error) {
		if err != nil {
			op += ":error"
		}
		ops = append(ops, op)
	})
	_, _ = f.mgr.Restore(context.Background(), "t1", "nope")
	_, _ = f.mgr.Activate(context.Background(), "t1")
	assert.Equal(t, []string{"restore:error", "activate"}, ops)
}

func TestMergeMessage(t *testing.T) {
	lin := checkpoint.Lineage{Branch: "patchpilot/t"}
	msg := checkpoint.MergeMessage(lin, []vcs.Commit{{Message: "a\n"}, {Message: "b"}})
	assert.Equal(t, "Merge patchpilot/t (2 commit(s))\n\na\n\nb\n", msg)
}
