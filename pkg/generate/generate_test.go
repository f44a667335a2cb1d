package generate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/internal/mocks"
	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/tools"
	"patchpilot/pkg/workspace"
)

const renameDiff = `--- a/utils.py
+++ b/utils.py
@@ -1,2 +1,2 @@
-x = 1
-print(x)
+y = 1
+print(y)
`

func planned(plan string) proto.ThreadState {
	analysis := proto.NewMessage(proto.RoleAssistant, plan)
	analysis.Node = "analyze"
	return proto.NewThreadState("t").Apply(proto.Update{
		Messages:    []proto.Message{proto.NewMessage(proto.RoleHuman, "rename x to y"), analysis},
		CodeContext: proto.Ptr("### utils.py"),
	})
}

func TestGenerateAppliesProposal(t *testing.T) {
	fs := workspace.NewMemFS(map[string]string{"utils.py": "x = 1\nprint(x)\n"})
	repo := mocks.NewMemVCS(fs)
	client := mocks.NewMockLLMClient()
	client.QueueStream("```diff\n" + renameDiff + "```")
	client.QueueToolCall("c1", tools.ToolApplyDiff, map[string]any{"file_path": "utils.py", "diff": renameDiff})
	client.QueueComplete(llm.CompletionResponse{Content: "Changed utils.py"})

	var kinds []proto.EventKind
	g := New(client, repo, nil, nil, Config{}, logx.Nop())
	res, err := g.Generate(context.Background(), planned("1. rename x"), fs, func(ev proto.Event) { kinds = append(kinds, ev.Kind) })
	require.NoError(t, err)

	assert.True(t, res.Complete)
	assert.Equal(t, []string{"utils.py"}, res.FilesModified)
	assert.Contains(t, res.Diff, "+y = 1")
	assert.Contains(t, res.Diff, "-x = 1")

	content, err := fs.Read(context.Background(), "utils.py")
	require.NoError(t, err)
	assert.Equal(t, "y = 1\nprint(y)\n", content)

	require.Len(t, res.Messages, 2)
	assert.Equal(t, proto.RoleAssistant, res.Messages[0].Role)
	assert.Equal(t, NodeName, res.Messages[0].Node)
	assert.Equal(t, proto.RoleTool, res.Messages[1].Role)
	assert.Equal(t, NodeName, res.Messages[1].Node)

	assert.Equal(t, proto.EventModelStart, kinds[0])
	assert.Contains(t, kinds, proto.EventModelEnd)
	assert.Equal(t, proto.EventToolEnd, kinds[len(kinds)-1])

	// the proposal prompt carries the plan and code context only
	assert.Contains(t, client.StreamCalls[0].Messages[0].Content, "1. rename x")
	assert.Contains(t, client.StreamCalls[0].Messages[0].Content, "### utils.py")
	assert.NotContains(t, client.StreamCalls[0].Messages[0].Content, "rename x to y")
}

func TestGenerateFailedToolDoesNotCount(t *testing.T) {
	fs := workspace.NewMemFS(map[string]string{"utils.py": "x = 1\n"})
	client := mocks.NewMockLLMClient()
	client.QueueStream("proposal")
	client.QueueToolCall("c1", tools.ToolCreateFile, map[string]any{"file_path": "utils.py", "content": "dup"})
	client.QueueToolCall("c2", tools.ToolCreateFile, map[string]any{"file_path": "new.py", "content": "z = 3\n"})
	client.QueueComplete(llm.CompletionResponse{Content: "done"})

	res, err := New(client, mocks.NewMemVCS(fs), nil, nil, Config{}, nil).Generate(context.Background(), planned("add new.py"), fs, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"new.py"}, res.FilesModified)
	assert.Contains(t, res.Diff, "+++ b/new.py")
}

func TestGenerateNothingModified(t *testing.T) {
	fs := workspace.NewMemFS(nil)
	repo := mocks.NewMemVCS(fs)
	client := mocks.NewMockLLMClient()
	client.QueueStream("nothing to do")
	client.QueueComplete(llm.CompletionResponse{Content: "no changes"})

	res, err := New(client, repo, nil, nil, Config{}, nil).Generate(context.Background(), planned("nothing"), fs, nil)
	require.NoError(t, err)
	assert.Empty(t, res.FilesModified)
	assert.Empty(t, res.Diff)
	assert.NotContains(t, repo.Ops, "diff")
}

func TestGenerateRequiresPlan(t *testing.T) {
	state := proto.NewThreadState("t").Apply(proto.Update{Messages: []proto.Message{proto.NewMessage(proto.RoleHuman, "x")}})
	_, err := New(mocks.NewMockLLMClient(), nil, nil, nil, Config{}, nil).Generate(context.Background(), state, workspace.NewMemFS(nil), nil)
	assert.True(t, errors.Is(err, ErrNoPlan))
}

func TestGenerateStreamFailure(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.QueueStreamReply(mocks.StreamReply{OpenErr: errors.New("down")})
	client.QueueCompleteError(errors.New("still down"))

	_, err := New(client, nil, nil, nil, Config{}, nil).Generate(context.Background(), planned("p"), workspace.NewMemFS(nil), nil)
	assert.True(t, errors.Is(err, llm.ErrStreamFailed))
}

func TestGenerateDiffFailure(t *testing.T) {
	fs := workspace.NewMemFS(nil)
	repo := mocks.NewMemVCS(fs)
	repo.FailOn("diff", errors.New("index locked"))
	client := mocks.NewMockLLMClient()
	client.QueueStream("p")
	client.QueueToolCall("c", tools.ToolCreateFile, map[string]any{"file_path": "a.txt", "content": "a"})
	client.QueueComplete(llm.CompletionResponse{Content: "done"})

	_, err := New(client, repo, nil, nil, Config{}, nil).Generate(context.Background(), planned("p"), fs, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index locked")
}
