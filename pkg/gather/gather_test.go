package gather

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
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

func prompt(text string) []proto.Message {
	return []proto.Message{proto.NewMessage(proto.RoleHuman, text)}
}

func newGatherer(client llm.LLMClient, files map[string]string, cfg Config) *Gatherer {
	return New(client, workspace.NewMemFS(files), nil, nil, cfg, logx.Nop())
}

func TestGatherSelectedAndRead(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.QueueToolCall("1", tools.ToolReadFile, map[string]any{"path": "lib/helpers.py"})
	client.QueueComplete(llm.CompletionResponse{Content: "utils.py calls helpers."})

	g := newGatherer(client, map[string]string{
		"utils.py":       "x = 1\n",
		"lib/helpers.py": "def help(): pass",
	}, Config{})

	var events []proto.Event
	res, err := g.Gather(context.Background(), prompt("rename x to y in utils.py"), []string{"./utils.py"}, func(ev proto.Event) { events = append(events, ev) })
	require.NoError(t, err)

	assert.True(t, res.Complete)
	assert.Empty(t, res.Missing)
	assert.Equal(t, []string{"utils.py", "lib/helpers.py"}, res.Files)
	assert.Equal(t, "Context gathering complete: read 2 file(s): utils.py, lib/helpers.py", res.AgentMessage)
	assert.Equal(t, "utils.py calls helpers.", res.Notes)
	assert.Contains(t, res.Context, "### utils.py\n```\nx = 1\n```")
	assert.Contains(t, res.Context, "### lib/helpers.py\n```\ndef help(): pass\n```")
	require.Len(t, res.ToolMessages, 1)
	assert.Equal(t, tools.ToolReadFile, res.ToolMessages[0].ToolName)

	require.Len(t, events, 1)
	assert.Equal(t, proto.EventToolEnd, events[0].Kind)

	first := client.CompleteCalls[0]
	assert.Contains(t, first.Messages[0].Content, "- utils.py")
	assert.Contains(t, first.Messages[1].Content, "User: rename x to y in utils.py")
	assert.Contains(t, first.Messages[1].Content, "x = 1")
}

func TestGatherReportsMissingFiles(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.QueueToolCall("1", tools.ToolReadFile, map[string]any{"path": "nope.go"})
	client.QueueToolCall("2", tools.ToolReadFile, map[string]any{"path": "also/nope.go"})
	client.QueueComplete(llm.CompletionResponse{Content: "done"})

	g := newGatherer(client, map[string]string{"main.go": "package main"}, Config{})
	res, err := g.Gather(context.Background(), prompt("fix nope.go"), []string{"gone.go"}, nil)
	require.NoError(t, err)

	assert.True(t, res.Complete)
	assert.Equal(t, []string{"gone.go", "nope.go", "also/nope.go"}, res.Missing)
	assert.Equal(t, "Could not locate referenced file(s): gone.go, nope.go, also/nope.go", res.AgentMessage)
	assert.Contains(t, client.CompleteCalls[0].Messages[1].Content, "do not exist: gone.go")
}

func TestGatherMissingReportedOnce(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.QueueToolCall("1", tools.ToolReadFile, map[string]any{"path": "./a.go"})
	client.QueueToolCall("2", tools.ToolReadFile, map[string]any{"path": "a.go"})
	client.QueueComplete(llm.CompletionResponse{Content: "ok"})

	res, err := newGatherer(client, nil, Config{}).Gather(context.Background(), prompt("x"), []string{"a.go"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, res.Missing)
	assert.Equal(t, []string{"a.go"}, res.Files)
}

func TestGatherListingGuard(t *testing.T) {
	client := mocks.NewMockLLMClient()
	for i := 0; i < 3; i++ {
		client.QueueToolCall("l", tools.ToolListDirectory, map[string]any{"path": "."})
	}
	client.QueueToolCall("r", tools.ToolReadFile, map[string]any{"path": "a.go"})
	client.QueueToolCall("l2", tools.ToolSearchFiles, map[string]any{"pattern": "*.go"})
	client.QueueComplete(llm.CompletionResponse{Content: "done"})

	g := newGatherer(client, map[string]string{"a.go": "package a"}, Config{MaxListingsBetweenReads: 2})
	res, err := g.Gather(context.Background(), prompt("x"), nil, nil)
	require.NoError(t, err)

	require.Len(t, res.ToolMessages, 5)
	var refused []int
	for i, m := range res.ToolMessages {
		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(m.Content), &body))
		if body["success"] == false {
			refused = append(refused, i)
			assert.Contains(t, body["error"], "listing limit reached")
		}
	}
	// third listing refused; the read resets the count so the search passes
	assert.Equal(t, []int{2}, refused)
}

func TestGatherTruncatesLargeFiles(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.QueueComplete(llm.CompletionResponse{Content: "done"})

	big := strings.Repeat("word ", 5000)
	g := newGatherer(client, map[string]string{"big.txt": big}, Config{MaxFileTokens: 50})
	res, err := g.Gather(context.Background(), prompt("x"), []string{"big.txt"}, nil)
	require.NoError(t, err)
	assert.Less(t, len(res.Context), len(big))
	assert.Contains(t, res.Context, "(truncated)")
}

func TestGatherIterationBudget(t *testing.T) {
	client := mocks.NewMockLLMClient()
	for i := 0; i < 2; i++ {
		client.QueueToolCall("r", tools.ToolReadFile, map[string]any{"path": "a.go"})
	}

	g := newGatherer(client, map[string]string{"a.go": "package a"}, Config{MaxIterations: 2})
	res, err := g.Gather(context.Background(), prompt("x"), nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Equal(t, []string{"a.go"}, res.Files)
	assert.Equal(t, "Context gathering stopped after 2 iterations: read 1 file(s): a.go", res.AgentMessage)
}

func TestGatherModelFailure(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.QueueCompleteError(errors.New("overloaded"))

	_, err := newGatherer(client, nil, Config{}).Gather(context.Background(), prompt("x"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestGatherCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newGatherer(mocks.NewMockLLMClient(), nil, Config{}).Gather(ctx, prompt("x"), nil, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}
