package toolloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/internal/mocks"
	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/middleware/metrics"
	"patchpilot/pkg/contextmgr"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/tools"
)

type echoTool struct {
	name  string
	calls int
	err   error
}

func (e *echoTool) Name() string { return e.name }

func (e *echoTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        e.name,
		Description: "echoes its text argument",
		InputSchema: tools.InputSchema{
			Type:       "object",
			Properties: map[string]tools.Property{"text": {Type: "string"}},
		},
	}
}

func (e *echoTool) Exec(_ context.Context, args map[string]any) (*tools.ExecResult, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	text, _ := args["text"].(string)
	return &tools.ExecResult{Content: "echo: " + text}, nil
}

func newConfig(provider *tools.Provider) *Config {
	cm := contextmgr.NewContextManager("system", nil, 0, 0)
	cm.AddUserMessage("start")
	return &Config{ContextManager: cm, ToolProvider: provider, MaxIterations: 5}
}

func TestRunStopsOnTextReply(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.QueueComplete(llm.CompletionResponse{Content: "all done"})

	out := New(client, nil).Run(context.Background(), newConfig(tools.NewProvider(&echoTool{name: "echo"})))

	require.True(t, out.OK(), out.Err)
	assert.Equal(t, "all done", out.Final)
	assert.Equal(t, 1, out.Iteration)
	assert.Zero(t, out.ToolCalls)
	require.Len(t, client.CompleteCalls, 1)
	assert.Equal(t, "echo", client.CompleteCalls[0].Tools[0].Name)
}

func TestRunExecutesEveryToolCall(t *testing.T) {
	echo := &echoTool{name: "echo"}
	client := mocks.NewMockLLMClient()
	client.QueueComplete(
		llm.CompletionResponse{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "echo", Parameters: map[string]any{"text": "one"}},
			{ID: "c2", Name: "missing"},
			{ID: "c3", Name: "echo", Parameters: map[string]any{"text": "three"}},
		}},
		llm.CompletionResponse{Content: "finished"},
	)

	var events []proto.Event
	var observed []string
	cfg := newConfig(tools.NewProvider(echo))
	cfg.Emit = func(ev proto.Event) { events = append(events, ev) }
	cfg.AfterTool = func(call *llm.ToolCall, _ *tools.ExecResult, _ time.Duration) {
		observed = append(observed, call.ID)
	}

	out := New(client, nil).Run(context.Background(), cfg)

	require.True(t, out.OK(), out.Err)
	assert.Equal(t, 2, echo.calls)
	assert.Equal(t, 3, out.ToolCalls)
	assert.Equal(t, []string{"c1", "c2", "c3"}, observed)

	require.Len(t, out.ToolMessages, 3)
	assert.Equal(t, proto.RoleTool, out.ToolMessages[0].Role)
	assert.Equal(t, "echo: one", out.ToolMessages[0].Content)
	assert.Contains(t, out.ToolMessages[1].Content, "not available")

	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, proto.EventToolEnd, ev.Kind)
	}
	assert.Equal(t, "c3", events[2].ToolCallID)

	// The second request carries the assistant call and all three results.
	require.Len(t, client.CompleteCalls, 2)
	msgs := client.CompleteCalls[1].Messages
	last := msgs[len(msgs)-1]
	require.Len(t, last.ToolResults, 3)
	assert.False(t, last.ToolResults[0].IsError)
	assert.True(t, last.ToolResults[1].IsError)
}

func TestRunGuardRefusesCall(t *testing.T) {
	echo := &echoTool{name: "echo"}
	client := mocks.NewMockLLMClient()
	client.QueueToolCall("c1", "echo", map[string]any{"text": "x"})
	client.QueueComplete(llm.CompletionResponse{Content: "ok"})

	cfg := newConfig(tools.NewProvider(echo))
	cfg.Guard = func(*llm.ToolCall) *tools.ExecResult {
		return &tools.ExecResult{Content: "refused", IsError: true}
	}
	out := New(client, nil).Run(context.Background(), cfg)

	require.True(t, out.OK())
	assert.Zero(t, echo.calls)
	assert.Equal(t, "refused", out.ToolMessages[0].Content)
}

func TestRunToolErrorBecomesResult(t *testing.T) {
	echo := &echoTool{name: "echo", err: errors.New("disk on fire")}
	client := mocks.NewMockLLMClient()
	client.QueueToolCall("c1", "echo", nil)
	client.QueueComplete(llm.CompletionResponse{Content: "ok"})

	out := New(client, nil).Run(context.Background(), newConfig(tools.NewProvider(echo)))

	require.True(t, out.OK())
	assert.Contains(t, out.ToolMessages[0].Content, "disk on fire")
}

func TestRunMaxIterations(t *testing.T) {
	client := mocks.NewMockLLMClient()
	for i := 0; i < 3; i++ {
		client.QueueToolCall("c", "echo", nil)
	}
	cfg := newConfig(tools.NewProvider(&echoTool{name: "echo"}))
	cfg.MaxIterations = 3

	out := New(client, nil).Run(context.Background(), cfg)

	assert.Equal(t, OutcomeMaxIterations, out.Kind)
	assert.ErrorIs(t, out.Err, ErrMaxIterations)
	assert.Equal(t, 3, out.Iteration)
}

func TestRunLLMError(t *testing.T) {
	boom := errors.New("boom")
	client := mocks.NewMockLLMClient()
	client.QueueCompleteError(boom)

	out := New(client, nil).Run(context.Background(), newConfig(tools.NewProvider()))

	assert.Equal(t, OutcomeLLMError, out.Kind)
	assert.ErrorIs(t, out.Err, boom)
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := New(mocks.NewMockLLMClient(), nil).Run(ctx, newConfig(tools.NewProvider()))

	assert.Equal(t, OutcomeCanceled, out.Kind)
	assert.ErrorIs(t, out.Err, ErrGracefulShutdown)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestRunConfigError(t *testing.T) {
	out := New(mocks.NewMockLLMClient(), nil).Run(context.Background(), &Config{})
	assert.Equal(t, OutcomeConfigError, out.Kind)
	assert.ErrorIs(t, out.Err, ErrInvalidConfig)
}

func TestRunLabelsOperation(t *testing.T) {
	var seen string
	client := mocks.NewMockLLMClient()
	client.CompleteFunc = func(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		seen = metrics.OperationFrom(ctx)
		return llm.CompletionResponse{Content: "done"}, nil
	}
	cfg := newConfig(tools.NewProvider())
	cfg.Operation = "gather"

	out := New(client, nil).Run(context.Background(), cfg)
	require.True(t, out.OK())
	assert.Equal(t, "gather", seen)
}
