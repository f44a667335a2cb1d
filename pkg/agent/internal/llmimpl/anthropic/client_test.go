package anthropic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/tools"
)

func TestEnsureAlternation(t *testing.T) {
	tests := []struct {
		name         string
		input        []llm.CompletionMessage
		expectSystem string
		expectMsgLen int
		errContains  string
	}{
		{
			name:        "empty messages",
			input:       nil,
			errContains: "message list cannot be empty",
		},
		{
			name: "system messages extracted and joined",
			input: []llm.CompletionMessage{
				llm.NewSystemMessage("You are helpful"),
				llm.NewSystemMessage("And concise"),
				llm.NewUserMessage("Hello"),
			},
			expectSystem: "You are helpful\n\nAnd concise",
			expectMsgLen: 1,
		},
		{
			name: "consecutive user messages merged",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("Hello"),
				llm.NewUserMessage("Anyone there?"),
				llm.NewAssistantMessage("Yes"),
				llm.NewUserMessage("Good"),
			},
			expectMsgLen: 3,
		},
		{
			name: "assistant first rejected",
			input: []llm.CompletionMessage{
				llm.NewAssistantMessage("Hi"),
				llm.NewUserMessage("Hello"),
			},
			errContains: "first message must be user",
		},
		{
			name: "consecutive assistants rejected",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("Hello"),
				llm.NewAssistantMessage("a"),
				llm.NewAssistantMessage("b"),
			},
			errContains: "alternation violation",
		},
		{
			name:        "only system",
			input:       []llm.CompletionMessage{llm.NewSystemMessage("x")},
			errContains: "at least one non-system message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, msgs, err := ensureAlternation(tt.input)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectSystem, system)
			assert.Len(t, msgs, tt.expectMsgLen)
		})
	}
}

func TestMergeKeepsToolResults(t *testing.T) {
	_, msgs, err := ensureAlternation([]llm.CompletionMessage{
		llm.NewUserMessage("read a.go"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "read_file"}}},
		{Role: llm.RoleUser, ToolResults: []llm.ToolResult{{ToolCallID: "t1", Content: "package a"}}},
		llm.NewUserMessage("now explain"),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Len(t, msgs[2].ToolResults, 1)
	assert.Equal(t, "now explain", msgs[2].Content)
}

func TestBuildParams(t *testing.T) {
	c := NewClaudeClientWithModel("key", "claude-test")
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("read a.go"),
		{Role: llm.RoleAssistant, Content: "ok", ToolCalls: []llm.ToolCall{{ID: "t1", Name: "read_file", Parameters: map[string]any{"path": "a.go"}}}},
		{Role: llm.RoleUser, ToolResults: []llm.ToolResult{{ToolCallID: "t1", Content: "package a", IsError: false}}},
	})
	req.Tools = []tools.ToolDefinition{{
		Name:        "read_file",
		Description: "Read a file",
		InputSchema: tools.InputSchema{
			Type:       "object",
			Properties: map[string]tools.Property{"path": {Type: "string"}},
			Required:   []string{"path"},
		},
	}}
	req.ToolChoice = "read_file"

	params, err := c.buildParams(req)
	require.NoError(t, err)
	require.Len(t, params.System, 1)
	assert.Equal(t, "sys", params.System[0].Text)
	require.Len(t, params.Messages, 3)

	assistant := params.Messages[1]
	require.Len(t, assistant.Content, 2)
	assert.NotNil(t, assistant.Content[0].OfText)
	require.NotNil(t, assistant.Content[1].OfToolUse)
	assert.Equal(t, "t1", assistant.Content[1].OfToolUse.ID)

	results := params.Messages[2]
	require.Len(t, results.Content, 1)
	require.NotNil(t, results.Content[0].OfToolResult)
	assert.Equal(t, "t1", results.Content[0].OfToolResult.ToolUseID)

	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfTool)
	assert.Equal(t, "read_file", params.Tools[0].OfTool.Name)
	require.NotNil(t, params.ToolChoice.OfTool)
	assert.Equal(t, "read_file", params.ToolChoice.OfTool.Name)
}

func TestBuildParamsRejectsBadSequence(t *testing.T) {
	c := NewClaudeClientWithModel("key", "claude-test")
	_, err := c.buildParams(llm.CompletionRequest{})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))
}

func TestConvertToolChoice(t *testing.T) {
	assert.NotNil(t, convertToolChoice("").OfAuto)
	assert.NotNil(t, convertToolChoice(llm.ToolChoiceAuto).OfAuto)
	assert.NotNil(t, convertToolChoice(llm.ToolChoiceAny).OfAny)
	assert.NotNil(t, convertToolChoice("classify").OfTool)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, llmerrors.ErrorTypeTransient, classifyError(errors.New("connection reset")).Type)
	assert.Equal(t, llmerrors.ErrorTypeUnknown, classifyError(errors.New("something odd")).Type)
}
