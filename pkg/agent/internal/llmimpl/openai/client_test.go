package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/tools"
)

func TestConvertMessages(t *testing.T) {
	msgs := convertMessages([]llm.CompletionMessage{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("read it"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "read_file", Parameters: map[string]any{"path": "a.go"}}}},
		{Role: llm.RoleUser, ToolResults: []llm.ToolResult{{ToolCallID: "c1", Content: "package a"}}},
		llm.NewAssistantMessage("done"),
	})
	require.Len(t, msgs, 5)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)

	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "c1", msgs[2].OfAssistant.ToolCalls[0].ID)
	assert.JSONEq(t, `{"path":"a.go"}`, msgs[2].OfAssistant.ToolCalls[0].Function.Arguments)

	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
	assert.NotNil(t, msgs[4].OfAssistant)
}

func TestBuildParamsTools(t *testing.T) {
	c := NewClientWithModel("key", "gpt-test")
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")})
	req.Tools = []tools.ToolDefinition{{Name: "classify", Description: "pick a mode", InputSchema: tools.InputSchema{
		Type:       "object",
		Properties: map[string]tools.Property{"mode": {Type: "string", Enum: []string{"a", "b"}}},
		Required:   []string{"mode"},
	}}}
	req.ToolChoice = "classify"

	params := c.buildParams(req)
	assert.Equal(t, "gpt-test", string(params.Model))
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "classify", params.Tools[0].Function.Name)
	assert.Equal(t, "object", params.Tools[0].Function.Parameters["type"])
	require.NotNil(t, params.ToolChoice.OfChatCompletionNamedToolChoice)
	assert.Equal(t, "classify", params.ToolChoice.OfChatCompletionNamedToolChoice.Function.Name)
}

func TestConvertToolChoice(t *testing.T) {
	assert.Equal(t, "auto", convertToolChoice("").OfAuto.Value)
	assert.Equal(t, "required", convertToolChoice(llm.ToolChoiceAny).OfAuto.Value)
}
