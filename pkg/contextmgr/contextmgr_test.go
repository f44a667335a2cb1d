package contextmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/pkg/agent/llm"
)

func TestMessagesOrder(t *testing.T) {
	cm := NewContextManager("system prompt", nil, 0, 0)
	cm.AddUserMessage("question")
	cm.AddAssistantMessage("", []llm.ToolCall{{ID: "1", Name: "read_file"}})
	cm.AddToolResults([]llm.ToolResult{{ToolCallID: "1", Content: "data"}})
	cm.AddToolResults(nil)

	msgs := cm.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "question", msgs[1].Content)
	assert.Len(t, msgs[2].ToolCalls, 1)
	assert.Len(t, msgs[3].ToolResults, 1)
	assert.Equal(t, 3, cm.Len())
}

func TestCountTokensFallsBackToEstimate(t *testing.T) {
	cm := NewContextManager("", nil, 0, 0)
	cm.AddUserMessage(strings.Repeat("a", 400))
	assert.Equal(t, 100, cm.CountTokens())
}

func TestCompactKeepsFirstAndPairs(t *testing.T) {
	big := strings.Repeat("x", 400) // 100 estimated tokens
	cm := NewContextManager("", nil, 250, 0)
	cm.AddUserMessage("task")
	cm.AddAssistantMessage("", []llm.ToolCall{{ID: "1", Name: "read_file"}})
	cm.AddToolResults([]llm.ToolResult{{ToolCallID: "1", Content: big}})
	cm.AddAssistantMessage("", []llm.ToolCall{{ID: "2", Name: "read_file"}})
	cm.AddToolResults([]llm.ToolResult{{ToolCallID: "2", Content: big}})
	cm.AddAssistantMessage("", []llm.ToolCall{{ID: "3", Name: "read_file"}})
	cm.AddToolResults([]llm.ToolResult{{ToolCallID: "3", Content: big}})

	require.True(t, cm.ShouldCompact())
	removed := cm.CompactIfNeeded()
	assert.Equal(t, 2, removed)
	assert.False(t, cm.ShouldCompact())

	msgs := cm.Messages()
	assert.Equal(t, "task", msgs[0].Content)
	assert.Equal(t, "2", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, "2", msgs[2].ToolResults[0].ToolCallID)
}

func TestSummary(t *testing.T) {
	cm := NewContextManager("", nil, 0, 0)
	assert.Equal(t, "Empty context", cm.Summary())
	cm.AddUserMessage("hi")
	assert.Contains(t, cm.Summary(), "1 messages")
}
