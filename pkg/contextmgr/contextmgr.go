// Package contextmgr holds the conversation of one tool loop: the system
// prompt, the messages exchanged with the model, and their token cost.
package contextmgr

import (
	"fmt"
	"strings"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/utils"
)

// DefaultMaxContextTokens is used when no budget is configured.
const DefaultMaxContextTokens = 100000

// ContextManager accumulates messages for one loop run. It is not safe for
// concurrent use; each loop owns its manager.
type ContextManager struct {
	tokens           *utils.TokenCounter
	system           string
	messages         []llm.CompletionMessage
	maxContextTokens int
	reserveTokens    int
}

// NewContextManager creates a manager with a system prompt and a token
// budget for the whole request. reserveTokens is kept free for the reply.
func NewContextManager(system string, tokens *utils.TokenCounter, maxContextTokens, reserveTokens int) *ContextManager {
	if maxContextTokens <= 0 {
		maxContextTokens = DefaultMaxContextTokens
	}
	return &ContextManager{
		tokens:           tokens,
		system:           system,
		maxContextTokens: maxContextTokens,
		reserveTokens:    reserveTokens,
	}
}

// AddUserMessage appends user text.
func (cm *ContextManager) AddUserMessage(content string) {
	cm.messages = append(cm.messages, llm.NewUserMessage(content))
}

// AddAssistantMessage appends a model reply and the tool calls it made.
func (cm *ContextManager) AddAssistantMessage(content string, calls []llm.ToolCall) {
	cm.messages = append(cm.messages, llm.CompletionMessage{
		Role:      llm.RoleAssistant,
		Content:   content,
		ToolCalls: append([]llm.ToolCall(nil), calls...),
	})
}

// AddToolResults appends the results answering the previous tool calls.
func (cm *ContextManager) AddToolResults(results []llm.ToolResult) {
	if len(results) == 0 {
		return
	}
	cm.messages = append(cm.messages, llm.CompletionMessage{
		Role:        llm.RoleUser,
		ToolResults: append([]llm.ToolResult(nil), results...),
	})
}

// Messages returns the request messages, system prompt first.
func (cm *ContextManager) Messages() []llm.CompletionMessage {
	out := make([]llm.CompletionMessage, 0, len(cm.messages)+1)
	if cm.system != "" {
		out = append(out, llm.NewSystemMessage(cm.system))
	}
	return append(out, cm.messages...)
}

// Len returns the number of non-system messages.
func (cm *ContextManager) Len() int {
	return len(cm.messages)
}

// CountTokens estimates the tokens of the whole request.
func (cm *ContextManager) CountTokens() int {
	total := cm.tokens.CountTokens(cm.system)
	for i := range cm.messages {
		total += cm.messageTokens(&cm.messages[i])
	}
	return total
}

func (cm *ContextManager) messageTokens(m *llm.CompletionMessage) int {
	n := cm.tokens.CountTokens(m.Content)
	for i := range m.ToolCalls {
		n += cm.tokens.CountTokens(m.ToolCalls[i].Name) + cm.tokens.CountTokens(fmt.Sprint(m.ToolCalls[i].Parameters))
	}
	for i := range m.ToolResults {
		n += cm.tokens.CountTokens(m.ToolResults[i].Content)
	}
	return n
}

// ShouldCompact reports whether the request plus the reply reserve exceeds
// the budget.
func (cm *ContextManager) ShouldCompact() bool {
	return cm.CountTokens()+cm.reserveTokens > cm.maxContextTokens
}

// CompactIfNeeded drops the oldest exchanges after the first message until
// the request fits. An assistant message is always dropped together with the
// tool results answering it. It returns the number of messages removed.
func (cm *ContextManager) CompactIfNeeded() int {
	removed := 0
	for cm.ShouldCompact() && len(cm.messages) > 2 {
		n := 1
		if len(cm.messages[1].ToolCalls) > 0 && len(cm.messages) > 2 && len(cm.messages[2].ToolResults) > 0 {
			n = 2
		}
		if len(cm.messages)-n < 2 {
			break
		}
		cm.messages = append(cm.messages[:1], cm.messages[1+n:]...)
		removed += n
	}
	return removed
}

// Summary describes the context for logs.
func (cm *ContextManager) Summary() string {
	if len(cm.messages) == 0 {
		return "Empty context"
	}
	var calls, results int
	for i := range cm.messages {
		calls += len(cm.messages[i].ToolCalls)
		results += len(cm.messages[i].ToolResults)
	}
	parts := []string{
		fmt.Sprintf("%d messages", len(cm.messages)),
		fmt.Sprintf("%d tokens", cm.CountTokens()),
	}
	if calls > 0 {
		parts = append(parts, fmt.Sprintf("%d tool calls/%d results", calls, results))
	}
	return strings.Join(parts, ", ")
}
