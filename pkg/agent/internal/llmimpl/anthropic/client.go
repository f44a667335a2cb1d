// Package anthropic provides the Anthropic Claude implementation of llm.LLMClient.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/tools"
)

// ClaudeClient wraps the Anthropic API client. It is a raw client; the
// middleware chain is applied by the factory.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClientWithModel creates a client for model.
func NewClaudeClientWithModel(apiKey, model string, opts ...option.RequestOption) *ClaudeClient {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// ensureAlternation extracts system messages and merges consecutive
// non-assistant messages so the sequence strictly alternates, starting with
// a user turn. Tool results of merged messages are kept in order.
func ensureAlternation(messages []llm.CompletionMessage) (string, []llm.CompletionMessage, error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var merged []llm.CompletionMessage
	for i := range messages {
		msg := messages[i]
		switch {
		case msg.Role == llm.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case len(merged) > 0 && msg.Role != llm.RoleAssistant && merged[len(merged)-1].Role == llm.RoleUser:
			last := &merged[len(merged)-1]
			last.ToolResults = append(last.ToolResults, msg.ToolResults...)
			if msg.Content != "" {
				if last.Content != "" {
					last.Content += "\n\n"
				}
				last.Content += msg.Content
			}
		case msg.Role == llm.RoleAssistant:
			merged = append(merged, msg)
		default:
			msg.Role = llm.RoleUser
			merged = append(merged, msg)
		}
	}

	if len(merged) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if merged[0].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", merged[0].Role)
	}
	for i := 1; i < len(merged); i++ {
		if merged[i].Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, merged[i].Role)
		}
	}
	return strings.Join(systemParts, "\n\n"), merged, nil
}

func convertMessage(msg *llm.CompletionMessage) anthropic.MessageParam {
	var blocks []anthropic.ContentBlockParamUnion
	if msg.Role == llm.RoleAssistant {
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for i := range msg.ToolCalls {
			tc := &msg.ToolCalls[i]
			input := tc.Parameters
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		return anthropic.NewAssistantMessage(blocks...)
	}

	// Tool results must lead the user turn that answers a tool_use.
	for i := range msg.ToolResults {
		tr := &msg.ToolResults[i]
		blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
	}
	if msg.Content != "" || len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
	}
	return anthropic.NewUserMessage(blocks...)
}

func convertTools(defs []tools.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		schema := def.InputSchema.SchemaMap()
		union := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: schema["properties"],
			Required:   def.InputSchema.Required,
		}, def.Name)
		if def.Description != "" && union.OfTool != nil {
			union.OfTool.Description = anthropic.String(def.Description)
		}
		out = append(out, union)
	}
	return out
}

func convertToolChoice(choice string) anthropic.ToolChoiceUnionParam {
	switch choice {
	case "", llm.ToolChoiceAuto:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case llm.ToolChoiceAny:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice}}
	}
}

//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *ClaudeClient) buildParams(in llm.CompletionRequest) (anthropic.MessageNewParams, error) {
	systemPrompt, msgs, err := ensureAlternation(in.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message alternation error")
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
		Messages:    make([]anthropic.MessageParam, 0, len(msgs)),
	}
	for i := range msgs {
		params.Messages = append(params.Messages, convertMessage(&msgs[i]))
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(in.Tools) > 0 {
		params.Tools = convertTools(in.Tools)
		params.ToolChoice = convertToolChoice(in.ToolChoice)
	}
	return params, nil
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	params, err := c.buildParams(in)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty response from Claude API")
	}

	var text strings.Builder
	var toolCalls []llm.ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			var args map[string]any
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &args); err != nil {
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "malformed tool input")
				}
			}
			toolCalls = append(toolCalls, llm.ToolCall{ID: use.ID, Name: use.Name, Parameters: args})
		}
	}

	return llm.CompletionResponse{
		Content:    text.String(),
		ToolCalls:  toolCalls,
		StopReason: string(resp.StopReason),
	}, nil
}

// Stream implements llm.LLMClient. Only text deltas are forwarded.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *ClaudeClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	params, err := c.buildParams(in)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(chunk llm.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				if !send(llm.StreamChunk{Content: text.Text}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(llm.StreamChunk{Error: classifyError(err)})
			return
		}
		send(llm.StreamChunk{Done: true})
	}()
	return ch, nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

func classifyError(err error) *llmerrors.Error {
	status := 0
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return llmerrors.Classify(err, status)
}
