// Package openai implements llm.LLMClient on the official OpenAI Go SDK's
// Chat Completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/tools"
)

// Client wraps the OpenAI SDK client.
type Client struct {
	client openai.Client
	model  string
}

// NewClientWithModel creates a raw client; middleware is applied by the factory.
func NewClientWithModel(apiKey, model string, opts ...option.RequestOption) *Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{client: openai.NewClient(opts...), model: model}
}

func convertMessages(messages []llm.CompletionMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				args, err := json.Marshal(tc.Parameters)
				if err != nil || tc.Parameters == nil {
					args = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		default:
			// Tool results travel as role=tool messages ahead of the user text.
			for j := range msg.ToolResults {
				tr := &msg.ToolResults[j]
				out = append(out, openai.ToolMessage(tr.Content, tr.ToolCallID))
			}
			if msg.Content != "" || len(msg.ToolResults) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
			}
		}
	}
	return out
}

func convertTools(defs []tools.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(def.InputSchema.SchemaMap()),
			},
		})
	}
	return out
}

func convertToolChoice(choice string) openai.ChatCompletionToolChoiceOptionUnionParam {
	switch choice {
	case "", llm.ToolChoiceAuto:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}
	case llm.ToolChoiceAny:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice},
			},
		}
	}
}

//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *Client) buildParams(in llm.CompletionRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    convertMessages(in.Messages),
		Temperature: openai.Float(float64(in.Temperature)),
	}
	if in.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(in.MaxTokens))
	}
	if len(in.Tools) > 0 {
		params.Tools = convertTools(in.Tools)
		params.ToolChoice = convertToolChoice(in.ToolChoice)
	}
	return params
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}
	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(in))
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no choices in OpenAI response")
	}

	choice := resp.Choices[0]
	out := llm.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
	}
	for i := range choice.Message.ToolCalls {
		tc := &choice.Message.ToolCalls[i]
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err,
					fmt.Sprintf("malformed arguments for tool %s", tc.Function.Name))
			}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Parameters: args})
	}
	return out, nil
}

// Stream implements llm.LLMClient. Only content deltas are forwarded.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	if len(in.Messages) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(in))
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
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(llm.StreamChunk{Content: chunk.Choices[0].Delta.Content}) {
				return
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
func (c *Client) GetModelName() string {
	return c.model
}

func classifyError(err error) *llmerrors.Error {
	status := 0
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return llmerrors.Classify(err, status)
}
