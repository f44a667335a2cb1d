// Package ollama implements llm.LLMClient against a local Ollama server.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/tools"
)

const defaultHost = "http://localhost:11434"

// chatter is the part of *api.Client the client uses.
type chatter interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// Client wraps the Ollama API client.
type Client struct {
	client chatter
	model  string
}

// NewOllamaClientWithModel creates a client for the server at hostURL
// (for example "http://localhost:11434").
func NewOllamaClientWithModel(hostURL, model string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse(defaultHost)
	}
	return &Client{client: api.NewClient(parsed, http.DefaultClient), model: model}
}

//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *Client) buildRequest(in llm.CompletionRequest, stream bool) (*api.ChatRequest, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}
	options := map[string]any{"temperature": in.Temperature}
	if in.MaxTokens > 0 {
		options["num_predict"] = in.MaxTokens
	}
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}
	if len(in.Tools) > 0 {
		req.Tools = convertTools(in.Tools)
	}
	return req, nil
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	req, err := o.buildRequest(in, false)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	result := llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: stopReason(&response),
	}
	if len(response.Message.ToolCalls) > 0 {
		result.ToolCalls = convertToolCalls(response.Message.ToolCalls)
	}
	return result, nil
}

// Stream implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	req, err := o.buildRequest(in, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}
			select {
			case ch <- llm.StreamChunk{Content: resp.Message.Content}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		final := llm.StreamChunk{Done: true}
		if err != nil {
			final = llm.StreamChunk{Error: classifyError(err)}
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

func convertMessages(messages []llm.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		out := api.Message{Role: string(msg.Role), Content: msg.Content}

		for j := range msg.ToolCalls {
			tc := &msg.ToolCalls[j]
			out.ToolCalls = append(out.ToolCalls, api.ToolCall{
				ID: tc.ID,
				Function: api.ToolCallFunction{
					Name:      tc.Name,
					Arguments: api.ToolCallFunctionArguments(tc.Parameters),
				},
			})
		}

		if len(msg.ToolResults) > 0 {
			for j := range msg.ToolResults {
				tr := &msg.ToolResults[j]
				result = append(result, api.Message{Role: "tool", Content: tr.Content, ToolCallID: tr.ToolCallID})
			}
			if msg.Content == "" {
				continue
			}
		}
		result = append(result, out)
	}
	return result, nil
}

func convertTools(defs []tools.ToolDefinition) api.Tools {
	out := make(api.Tools, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]api.ToolProperty, len(def.InputSchema.Properties))
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			properties[name] = convertProperty(&prop)
		}
		out[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: properties,
					Required:   def.InputSchema.Required,
				},
			},
		}
	}
	return out
}

func convertProperty(prop *tools.Property) api.ToolProperty {
	out := api.ToolProperty{
		Type:        api.PropertyType{prop.Type},
		Description: prop.Description,
	}
	if len(prop.Enum) > 0 {
		enum := make([]any, len(prop.Enum))
		for i, v := range prop.Enum {
			enum[i] = v
		}
		out.Enum = enum
	}
	switch {
	case prop.Items != nil:
		out.Items = convertProperty(prop.Items)
	case len(prop.Properties) > 0:
		nested := make(map[string]api.ToolProperty, len(prop.Properties))
		for name, child := range prop.Properties {
			nested[name] = convertProperty(child)
		}
		out.Items = map[string]any{"type": "object", "properties": nested}
	}
	return out
}

func convertToolCalls(calls []api.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out[i] = llm.ToolCall{
			ID:         id,
			Name:       call.Function.Name,
			Parameters: map[string]any(call.Function.Arguments),
		}
	}
	return out
}

func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

func classifyError(err error) *llmerrors.Error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusNotFound {
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, statusErr.StatusCode,
				fmt.Sprintf("Ollama model not found: %s", statusErr.ErrorMessage))
		}
		return llmerrors.Classify(err, statusErr.StatusCode)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	}
	return llmerrors.Classify(err, 0)
}
