// Package google implements llm.LLMClient on the Google Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/tools"
)

// GeminiClient wraps the GenAI client.
type GeminiClient struct {
	models *genai.Models
	model  string
}

// NewGeminiClientWithModel creates a raw client for model.
func NewGeminiClientWithModel(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	return &GeminiClient{models: client.Models, model: model}, nil
}

//nolint:gocritic // CompletionRequest passed by value to match the interface
func buildRequest(in llm.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	contents, system, err := convertMessages(in.Messages)
	if err != nil {
		return nil, nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	temperature := in.Temperature
	config := &genai.GenerateContentConfig{Temperature: &temperature}
	if in.MaxTokens > 0 {
		config.MaxOutputTokens = int32(in.MaxTokens) //nolint:gosec // bounded by config validation
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertTools(in.Tools)}}
		config.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: convertToolChoice(in.ToolChoice)}
	}
	return contents, config, nil
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	contents, config, err := buildRequest(in)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	result, err := g.models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	response := llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: stopReason(result),
	}
	if calls := result.FunctionCalls(); len(calls) > 0 {
		response.ToolCalls = convertFunctionCalls(calls)
	}
	return response, nil
}

// Stream implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (g *GeminiClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	contents, config, err := buildRequest(in)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		send := func(chunk llm.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for result, err := range g.models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				send(llm.StreamChunk{Error: classifyError(err)})
				return
			}
			if text := result.Text(); text != "" && !send(llm.StreamChunk{Content: text}) {
				return
			}
		}
		send(llm.StreamChunk{Done: true})
	}()
	return ch, nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

// convertMessages maps messages to Gemini contents. Gemini matches function
// responses by name, so tool results are resolved against the calls that
// preceded them.
func convertMessages(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var system []string
	var contents []*genai.Content
	callNames := make(map[string]string)

	for i := range messages {
		msg := &messages[i]
		var role string
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
			continue
		case llm.RoleUser:
			role = genai.RoleUser
		case llm.RoleAssistant:
			role = genai.RoleModel
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		var parts []*genai.Part
		for j := range msg.ToolResults {
			tr := &msg.ToolResults[j]
			name, ok := callNames[tr.ToolCallID]
			if !ok {
				return nil, "", fmt.Errorf("tool result %q has no matching tool call", tr.ToolCallID)
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       tr.ToolCallID,
				Name:     name,
				Response: map[string]any{"content": tr.Content, "is_error": tr.IsError},
			}})
		}
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for j := range msg.ToolCalls {
			tc := &msg.ToolCalls[j]
			callNames[tc.ID] = tc.Name
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Parameters}})
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	if len(contents) == 0 {
		return nil, "", fmt.Errorf("must have at least one non-system message")
	}
	return contents, strings.Join(system, "\n\n"), nil
}

func convertTools(defs []tools.ToolDefinition) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]*genai.Schema, len(def.InputSchema.Properties))
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			properties[name] = convertSchema(&prop)
		}
		out[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.InputSchema.Required,
			},
		}
	}
	return out
}

func convertSchema(prop *tools.Property) *genai.Schema {
	schema := &genai.Schema{Description: prop.Description, Enum: prop.Enum}
	switch prop.Type {
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = convertSchema(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if len(prop.Properties) > 0 {
			schema.Properties = make(map[string]*genai.Schema, len(prop.Properties))
			for name, child := range prop.Properties {
				schema.Properties[name] = convertSchema(child)
			}
		}
		schema.Required = prop.Required
	default:
		schema.Type = genai.TypeString
	}
	return schema
}

func convertToolChoice(choice string) *genai.FunctionCallingConfig {
	switch choice {
	case "", llm.ToolChoiceAuto:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	case llm.ToolChoiceAny:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}
	default:
		return &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{choice},
		}
	}
}

func convertFunctionCalls(calls []*genai.FunctionCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, call := range calls {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("%s_%d", call.Name, i)
		}
		out[i] = llm.ToolCall{ID: id, Name: call.Name, Parameters: call.Args}
	}
	return out
}

func stopReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) == 0 || result.Candidates[0] == nil {
		return "unknown"
	}
	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonStop, "":
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return strings.ToLower(string(result.Candidates[0].FinishReason))
	}
}

func classifyError(err error) *llmerrors.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llmerrors.Classify(err, apiErr.Code)
	}
	return llmerrors.Classify(err, 0)
}
