package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"patchpilot/pkg/tools"
)

// ErrNoStructuredOutput means the model neither called the schema tool nor
// returned parseable JSON.
var ErrNoStructuredOutput = errors.New("no structured output in model response")

// InvokeStructured forces a call to the schema tool and returns its arguments.
// Models that answer in text instead are accepted when the text holds a JSON
// object, which is repaired before parsing.
func InvokeStructured(ctx context.Context, client LLMClient, req CompletionRequest, schema tools.ToolDefinition) (map[string]any, error) {
	req.Tools = []tools.ToolDefinition{schema}
	req.ToolChoice = schema.Name

	resp, err := client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == schema.Name && resp.ToolCalls[i].Parameters != nil {
			return resp.ToolCalls[i].Parameters, nil
		}
	}
	return parseJSONObject(resp.Content)
}

// InvokeStructuredInto decodes the structured output into T.
func InvokeStructuredInto[T any](ctx context.Context, client LLMClient, req CompletionRequest, schema tools.ToolDefinition) (T, error) {
	var out T
	params, err := InvokeStructured(ctx, client, req, schema)
	if err != nil {
		return out, err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return out, fmt.Errorf("re-encode structured output: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrNoStructuredOutput, err)
	}
	return out, nil
}

func parseJSONObject(content string) (map[string]any, error) {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return nil, ErrNoStructuredOutput
	}
	candidate := content[start:]
	if end := strings.LastIndexByte(candidate, '}'); end >= 0 {
		candidate = candidate[:end+1]
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(candidate), &out); err == nil {
		return out, nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStructuredOutput, err)
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStructuredOutput, err)
	}
	return out, nil
}
