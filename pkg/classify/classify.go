// Package classify decides the conversation mode of a turn from the thread's
// history with one structured model call.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/middleware/metrics"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/templates"
	"patchpilot/pkg/tools"
)

const (
	// ToolSelectMode is the schema tool the model is forced to call.
	ToolSelectMode = "select_mode"

	maxMessageChars = 4000
	responseTokens  = 256
)

// ErrClassification marks every classification failure.
var ErrClassification = errors.New("classification failed")

// Error is a classification failure. Value holds what the model returned,
// when it returned anything.
type Error struct {
	Err   error
	Value string
}

func (e *Error) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("classification failed: model returned %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrClassification }

type selection struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

// Classifier maps a conversation to one of the external modes.
type Classifier struct {
	client   llm.LLMClient
	renderer *templates.Renderer
	logger   *logx.Logger
}

// New creates a Classifier.
func New(client llm.LLMClient, renderer *templates.Renderer, logger *logx.Logger) *Classifier {
	if logger == nil {
		logger = logx.Nop()
	}
	if renderer == nil {
		renderer = templates.MustRenderer()
	}
	return &Classifier{client: client, renderer: renderer, logger: logger}
}

// Classify returns the mode of the latest human message in history. It never
// substitutes a default: any failure is an *Error.
func (c *Classifier) Classify(ctx context.Context, history []proto.Message) (proto.Mode, error) {
	system, err := c.renderer.Render(templates.ClassifyTemplate, nil)
	if err != nil {
		return "", &Error{Err: err}
	}
	transcript := Transcript(history)
	if transcript == "" {
		return "", &Error{Err: errors.New("empty conversation")}
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage(transcript),
	})
	req.Temperature = llm.TemperatureDeterministic
	req.MaxTokens = responseTokens

	sel, err := llm.InvokeStructuredInto[selection](metrics.WithOperation(ctx, "classify"), c.client, req, Schema())
	if err != nil {
		return "", &Error{Err: err}
	}
	mode, err := proto.ParseMode(sel.Mode)
	if err != nil {
		return "", &Error{Err: err, Value: sel.Mode}
	}
	c.logger.DebugDomain("classify", "mode %s: %s", mode, sel.Reason)
	return mode, nil
}

// Schema is the select_mode tool definition.
func Schema() tools.ToolDefinition {
	modes := make([]string, 0, 3)
	for _, m := range proto.ExternalModes() {
		modes = append(modes, string(m))
	}
	return tools.ToolDefinition{
		Name:        ToolSelectMode,
		Description: "Select the conversation mode for the user's latest message.",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"mode":   {Type: "string", Enum: modes, Description: "The conversation mode."},
				"reason": {Type: "string", Description: "One sentence explaining the choice."},
			},
			Required: []string{"mode", "reason"},
		},
	}
}

// Transcript renders the human and assistant messages of history as plain
// text, oldest first.
func Transcript(history []proto.Message) string {
	var sb strings.Builder
	for i := range history {
		msg := &history[i]
		var who string
		switch msg.Role {
		case proto.RoleHuman:
			who = "User"
		case proto.RoleAssistant:
			who = "Assistant"
		default:
			continue
		}
		content := msg.Content
		if len(content) > maxMessageChars {
			content = content[:maxMessageChars] + " [...]"
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", who, strings.TrimSpace(content))
	}
	return strings.TrimSpace(sb.String())
}
