// Package validation checks the files a generation modified and decides
// whether the turn loops back for another analysis.
package validation

import (
	"context"
	"fmt"
	"strings"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/middleware/metrics"
	"patchpilot/pkg/diagnostics"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/templates"
)

const (
	NodeName = "validation"

	summaryTokens = 300
	// FeedbackHeader starts every diagnostics message.
	FeedbackHeader = "Validation found problems in the modified files:"
	noChanges      = "I did not change any files for this request."
)

// Validator implements the validation step.
type Validator struct {
	client   llm.LLMClient
	source   diagnostics.Source
	renderer *templates.Renderer
	logger   *logx.Logger
}

// New creates a Validator.
func New(client llm.LLMClient, source diagnostics.Source, renderer *templates.Renderer, logger *logx.Logger) *Validator {
	if renderer == nil {
		renderer = templates.MustRenderer()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &Validator{client: client, source: source, renderer: renderer, logger: logger}
}

// Validate collects diagnostics for every modified file. Any diagnostic puts
// the thread in validation_feedback with a message listing them all;
// otherwise one model call summarizes the diff and validation_feedback
// reverts to change_request.
func (v *Validator) Validate(ctx context.Context, state proto.ThreadState, emit proto.Emitter) (proto.Update, error) {
	diags, err := v.collect(ctx, state.FilesModified)
	if err != nil {
		return proto.Update{}, err
	}

	if len(diags) > 0 {
		v.logger.ForUser().Warn("validation found %d problem(s)", len(diags))
		msg := proto.NewMessage(proto.RoleAssistant, FormatDiagnostics(diags))
		msg.Node = NodeName
		emit.Emit(proto.Event{Kind: proto.EventModelEnd, MessageID: msg.ID, Content: msg.Content})
		return proto.Update{
			Messages: []proto.Message{msg},
			Mode:     proto.Ptr(proto.ModeValidationFeedback),
		}, nil
	}

	update := proto.Update{}
	if state.Mode == proto.ModeValidationFeedback {
		update.Mode = proto.Ptr(proto.ModeChangeRequest)
	}

	if len(state.FilesModified) == 0 {
		msg := proto.NewMessage(proto.RoleAssistant, noChanges)
		msg.Node = NodeName
		emit.Emit(proto.Event{Kind: proto.EventModelEnd, MessageID: msg.ID, Content: msg.Content})
		update.Messages = []proto.Message{msg}
		return update, nil
	}

	summary, err := v.summarize(ctx, &state, emit)
	if err != nil {
		return proto.Update{}, err
	}
	update.Messages = []proto.Message{summary}
	return update, nil
}

func (v *Validator) collect(ctx context.Context, paths []string) ([]diagnostics.Diagnostic, error) {
	var all []diagnostics.Diagnostic
	for _, p := range paths {
		diags, err := v.source.DiagnosticsFor(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// a broken linter must not block the turn; partial results still count
			v.logger.Warn("diagnostics for %s incomplete: %v", p, err)
		}
		all = append(all, diags...)
	}
	diagnostics.Sort(all)
	return all, nil
}

func (v *Validator) summarize(ctx context.Context, state *proto.ThreadState, emit proto.Emitter) (proto.Message, error) {
	prompt, err := v.renderer.Render(templates.SummaryTemplate, &templates.TemplateData{
		Prompt: state.LatestPrompt(),
		Diff:   state.Diff,
	})
	if err != nil {
		return proto.Message{}, err
	}
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage(prompt)})
	req.MaxTokens = summaryTokens

	msg, err := llm.StreamMessage(metrics.WithOperation(ctx, NodeName), v.client, req, emit, v.logger)
	if err != nil {
		return proto.Message{}, fmt.Errorf("summarize changes: %w", err)
	}
	msg.Node = NodeName
	return msg, nil
}

// FormatDiagnostics renders the feedback message for diags.
func FormatDiagnostics(diags []diagnostics.Diagnostic) string {
	var sb strings.Builder
	sb.WriteString(FeedbackHeader)
	for _, d := range diags {
		sb.WriteString("\n- ")
		sb.WriteString(d.String())
	}
	return sb.String()
}
