// Package generate turns an approved change plan into file edits: one
// streamed proposal, then a tool loop that applies it through the apply
// tools.
package generate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/middleware/metrics"
	"patchpilot/pkg/agent/toolloop"
	"patchpilot/pkg/contextmgr"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/templates"
	"patchpilot/pkg/tools"
	"patchpilot/pkg/utils"
	"patchpilot/pkg/workspace"
)

// NodeName labels messages and metrics produced here.
const NodeName = "generate"

// ErrNoPlan means the thread has no analysis message to implement.
var ErrNoPlan = errors.New("no change plan to implement")

// DiffSource reports the working tree's changes; vcs.VCS satisfies it.
type DiffSource interface {
	Diff(ctx context.Context) (string, error)
}

// Config bounds one generation.
type Config struct {
	MaxIterations int
	MaxTokens     int
}

// Result is the outcome of a generation.
type Result struct {
	Diff          string
	FilesModified []string
	Messages      []proto.Message
	// Complete is false when the apply loop ran out of iterations.
	Complete bool
}

// Generator implements the generate step.
type Generator struct {
	client   llm.LLMClient
	diffs    DiffSource
	tokens   *utils.TokenCounter
	renderer *templates.Renderer
	logger   *logx.Logger
	cfg      Config
}

// New creates a Generator.
func New(client llm.LLMClient, diffs DiffSource, tokens *utils.TokenCounter, renderer *templates.Renderer, cfg Config, logger *logx.Logger) *Generator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = llm.DefaultMaxTokens
	}
	if renderer == nil {
		renderer = templates.MustRenderer()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &Generator{client: client, diffs: diffs, tokens: tokens, renderer: renderer, cfg: cfg, logger: logger}
}

// Plan returns the latest analysis message of state.
func Plan(state *proto.ThreadState) (proto.Message, bool) {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		msg := state.Messages[i]
		if msg.Role == proto.RoleAssistant && msg.Node == "analyze" {
			return msg, true
		}
	}
	return proto.Message{}, false
}

// Generate implements the latest plan in state, writing through fs. The
// returned diff comes from the DiffSource, not from the tool results.
func (g *Generator) Generate(ctx context.Context, state proto.ThreadState, fs workspace.FileAccess, emit proto.Emitter) (*Result, error) {
	plan, ok := Plan(&state)
	if !ok {
		return nil, ErrNoPlan
	}

	proposal, err := g.propose(ctx, plan.Content, state.CodeContext, emit)
	if err != nil {
		return nil, err
	}

	modified, out, err := g.apply(ctx, proposal.Content, fs, emit)
	if err != nil {
		return nil, err
	}

	res := &Result{
		FilesModified: modified,
		Messages:      []proto.Message{proposal},
		Complete:      out.OK(),
	}
	for _, m := range out.ToolMessages {
		m.Node = NodeName
		res.Messages = append(res.Messages, m)
	}
	if len(modified) == 0 {
		g.logger.ForUser().Warn("the proposed changes did not modify any file")
		return res, nil
	}

	res.Diff, err = g.diffs.Diff(ctx)
	if err != nil {
		return nil, fmt.Errorf("read diff: %w", err)
	}
	g.logger.ForUser().Info("modified %d file(s): %v", len(modified), modified)
	return res, nil
}

func (g *Generator) propose(ctx context.Context, plan, codeContext string, emit proto.Emitter) (proto.Message, error) {
	system, err := g.renderer.Render(templates.GenerateTemplate, &templates.TemplateData{Plan: plan, CodeContext: codeContext})
	if err != nil {
		return proto.Message{}, err
	}
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage("Write the changes now."),
	})
	req.MaxTokens = g.cfg.MaxTokens
	req.Temperature = llm.TemperatureDeterministic

	msg, err := llm.StreamMessage(metrics.WithOperation(ctx, NodeName), g.client, req, emit, g.logger)
	if err != nil {
		return proto.Message{}, fmt.Errorf("generate proposal: %w", err)
	}
	msg.Node = NodeName
	return msg, nil
}

func (g *Generator) apply(ctx context.Context, proposal string, fs workspace.FileAccess, emit proto.Emitter) ([]string, toolloop.Outcome, error) {
	system, err := g.renderer.Render(templates.ApplyTemplate, &templates.TemplateData{Proposal: proposal})
	if err != nil {
		return nil, toolloop.Outcome{}, err
	}
	cm := contextmgr.NewContextManager(system, g.tokens, 0, g.cfg.MaxTokens)
	cm.AddUserMessage("Apply every proposed change with the tools.")

	var modified []string
	afterTool := func(_ *llm.ToolCall, res *tools.ExecResult, _ time.Duration) {
		r, ok := utils.SafeAssert[tools.ApplyResult](res.Data)
		if ok && r.Success && !slices.Contains(modified, r.FilePath) {
			modified = append(modified, r.FilePath)
		}
	}

	out := toolloop.New(g.client, g.logger).Run(ctx, &toolloop.Config{
		ContextManager: cm,
		ToolProvider:   tools.NewApplyProvider(fs),
		AfterTool:      afterTool,
		Emit:           emit,
		Operation:      "apply",
		ToolChoice:     llm.ToolChoiceAuto,
		MaxIterations:  g.cfg.MaxIterations,
		MaxTokens:      g.cfg.MaxTokens,
		Temperature:    llm.TemperatureDeterministic,
	})
	switch out.Kind {
	case toolloop.OutcomeSuccess:
	case toolloop.OutcomeMaxIterations:
		g.logger.Warn("apply loop hit %d iterations; keeping %d applied file(s)", g.cfg.MaxIterations, len(modified))
	case toolloop.OutcomeCanceled:
		if err := ctx.Err(); err != nil {
			return nil, out, err
		}
		return nil, out, out.Err
	default:
		return nil, out, fmt.Errorf("apply changes: %w", out.Err)
	}
	return modified, out, nil
}
