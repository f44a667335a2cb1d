// Package toolloop runs a bounded tool-calling conversation: call the model,
// execute every tool it asks for, feed the results back, and stop when it
// answers without tools.
package toolloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/middleware/metrics"
	"patchpilot/pkg/contextmgr"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/tools"
)

const (
	defaultMaxIterations = 10
	previewLen           = 200
)

// ToolLoop drives one model through tool-calling iterations.
type ToolLoop struct {
	llmClient llm.LLMClient
	logger    *logx.Logger
}

// New creates a ToolLoop.
func New(llmClient llm.LLMClient, logger *logx.Logger) *ToolLoop {
	if logger == nil {
		logger = logx.Nop()
	}
	return &ToolLoop{llmClient: llmClient, logger: logger}
}

// Config defines one loop run.
//
//nolint:govet // fields grouped by purpose
type Config struct {
	// ContextManager holds the conversation; the caller seeds it with the
	// system prompt and the first user message.
	ContextManager *contextmgr.ContextManager

	// ToolProvider serves the tools offered to the model.
	ToolProvider *tools.Provider

	// Guard may refuse a call before it runs by returning a result; nil lets
	// the call through.
	Guard func(call *llm.ToolCall) *tools.ExecResult

	// AfterTool observes every executed call and its result.
	AfterTool func(call *llm.ToolCall, result *tools.ExecResult, elapsed time.Duration)

	// Emit receives a tool_end event per executed call.
	Emit proto.Emitter

	// Operation labels model-call metrics.
	Operation string

	ToolChoice    string
	MaxIterations int
	MaxTokens     int
	Temperature   float32
}

// Run executes the loop. It never returns a Go error; the Outcome carries it.
func (tl *ToolLoop) Run(ctx context.Context, cfg *Config) Outcome {
	if cfg == nil || cfg.ContextManager == nil || cfg.ToolProvider == nil {
		return Outcome{Kind: OutcomeConfigError, Err: fmt.Errorf("%w: context manager and tool provider are required", ErrInvalidConfig)}
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	if cfg.Operation != "" {
		ctx = metrics.WithOperation(ctx, cfg.Operation)
	}

	defs := cfg.ToolProvider.Definitions()
	var out Outcome
	for iteration := 1; iteration <= maxIterations; iteration++ {
		out.Iteration = iteration
		if err := ctx.Err(); err != nil {
			return canceled(out, err)
		}

		if removed := cfg.ContextManager.CompactIfNeeded(); removed > 0 {
			tl.logger.Info("compacted tool loop context: dropped %d messages (%s)", removed, cfg.ContextManager.Summary())
		}

		req := llm.CompletionRequest{
			Messages:    cfg.ContextManager.Messages(),
			Tools:       defs,
			ToolChoice:  cfg.ToolChoice,
			MaxTokens:   maxTokens,
			Temperature: cfg.Temperature,
		}
		tl.logger.Debug("model call %d to %s with %d messages, %d tools",
			iteration, tl.llmClient.GetModelName(), len(req.Messages), len(defs))

		start := time.Now()
		resp, err := tl.llmClient.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return canceled(out, ctx.Err())
			}
			tl.logger.Error("model call failed after %.3gs: %v", time.Since(start).Seconds(), err)
			out.Kind = OutcomeLLMError
			out.Err = fmt.Errorf("LLM completion failed: %w", err)
			return out
		}
		tl.logger.Debug("model call %d completed in %.3gs: %d chars, %d tool calls",
			iteration, time.Since(start).Seconds(), len(resp.Content), len(resp.ToolCalls))

		cfg.ContextManager.AddAssistantMessage(resp.Content, resp.ToolCalls)
		out.Final = resp.Content
		if len(resp.ToolCalls) == 0 {
			out.Kind = OutcomeSuccess
			return out
		}

		// Every tool call gets a result, even when an earlier one failed.
		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for i := range resp.ToolCalls {
			call := &resp.ToolCalls[i]
			res, err := tl.execute(ctx, cfg, call)
			if err != nil {
				return canceled(out, err)
			}
			results = append(results, llm.ToolResult{ToolCallID: call.ID, Content: res.Content, IsError: res.IsError})
			out.ToolMessages = append(out.ToolMessages, proto.NewToolMessage(call.Name, call.ID, res.Content))
			out.ToolCalls++
			cfg.Emit.Emit(proto.Event{
				Kind:       proto.EventToolEnd,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Content:    res.Content,
				IsError:    res.IsError,
			})
		}
		cfg.ContextManager.AddToolResults(results)
	}

	tl.logger.Warn("maximum tool iterations (%d) reached", maxIterations)
	out.Kind = OutcomeMaxIterations
	out.Err = fmt.Errorf("%w (%d)", ErrMaxIterations, maxIterations)
	return out
}

// execute runs one call. Tool failures become error results; only a
// canceled context is returned as an error.
func (tl *ToolLoop) execute(ctx context.Context, cfg *Config, call *llm.ToolCall) (*tools.ExecResult, error) {
	start := time.Now()
	res := tl.resolve(ctx, cfg, call)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	if res.IsError {
		tl.logger.Info("tool %s failed in %.3fs: %s", call.Name, elapsed.Seconds(), preview(res.Content))
	} else {
		tl.logger.Debug("tool %s completed in %.3fs", call.Name, elapsed.Seconds())
	}
	if cfg.AfterTool != nil {
		cfg.AfterTool(call, res, elapsed)
	}
	return res, nil
}

func (tl *ToolLoop) resolve(ctx context.Context, cfg *Config, call *llm.ToolCall) *tools.ExecResult {
	if cfg.Guard != nil {
		if refused := cfg.Guard(call); refused != nil {
			return refused
		}
	}
	tool, err := cfg.ToolProvider.Get(call.Name)
	if err != nil {
		return &tools.ExecResult{Content: err.Error(), IsError: true}
	}
	args := call.Parameters
	if args == nil {
		args = map[string]any{}
	}
	res, err := tool.Exec(ctx, args)
	if err != nil {
		return &tools.ExecResult{Content: fmt.Sprintf("Tool failed: %v", err), IsError: true}
	}
	if res == nil {
		return &tools.ExecResult{}
	}
	return res
}

func canceled(out Outcome, err error) Outcome {
	out.Kind = OutcomeCanceled
	if errors.Is(err, ErrGracefulShutdown) {
		out.Err = err
	} else {
		out.Err = fmt.Errorf("%w: %w", ErrGracefulShutdown, err)
	}
	return out
}

func preview(s string) string {
	if len(s) > previewLen {
		return s[:previewLen] + "..."
	}
	return s
}
