package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/agent/middleware/resilience/circuit"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/utils"
)

// UsageExtractor estimates token usage of a completed request.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// CountingUsageExtractor counts message and response text with tc.
func CountingUsageExtractor(tc *utils.TokenCounter) UsageExtractor {
	return func(req llm.CompletionRequest, resp llm.CompletionResponse) (int, int) {
		var sb strings.Builder
		for i := range req.Messages {
			sb.WriteString(req.Messages[i].Content)
			sb.WriteByte('\n')
		}
		return tc.CountTokens(sb.String()), tc.CountTokens(resp.Content)
	}
}

// Middleware records latency, estimated token usage and outcome of every call.
// Streams are observed when they are opened; tokens are not counted for them.
func Middleware(recorder Recorder, usage UsageExtractor, logger *logx.Logger) llm.Middleware {
	if recorder == nil {
		recorder = Nop()
	}
	if usage == nil {
		usage = CountingUsageExtractor(nil)
	}
	if logger == nil {
		logger = logx.Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var prompt, completion int
				if err == nil {
					prompt, completion = usage(req, resp)
				}
				model, op := next.GetModelName(), OperationFrom(ctx)
				recorder.ObserveRequest(model, op, prompt, completion, err == nil, errorType(err), duration)
				logger.Debug("llm request model=%s op=%s tokens=%d+%d ok=%t duration=%dms",
					model, op, prompt, completion, err == nil, duration.Milliseconds())
				return resp, err //nolint:wrapcheck // pass-through
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				ch, err := next.Stream(ctx, req)
				recorder.ObserveRequest(next.GetModelName(), OperationFrom(ctx), 0, 0, err == nil, errorType(err), time.Since(start))
				return ch, err //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	var circuitErr *circuit.Error
	switch {
	case errors.As(err, &circuitErr):
		return "circuit_breaker"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return llmerrors.TypeOf(err).String()
	}
}
