package retry

import (
	"context"
	"fmt"
	"time"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/logx"
)

// Middleware retries failed calls according to policy. Once a retryable
// error exhausts the attempts it is reported as ServiceUnavailable.
// Stream retries only cover opening the stream.
func Middleware(policy *Policy, logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.Nop()
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				return do(ctx, policy, logger, next.GetModelName(), func() (llm.CompletionResponse, error) {
					return next.Complete(ctx, req)
				})
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return do(ctx, policy, logger, next.GetModelName(), func() (<-chan llm.StreamChunk, error) {
					return next.Stream(ctx, req)
				})
			},
			next.GetModelName,
		)
	}
}

func do[T any](ctx context.Context, policy *Policy, logger *logx.Logger, model string, call func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
		if delay := policy.CalculateDelay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		out, err := call()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !policy.ShouldRetry(err) {
			return zero, err
		}
		if attempt < policy.Config.MaxAttempts {
			logger.Warn("%s attempt %d/%d failed, retrying: %v", model, attempt, policy.Config.MaxAttempts, err)
		}
	}
	return zero, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
}
