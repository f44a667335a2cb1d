package circuit

import (
	"context"
	"errors"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
)

// Middleware rejects calls while the breaker is open. Caller mistakes
// (bad prompts, cancellation) do not count against the provider.
func Middleware(breaker *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					return llm.CompletionResponse{}, &Error{State: breaker.State()}
				}
				resp, err := next.Complete(ctx, req)
				breaker.Record(!countsAsFailure(err))
				return resp, err //nolint:wrapcheck // pass-through
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if !breaker.Allow() {
					return nil, &Error{State: breaker.State()}
				}
				ch, err := next.Stream(ctx, req)
				breaker.Record(!countsAsFailure(err))
				return ch, err //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}

func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeBadPrompt, llmerrors.ErrorTypeCanceled:
		return false
	default:
		return true
	}
}
