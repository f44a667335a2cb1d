// Package timeout bounds each model call with a deadline.
package timeout

import (
	"context"
	"time"

	"patchpilot/pkg/agent/llm"
)

// Middleware gives every call its own deadline. For streams the deadline
// covers the whole stream and is released when the stream ends.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Complete(timeoutCtx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				in, err := next.Stream(timeoutCtx, req)
				if err != nil {
					cancel()
					return nil, err
				}
				out := make(chan llm.StreamChunk)
				go func() {
					defer cancel()
					defer close(out)
					for chunk := range in {
						select {
						case out <- chunk:
						case <-timeoutCtx.Done():
							return
						}
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}
