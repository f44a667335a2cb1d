// Package ratelimit throttles model calls with a token bucket.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/middleware/metrics"
)

// Config is expressed in requests per minute. Zero disables limiting.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

// NewLimiter builds the bucket for cfg, or nil when limiting is disabled.
func NewLimiter(cfg Config) *rate.Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
}

// Middleware waits for a token before each call. A nil limiter passes
// calls straight through.
func Middleware(limiter *rate.Limiter, recorder metrics.Recorder) llm.Middleware {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	wait := func(ctx context.Context, model string) error {
		if limiter == nil {
			return nil
		}
		start := time.Now()
		if !limiter.Allow() {
			recorder.IncThrottle(model, "rate_limit")
			if err := limiter.Wait(ctx); err != nil {
				return err //nolint:wrapcheck // context error
			}
		}
		recorder.ObserveQueueWait(model, time.Since(start))
		return nil
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if err := wait(ctx, next.GetModelName()); err != nil {
					return llm.CompletionResponse{}, err
				}
				return next.Complete(ctx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if err := wait(ctx, next.GetModelName()); err != nil {
					return nil, err
				}
				return next.Stream(ctx, req)
			},
			next.GetModelName,
		)
	}
}
