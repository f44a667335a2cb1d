package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/agent/middleware/resilience/circuit"
)

func fastPolicy(attempts int) *Policy {
	return NewPolicy(Config{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2,
	}, nil)
}

func scripted(errs ...error) (llm.LLMClient, *int) {
	calls := 0
	return llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			calls++
			if calls <= len(errs) && errs[calls-1] != nil {
				return llm.CompletionResponse{}, errs[calls-1]
			}
			return llm.CompletionResponse{Content: "ok"}, nil
		},
		func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			calls++
			if calls <= len(errs) && errs[calls-1] != nil {
				return nil, errs[calls-1]
			}
			ch := make(chan llm.StreamChunk)
			close(ch)
			return ch, nil
		},
		func() string { return "m" },
	), &calls
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")
	base, calls := scripted(transient, transient)
	client := Middleware(fastPolicy(3), nil)(base)

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, *calls)
}

func TestDoesNotRetryAuth(t *testing.T) {
	auth := llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")
	base, calls := scripted(auth)
	client := Middleware(fastPolicy(3), nil)(base)

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	assert.Same(t, auth, err)
	assert.Equal(t, 1, *calls)
}

func TestExhaustedBecomesServiceUnavailable(t *testing.T) {
	rl := llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429")
	base, calls := scripted(rl, rl, rl)
	client := Middleware(fastPolicy(3), nil)(base)

	_, err := client.Stream(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeServiceUnavailable))
	assert.ErrorIs(t, err, rl)
	assert.Equal(t, 3, *calls)
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, ShouldRetry(nil))
	assert.False(t, ShouldRetry(context.Canceled))
	assert.False(t, ShouldRetry(&circuit.Error{State: circuit.Open}))
	assert.True(t, ShouldRetry(errors.New("connection reset by peer")))
	assert.True(t, ShouldRetry(context.DeadlineExceeded))
}

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}, nil)
	assert.Zero(t, p.CalculateDelay(1))
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, 200*time.Millisecond, p.CalculateDelay(3))
	assert.Equal(t, 300*time.Millisecond, p.CalculateDelay(4))

	p.Config.Jitter = true
	d := p.CalculateDelay(2)
	assert.InDelta(t, float64(100*time.Millisecond), float64(d), float64(10*time.Millisecond))
}

func TestCancelDuringBackoff(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "x")
	base, _ := scripted(transient, transient)
	policy := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Middleware(policy, nil)(base).Complete(ctx, llm.CompletionRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
