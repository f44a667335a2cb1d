package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
)

type observation struct {
	model, op, errType string
	prompt, completion int
	success            bool
}

type captureRecorder struct {
	obs []observation
}

func (c *captureRecorder) ObserveRequest(model, op string, p, comp int, ok bool, et string, _ time.Duration) {
	c.obs = append(c.obs, observation{model: model, op: op, errType: et, prompt: p, completion: comp, success: ok})
}

func (c *captureRecorder) IncThrottle(string, string) {}

func (c *captureRecorder) ObserveQueueWait(string, time.Duration) {}

func TestMiddlewareRecords(t *testing.T) {
	var fail error
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "four"}, fail
		},
		func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) { return nil, fail },
		func() string { return "claude" },
	)
	rec := &captureRecorder{}
	usage := func(llm.CompletionRequest, llm.CompletionResponse) (int, int) { return 10, 4 }
	client := Middleware(rec, usage, nil)(base)

	ctx := WithOperation(context.Background(), "analyze")
	_, err := client.Complete(ctx, llm.CompletionRequest{})
	require.NoError(t, err)

	fail = llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down")
	_, _ = client.Stream(context.Background(), llm.CompletionRequest{})

	require.Len(t, rec.obs, 2)
	assert.Equal(t, observation{model: "claude", op: "analyze", prompt: 10, completion: 4, success: true}, rec.obs[0])
	assert.Equal(t, "unknown", rec.obs[1].op)
	assert.Equal(t, "rate_limit", rec.obs[1].errType)
	assert.False(t, rec.obs[1].success)
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "", errorType(nil))
	assert.Equal(t, "timeout", errorType(context.DeadlineExceeded))
	assert.Equal(t, "canceled", errorType(context.Canceled))
}
