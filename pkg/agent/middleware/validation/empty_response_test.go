package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
)

func TestEmptyResponseNudgesOnce(t *testing.T) {
	var seen []int
	replies := []llm.CompletionResponse{{}, {Content: "answer"}}
	base := llm.WrapClient(
		func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			seen = append(seen, len(req.Messages))
			r := replies[0]
			replies = replies[1:]
			return r, nil
		},
		nil,
		func() string { return "m" },
	)
	resp, err := EmptyResponseMiddleware(nil)(base).Complete(context.Background(),
		llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestEmptyResponseGivesUp(t *testing.T) {
	calls := 0
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			calls++
			return llm.CompletionResponse{Content: "  "}, nil
		},
		nil,
		func() string { return "m" },
	)
	_, err := EmptyResponseMiddleware(nil)(base).Complete(context.Background(), llm.CompletionRequest{})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
	assert.Equal(t, 2, calls)
}
