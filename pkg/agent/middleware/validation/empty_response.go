// Package validation rejects model responses that carry nothing usable.
package validation

import (
	"context"
	"strings"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/logx"
)

const nudge = "Your previous reply was empty. Answer the request, or call one of the available tools."

// EmptyResponseMiddleware retries a Complete call once, with a nudge appended,
// when the response has neither text nor tool calls. A second empty reply is
// returned as ErrorTypeEmptyResponse. Streams pass through untouched.
func EmptyResponseMiddleware(logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.Nop()
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				for attempt := 1; attempt <= 2; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						return resp, err //nolint:wrapcheck // pass-through
					}
					if err == nil && !isEmpty(resp) {
						return resp, nil
					}
					logger.Warn("empty response from %s (attempt %d/2)", next.GetModelName(), attempt)
					nudged := req
					nudged.Messages = append(append([]llm.CompletionMessage(nil), req.Messages...), llm.NewUserMessage(nudge))
					req = nudged
				}
				return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
					"model returned no content and no tool calls after a nudge")
			},
			next.Stream,
			next.GetModelName,
		)
	}
}

func isEmpty(resp llm.CompletionResponse) bool {
	return len(resp.ToolCalls) == 0 && strings.TrimSpace(resp.Content) == ""
}
