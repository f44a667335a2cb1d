package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/checkpoint"
	"patchpilot/pkg/classify"
	"patchpilot/pkg/workflow"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string `json:"error"`
	ThreadID string `json:"thread_id,omitempty"`
	Node     string `json:"node,omitempty"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, checkpoint.ErrThreadNotFound),
		errors.Is(err, checkpoint.ErrCheckpointNotFound),
		errors.Is(err, checkpoint.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkpoint.ErrConcluded),
		errors.Is(err, checkpoint.ErrNothingToAccept),
		errors.Is(err, checkpoint.ErrNoLineage):
		return http.StatusConflict
	case errors.Is(err, classify.ErrClassification),
		errors.Is(err, llm.ErrStreamFailed),
		errors.Is(err, llm.ErrNoStructuredOutput):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(threadID string, err error) *echo.HTTPError {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("thread %s: %v", threadID, err)
	}
	body := ErrorResponse{Error: err.Error(), ThreadID: threadID}
	var nodeErr *workflow.NodeError
	if errors.As(err, &nodeErr) {
		body.Node = nodeErr.Node
	}
	return echo.NewHTTPError(code, body).SetInternal(err)
}
