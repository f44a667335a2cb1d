package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"

	"patchpilot/pkg/checkpoint"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/version"
	"patchpilot/pkg/workflow"
)

// TurnResponse is returned by POST /v1/turns.
type TurnResponse struct {
	Thread *proto.ThreadState `json:"thread"`
}

// RestoreRequest is the body of POST /v1/threads/:id/restore.
type RestoreRequest struct {
	CommitID string `json:"commit_id"`
}

// CheckpointsResponse lists a thread's checkpoints.
type CheckpointsResponse struct {
	ThreadID    string              `json:"thread_id"`
	Checkpoints []checkpoint.Record `json:"checkpoints"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string       `json:"status"`
	Version version.Info `json:"version"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: version.Get()})
}

// bindTurn decodes a turn request, assigning a thread id to new threads so
// errors can name it.
func bindTurn(c echo.Context) (workflow.TurnRequest, error) {
	var req workflow.TurnRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	return req, nil
}

// acquireTurn reserves a turn slot. Callers must call the returned release.
func (s *Server) acquireTurn(threadID string) (func(), error) {
	if !s.turns.TryAcquire(1) {
		return nil, echo.NewHTTPError(http.StatusTooManyRequests, ErrorResponse{
			Error:    "too many turns in progress",
			ThreadID: threadID,
		})
	}
	return func() { s.turns.Release(1) }, nil
}

func (s *Server) runTurn(c echo.Context) error {
	req, err := bindTurn(c)
	if err != nil {
		return err
	}
	release, err := s.acquireTurn(req.ThreadID)
	if err != nil {
		return err
	}
	defer release()

	state, err := s.engine.ProcessTurn(c.Request().Context(), req)
	if err != nil {
		return s.fail(req.ThreadID, err)
	}
	return c.JSON(http.StatusOK, TurnResponse{Thread: state})
}

func (s *Server) streamTurn(c echo.Context) error {
	req, err := bindTurn(c)
	if err != nil {
		return err
	}
	release, err := s.acquireTurn(req.ThreadID)
	if err != nil {
		return err
	}
	defer release()

	events, err := s.engine.StreamTurn(c.Request().Context(), req)
	if err != nil {
		return s.fail(req.ThreadID, err)
	}
	return writeEvents(c, events)
}

func (s *Server) getThread(c echo.Context) error {
	id := c.Param("id")
	state, err := s.engine.Thread(c.Request().Context(), id)
	if err != nil {
		return s.fail(id, err)
	}
	if strings.EqualFold(c.QueryParam("format"), "yaml") {
		out, err := yaml.Marshal(state)
		if err != nil {
			return s.fail(id, err)
		}
		return c.Blob(http.StatusOK, "application/yaml", out)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) listCheckpoints(c echo.Context) error {
	id := c.Param("id")
	records, err := s.engine.Checkpoints(c.Request().Context(), id)
	if err != nil {
		return s.fail(id, err)
	}
	if records == nil {
		records = []checkpoint.Record{}
	}
	return c.JSON(http.StatusOK, CheckpointsResponse{ThreadID: id, Checkpoints: records})
}

func (s *Server) restore(c echo.Context) error {
	id := c.Param("id")
	var body RestoreRequest
	if err := c.Bind(&body); err != nil || strings.TrimSpace(body.CommitID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Error: "commit_id is required", ThreadID: id})
	}
	state, err := s.engine.Restore(c.Request().Context(), id, body.CommitID)
	if err != nil {
		return s.fail(id, err)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) accept(c echo.Context) error {
	id := c.Param("id")
	res, err := s.engine.Accept(c.Request().Context(), id)
	if err != nil {
		return s.fail(id, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) reject(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Reject(c.Request().Context(), id); err != nil {
		return s.fail(id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// recentLogs returns buffered user-visible log entries, optionally filtered
// by ?since=<RFC3339> and ?component=.
func (s *Server) recentLogs(c echo.Context) error {
	q := logx.Query{UserOnly: true, Component: c.QueryParam("component")}
	if since := c.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Error: "since must be an RFC3339 timestamp"})
		}
		q.Since = t
	}
	return c.JSON(http.StatusOK, s.logs.Entries(q))
}
