// Package api serves the workflow engine over HTTP: turns (blocking or as a
// server-sent event stream), thread inspection, checkpoint restore and the
// accept/reject decision, plus recent user-visible log entries.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/semaphore"

	"patchpilot/pkg/checkpoint"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/workflow"
)

// Engine is the part of workflow.Engine the server drives.
type Engine interface {
	ProcessTurn(ctx context.Context, req workflow.TurnRequest) (*proto.ThreadState, error)
	StreamTurn(ctx context.Context, req workflow.TurnRequest) (<-chan proto.Event, error)
	Thread(ctx context.Context, threadID string) (*proto.ThreadState, error)
	Checkpoints(ctx context.Context, threadID string) ([]checkpoint.Record, error)
	Restore(ctx context.Context, threadID, commitID string) (*proto.ThreadState, error)
	Accept(ctx context.Context, threadID string) (*checkpoint.AcceptResult, error)
	Reject(ctx context.Context, threadID string) error
}

var _ Engine = (*workflow.Engine)(nil)

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Logs backs GET /v1/logs. Defaults to the process-wide buffer.
	Logs *logx.RingBuffer
	// MaxConcurrentTurns bounds turns running at once. Defaults to 4.
	MaxConcurrentTurns int64
}

// Server is the HTTP front end of an Engine.
type Server struct {
	echo   *echo.Echo
	engine Engine
	turns  *semaphore.Weighted
	logs   *logx.RingBuffer
	logger *logx.Logger
}

// NewServer builds the router for engine.
func NewServer(engine Engine, opts Options, logger *logx.Logger) *Server {
	if logger == nil {
		logger = logx.NewLogger("api")
	}
	if opts.MaxConcurrentTurns <= 0 {
		opts.MaxConcurrentTurns = 4
	}
	if opts.Logs == nil {
		opts.Logs = logx.Buffer()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("%s %s -> %d (%s)", v.Method, v.URI, v.Status, v.Latency.Round(time.Millisecond))
			return nil
		},
	}))

	s := &Server{
		echo:   e,
		engine: engine,
		turns:  semaphore.NewWeighted(opts.MaxConcurrentTurns),
		logs:   opts.Logs,
		logger: logger,
	}
	s.setupRoutes(opts.Metrics)
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.echo.GET("/healthz", s.health)
	if metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics))
	}

	v1 := s.echo.Group("/v1")
	v1.POST("/turns", s.runTurn)
	v1.POST("/turns/stream", s.streamTurn)
	v1.GET("/threads/:id", s.getThread)
	v1.GET("/threads/:id/checkpoints", s.listCheckpoints)
	v1.POST("/threads/:id/restore", s.restore)
	v1.POST("/threads/:id/accept", s.accept)
	v1.POST("/threads/:id/reject", s.reject)
	v1.GET("/logs", s.recentLogs)
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown is called. It returns nil after a
// clean shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
