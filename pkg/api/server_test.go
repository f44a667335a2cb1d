package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"patchpilot/internal/mocks"
	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/checkpoint"
	"patchpilot/pkg/classify"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/workflow"
	"patchpilot/pkg/workspace"
)

type fixture struct {
	client *mocks.MockLLMClient
	logs   *logx.RingBuffer
	server *Server
}

func newFixture(t *testing.T, maxTurns int64) *fixture {
	t.Helper()
	fs := workspace.NewMemFS(map[string]string{"utils.py": "x = 1\n"})
	f := &fixture{
		client: mocks.NewMockLLMClient(),
		logs:   logx.NewRingBuffer(100),
	}
	logger := logx.NewLoggerWithSink("test", f.logs, logx.LevelInfo)
	engine, err := workflow.New(workflow.Deps{
		Client:      f.client,
		Workspace:   fs,
		VCS:         mocks.NewMemVCS(fs),
		Diagnostics: mocks.NewStaticDiagnostics(),
		Store:       checkpoint.NewMemoryStore(),
		Logger:      logger,
	}, workflow.DefaultOptions())
	require.NoError(t, err)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("patchpilot_turns_total 1\n"))
	})
	f.server = NewServer(engine, Options{Metrics: metrics, Logs: f.logs, MaxConcurrentTurns: maxTurns}, logx.Nop())
	return f
}

func (f *fixture) classifyAs(mode proto.Mode) {
	f.client.QueueToolCall("mode", classify.ToolSelectMode, map[string]any{"mode": string(mode), "reason": "test"})
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// readEvents parses an SSE body into its data payloads.
func readEvents(t *testing.T, body string) []proto.Event {
	t.Helper()
	var events []proto.Event
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev proto.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Version.Version)
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "patchpilot_turns_total")
}

func TestTurnGeneralChat(t *testing.T) {
	f := newFixture(t, 0)
	f.classifyAs(proto.ModeGeneralChat)
	f.client.QueueStream("Hi there!")

	rec := f.do(t, http.MethodPost, "/v1/turns", `{"thread_id":"t1","prompt":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[TurnResponse](t, rec)
	require.NotNil(t, resp.Thread)
	assert.Equal(t, "t1", resp.Thread.ThreadID)
	assert.Equal(t, proto.ModeGeneralChat, resp.Thread.Mode)
	require.Len(t, resp.Thread.Messages, 2)
	assert.Equal(t, "Hi there!", resp.Thread.Messages[1].Content)

	rec = f.do(t, http.MethodGet, "/v1/threads/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[proto.ThreadState](t, rec)
	assert.Len(t, state.Messages, 2)
}

func TestTurnAssignsThreadID(t *testing.T) {
	f := newFixture(t, 0)
	f.classifyAs(proto.ModeGeneralChat)
	f.client.QueueStream("Hi")

	rec := f.do(t, http.MethodPost, "/v1/turns", `{"prompt":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[TurnResponse](t, rec).Thread.ThreadID)
}

func TestStreamTurn(t *testing.T) {
	f := newFixture(t, 0)
	f.classifyAs(proto.ModeGeneralChat)
	f.client.QueueStream("Hello from the stream")

	rec := f.do(t, http.MethodPost, "/v1/turns/stream", `{"thread_id":"s1","prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: turn_complete\n")

	events := readEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, proto.EventTurnComplete, last.Kind)
	require.NotNil(t, last.State)
	assert.Equal(t, "s1", last.State.ThreadID)

	var text strings.Builder
	for _, ev := range events {
		assert.Equal(t, "s1", ev.ThreadID)
		if ev.Kind == proto.EventModelToken {
			text.WriteString(ev.Content)
		}
	}
	assert.Equal(t, "Hello from the stream", text.String())
}

func TestStreamTurnFailureEvent(t *testing.T) {
	f := newFixture(t, 0)
	f.client.QueueCompleteError(errors.New("model offline"))

	rec := f.do(t, http.MethodPost, "/v1/turns/stream", `{"thread_id":"s2","prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	events := readEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, proto.EventTurnFailed, last.Kind)
	assert.NotEmpty(t, last.Error)
}

func TestTurnErrors(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/v1/turns", `{"prompt":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/turns/stream", `{"prompt":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/turns", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.client.QueueCompleteError(errors.New("model offline"))
	rec = f.do(t, http.MethodPost, "/v1/turns", `{"thread_id":"t2","prompt":"hello"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "t2", body.ThreadID)
	assert.Equal(t, "preanalysis", body.Node)
}

func TestUnknownThread(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodGet, "/v1/threads/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreadAsYAML(t *testing.T) {
	f := newFixture(t, 0)
	f.classifyAs(proto.ModeGeneralChat)
	f.client.QueueStream("Hi there!")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/turns", `{"thread_id":"y1","prompt":"hello"}`).Code)

	rec := f.do(t, http.MethodGet, "/v1/threads/y1?format=yaml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))

	var state proto.ThreadState
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "y1", state.ThreadID)
	assert.Len(t, state.Messages, 2)
}

func TestCheckpointsRestoreAndReject(t *testing.T) {
	f := newFixture(t, 0)
	f.classifyAs(proto.ModeCodebaseChat)
	f.client.QueueComplete(llm.CompletionResponse{Content: "utils.py defines x."})
	f.client.QueueStream("x is set to 1.")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/turns", `{"thread_id":"c1","prompt":"what is x?"}`).Code)

	rec := f.do(t, http.MethodGet, "/v1/threads/c1/checkpoints", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[CheckpointsResponse](t, rec)
	assert.Equal(t, "c1", list.ThreadID)
	assert.Empty(t, list.Checkpoints)

	rec = f.do(t, http.MethodPost, "/v1/threads/c1/restore", `{"commit_id":"deadbeef"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/threads/c1/restore", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/threads/c1/accept", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing to accept")

	rec = f.do(t, http.MethodPost, "/v1/threads/c1/reject", "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/turns", `{"thread_id":"c1","prompt":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/threads/c1/reject", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTurnLimit(t *testing.T) {
	f := newFixture(t, 1)
	require.True(t, f.server.turns.TryAcquire(1))

	rec := f.do(t, http.MethodPost, "/v1/turns", `{"prompt":"hello"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	f.server.turns.Release(1)
	f.classifyAs(proto.ModeGeneralChat)
	f.client.QueueStream("Hi")
	rec = f.do(t, http.MethodPost, "/v1/turns", `{"prompt":"hello"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecentLogs(t *testing.T) {
	f := newFixture(t, 0)
	internal := logx.NewLoggerWithSink("internal", f.logs, logx.LevelInfo)
	internal.Info("not for users")
	internal.ForUser().Info("visible to users")

	rec := f.do(t, http.MethodGet, "/v1/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]logx.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "visible to users", entries[0].Message)

	rec = f.do(t, http.MethodGet, "/v1/logs?component=other", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]logx.Entry](t, rec))

	rec = f.do(t, http.MethodGet, "/v1/logs?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{workflow.ErrEmptyPrompt, http.StatusBadRequest},
		{checkpoint.ErrThreadNotFound, http.StatusNotFound},
		{checkpoint.ErrCheckpointNotFound, http.StatusNotFound},
		{workflow.ErrThreadConcluded, http.StatusConflict},
		{&workflow.NodeError{Node: "preanalysis", Err: classify.ErrClassification}, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
