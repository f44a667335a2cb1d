package mocks

import (
	"context"
	"errors"
	"strings"
	"sync"

	"patchpilot/pkg/agent/llm"
)

// ErrScriptExhausted is returned once a queued script has no replies left.
var ErrScriptExhausted = errors.New("mock llm: no scripted reply left")

// Reply is one scripted Complete result.
type Reply struct {
	Err      error
	Response llm.CompletionResponse
}

// StreamReply is one scripted Stream result. OpenErr fails the Stream call
// itself; FailAfter sends Text and then a chunk carrying FailAfter.
type StreamReply struct {
	OpenErr   error
	FailAfter error
	Text      string
}

// MockLLMClient implements llm.LLMClient for tests. Complete and Stream
// consume their queues in order; with an empty queue the overridable funcs
// are used.
//
//nolint:govet // readability over alignment
type MockLLMClient struct {
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)
	StreamFunc   func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error)

	CompleteCalls []llm.CompletionRequest
	StreamCalls   []llm.CompletionRequest

	completeQueue []Reply
	streamQueue   []StreamReply
	modelName     string
	mu            sync.Mutex
}

// NewMockLLMClient creates a client whose unscripted calls fail with
// ErrScriptExhausted.
func NewMockLLMClient() *MockLLMClient {
	m := &MockLLMClient{modelName: "mock-model"}
	m.CompleteFunc = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, ErrScriptExhausted
	}
	m.StreamFunc = func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		return nil, ErrScriptExhausted
	}
	return m
}

// Complete implements llm.LLMClient.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, req)
	if len(m.completeQueue) > 0 {
		r := m.completeQueue[0]
		m.completeQueue = m.completeQueue[1:]
		m.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return llm.CompletionResponse{}, err
		}
		return r.Response, r.Err
	}
	fn := m.CompleteFunc
	m.mu.Unlock()
	return fn(ctx, req)
}

// Stream implements llm.LLMClient.
func (m *MockLLMClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	m.StreamCalls = append(m.StreamCalls, req)
	if len(m.streamQueue) > 0 {
		r := m.streamQueue[0]
		m.streamQueue = m.streamQueue[1:]
		m.mu.Unlock()
		if r.OpenErr != nil {
			return nil, r.OpenErr
		}
		return chunked(ctx, r.Text, r.FailAfter), nil
	}
	fn := m.StreamFunc
	m.mu.Unlock()
	return fn(ctx, req)
}

// GetModelName implements llm.LLMClient.
func (m *MockLLMClient) GetModelName() string {
	return m.modelName
}

func (m *MockLLMClient) SetModelName(name string) {
	m.modelName = name
}

// QueueComplete appends successful Complete replies.
func (m *MockLLMClient) QueueComplete(responses ...llm.CompletionResponse) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range responses {
		m.completeQueue = append(m.completeQueue, Reply{Response: responses[i]})
	}
	return m
}

// QueueCompleteError appends a failing Complete reply.
func (m *MockLLMClient) QueueCompleteError(err error) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeQueue = append(m.completeQueue, Reply{Err: err})
	return m
}

// QueueToolCall appends a reply calling one tool.
func (m *MockLLMClient) QueueToolCall(id, name string, params map[string]any) *MockLLMClient {
	return m.QueueComplete(llm.CompletionResponse{
		ToolCalls:  []llm.ToolCall{{ID: id, Name: name, Parameters: params}},
		StopReason: "tool_use",
	})
}

// QueueStream appends successful streams of text.
func (m *MockLLMClient) QueueStream(texts ...string) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range texts {
		m.streamQueue = append(m.streamQueue, StreamReply{Text: t})
	}
	return m
}

// QueueStreamReply appends an arbitrary stream result.
func (m *MockLLMClient) QueueStreamReply(r StreamReply) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamQueue = append(m.streamQueue, r)
	return m
}

// Pending reports how many scripted replies were not consumed.
func (m *MockLLMClient) Pending() (complete, stream int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completeQueue), len(m.streamQueue)
}

// RespondWith makes every unscripted Complete return content.
func (m *MockLLMClient) RespondWith(content string) {
	m.CompleteFunc = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	}
}

// FailCompleteWith makes every unscripted Complete fail with err.
func (m *MockLLMClient) FailCompleteWith(err error) {
	m.CompleteFunc = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, err
	}
}

// FailStreamWith makes every unscripted Stream fail with err.
func (m *MockLLMClient) FailStreamWith(err error) {
	m.StreamFunc = func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		return nil, err
	}
}

// chunked streams text word by word.
func chunked(ctx context.Context, text string, failAfter error) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		send := func(c llm.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, part := range strings.SplitAfter(text, " ") {
			if part != "" && !send(llm.StreamChunk{Content: part}) {
				return
			}
		}
		if failAfter != nil {
			send(llm.StreamChunk{Error: failAfter})
			return
		}
		send(llm.StreamChunk{Done: true})
	}()
	return ch
}
