package mocks

import (
	"context"
	"strings"
	"sync"
)

// GitRunCall records the parameters of one git invocation.
type GitRunCall struct {
	Dir  string
	Args []string
}

// Command returns the call as a single "git ..." string for assertions.
func (c GitRunCall) Command() string {
	return "git " + strings.Join(c.Args, " ")
}

// MockGitRunner implements vcs.GitRunner for unit tests. Tests that need
// real repository behaviour use a temporary repository instead.
type MockGitRunner struct {
	// RunFunc is called when Run is invoked. Override to customize behavior.
	RunFunc func(ctx context.Context, dir string, args ...string) ([]byte, error)

	// RunCalls tracks all calls to Run for verification.
	RunCalls []GitRunCall

	mu sync.Mutex
}

// NewMockGitRunner creates a runner whose commands all succeed with empty output.
func NewMockGitRunner() *MockGitRunner {
	m := &MockGitRunner{}
	m.RunFunc = func(context.Context, string, ...string) ([]byte, error) {
		return []byte{}, nil
	}
	return m
}

// Run implements vcs.GitRunner.
func (m *MockGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	m.mu.Lock()
	m.RunCalls = append(m.RunCalls, GitRunCall{Dir: dir, Args: append([]string(nil), args...)})
	fn := m.RunFunc
	m.mu.Unlock()
	return fn(ctx, dir, args...)
}

// FailCommandWith makes the given subcommand fail; everything else succeeds
// with empty output.
func (m *MockGitRunner) FailCommandWith(command string, err error) {
	m.RunFunc = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if len(args) > 0 && args[0] == command {
			return nil, err
		}
		return []byte{}, nil
	}
}

// RespondWithMap answers by subcommand. Keys may also be a subcommand plus
// its first argument ("rev-parse --abbrev-ref"), which wins over the bare
// subcommand. Unknown commands return empty output.
func (m *MockGitRunner) RespondWithMap(responses map[string]string) {
	m.RunFunc = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if len(args) > 1 {
			if out, ok := responses[args[0]+" "+args[1]]; ok {
				return []byte(out), nil
			}
		}
		if len(args) > 0 {
			if out, ok := responses[args[0]]; ok {
				return []byte(out), nil
			}
		}
		return []byte{}, nil
	}
}

// Reset clears all recorded calls.
func (m *MockGitRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunCalls = nil
}

// Commands returns every recorded call rendered with GitRunCall.Command.
func (m *MockGitRunner) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.RunCalls))
	for _, c := range m.RunCalls {
		out = append(out, c.Command())
	}
	return out
}

// WasCommandCalled reports whether Run saw the subcommand.
func (m *MockGitRunner) WasCommandCalled(command string) bool {
	return len(m.GetCallsForCommand(command)) > 0
}

// GetCallsForCommand returns all Run calls for a subcommand.
func (m *MockGitRunner) GetCallsForCommand(command string) []GitRunCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var calls []GitRunCall
	for _, call := range m.RunCalls {
		if len(call.Args) > 0 && call.Args[0] == command {
			calls = append(calls, call)
		}
	}
	return calls
}
