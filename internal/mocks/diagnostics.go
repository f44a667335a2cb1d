package mocks

import (
	"context"
	"sync"

	"patchpilot/pkg/diagnostics"
)

// StaticDiagnostics returns fixed diagnostics per path. Each path's list can
// be consumed once (Once) to model a problem fixed by the next generation.
type StaticDiagnostics struct {
	byPath map[string][]diagnostics.Diagnostic
	once   bool
	Calls  []string
	mu     sync.Mutex
}

// NewStaticDiagnostics reports nothing until Set is called.
func NewStaticDiagnostics() *StaticDiagnostics {
	return &StaticDiagnostics{byPath: make(map[string][]diagnostics.Diagnostic)}
}

// Set replaces the diagnostics returned for path.
func (s *StaticDiagnostics) Set(path string, diags ...diagnostics.Diagnostic) *StaticDiagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range diags {
		if diags[i].Path == "" {
			diags[i].Path = path
		}
	}
	s.byPath[path] = diags
	return s
}

// Once makes every path's diagnostics disappear after being reported.
func (s *StaticDiagnostics) Once() *StaticDiagnostics {
	s.once = true
	return s
}

func (s *StaticDiagnostics) DiagnosticsFor(_ context.Context, path string) ([]diagnostics.Diagnostic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, path)
	diags := s.byPath[path]
	if s.once {
		delete(s.byPath, path)
	}
	return append([]diagnostics.Diagnostic(nil), diags...), nil
}
