// Package diagnostics reports compiler, linter and syntax problems for files
// changed by a generation step.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is one problem at a position. Line and Col are 1-based; zero
// means unknown.
type Diagnostic struct {
	Path     string   `json:"path"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Source   string   `json:"source,omitempty"`
	Line     int      `json:"line"`
	Col      int      `json:"col"`
}

// String renders "path:line:col severity: message".
func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d:%d %s: %s", d.Path, d.Line, d.Col, d.Severity, d.Message)
}

// Source produces diagnostics for one workspace-relative path.
type Source interface {
	DiagnosticsFor(ctx context.Context, path string) ([]Diagnostic, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, path string) ([]Diagnostic, error)

func (f SourceFunc) DiagnosticsFor(ctx context.Context, path string) ([]Diagnostic, error) {
	return f(ctx, path)
}

// Multi queries every source and merges the results sorted by position.
// A failing source does not hide the others; its error is joined.
type Multi []Source

func (m Multi) DiagnosticsFor(ctx context.Context, path string) ([]Diagnostic, error) {
	var out []Diagnostic
	var errs []error
	for _, s := range m {
		diags, err := s.DiagnosticsFor(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		out = append(out, diags...)
	}
	Sort(out)
	return out, errors.Join(errs...)
}

// Sort orders diagnostics by path, line and column.
func Sort(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		a, b := diags[i], diags[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Col < b.Col
	})
}
