package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	pathPlaceholder = "{path}"
	maxOutputLines  = 50
)

// file:line[:col][:] [severity:] message
var lineRE = regexp.MustCompile(`^(.+?):(\d+)(?::(\d+))?:?\s+(?:(error|warning|info|note)\s*:?\s+)?(.*)$`)

// CommandSource runs an external linter or compiler per file and parses
// "file:line:col: message" output.
type CommandSource struct {
	Name       string
	Command    string
	Dir        string
	Args       []string
	Extensions []string
	Timeout    time.Duration
}

func (c *CommandSource) applies(p string) bool {
	if len(c.Extensions) == 0 {
		return true
	}
	return slices.Contains(c.Extensions, strings.ToLower(path.Ext(p)))
}

func (c *CommandSource) DiagnosticsFor(ctx context.Context, p string) ([]Diagnostic, error) {
	if !c.applies(p) {
		return nil, nil
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(c.Args)+1)
	substituted := false
	for _, a := range c.Args {
		if strings.Contains(a, pathPlaceholder) {
			substituted = true
		}
		args = append(args, strings.ReplaceAll(a, pathPlaceholder, p))
	}
	if !substituted {
		args = append(args, p)
	}

	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = c.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s on %s: %w", c.Name, p, ctx.Err())
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return nil, fmt.Errorf("%s on %s: %w", c.Name, p, runErr)
	}

	diags := ParseOutput(c.Name, out.String())
	if len(diags) == 0 && runErr != nil {
		// Failed without parseable output: report it against the file.
		diags = []Diagnostic{{
			Path:     p,
			Severity: SeverityError,
			Message:  fmt.Sprintf("%s failed (%v): %s", c.Name, runErr, firstLines(out.String(), 5)),
			Source:   c.Name,
		}}
	}
	return diags, nil
}

// ParseOutput extracts diagnostics from compiler-style output lines.
// Lines without an explicit severity are errors.
func ParseOutput(source, output string) []Diagnostic {
	var out []Diagnostic
	for i, line := range strings.Split(output, "\n") {
		if i >= maxOutputLines*4 || len(out) >= maxOutputLines {
			break
		}
		m := lineRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		sev := SeverityError
		switch m[4] {
		case "warning":
			sev = SeverityWarning
		case "info", "note":
			sev = SeverityInfo
		}
		out = append(out, Diagnostic{
			Path:     strings.TrimPrefix(m[1], "./"),
			Line:     lineNo,
			Col:      col,
			Severity: sev,
			Message:  strings.TrimSpace(m[5]),
			Source:   source,
		})
	}
	return out
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = append(lines[:n], "...")
	}
	return strings.Join(lines, " | ")
}
