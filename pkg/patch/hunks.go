// Package patch repairs, applies and renders unified diffs for a single file.
package patch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNoHunks is returned for patch text without any "@@" hunk header.
	ErrNoHunks = errors.New("patch contains no hunks")
	// ErrContextNotFound matches *ContextNotFoundError.
	ErrContextNotFound = errors.New("diff context not found in file")
)

// ContextNotFoundError reports a hunk whose anchor lines do not occur in the
// file at or after the end of the previous hunk.
type ContextNotFoundError struct {
	FilePath string
	Context  []string
	Hunk     int
}

func (e *ContextNotFoundError) Error() string {
	return fmt.Sprintf("diff context not found for hunk %d of %s: %q", e.Hunk+1, e.FilePath, e.Context)
}

// Is makes errors.Is(err, ErrContextNotFound) hold.
func (e *ContextNotFoundError) Is(target error) bool {
	return target == ErrContextNotFound
}

var hunkHeaderRE = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@(.*)$`)

// hunk is one parsed hunk. Body lines keep their one-character prefix;
// context lines that lost their leading space are stored with it restored.
type hunk struct {
	section  string
	body     []string
	oldStart int
	newStart int
	parsed   bool
}

func (h *hunk) counts() (before, after int) {
	for _, line := range h.body {
		switch line[0] {
		case ' ':
			before++
			after++
		case '-':
			before++
		case '+':
			after++
		}
	}
	return before, after
}

// anchor returns the first two original-side lines (context or removed) of
// the hunk. They are adjacent in the original file even when additions sit
// between them in the hunk.
func (h *hunk) anchor() []string {
	orig := h.original()
	return orig[:min(2, len(orig))]
}

// original returns every original-side line of the hunk, in order.
func (h *hunk) original() []string {
	var out []string
	for _, line := range h.body {
		if line[0] == ' ' || line[0] == '-' {
			out = append(out, line[1:])
		}
	}
	return out
}

func (h *hunk) header(oldStart, newStart int) string {
	before, after := h.counts()
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@%s", oldStart, before, newStart, after, h.section)
}

// splitPatch separates the lines before the first hunk from the hunks.
// Parsing stops at a second file header.
func splitPatch(patchText string) ([]string, []*hunk, error) {
	text := strings.ReplaceAll(patchText, "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")

	var preamble []string
	var hunks []*hunk
	var cur *hunk
	for _, line := range lines {
		if strings.HasPrefix(line, "@@") {
			cur = parseHeader(line)
			hunks = append(hunks, cur)
			continue
		}
		if cur == nil {
			preamble = append(preamble, line)
			continue
		}
		if strings.HasPrefix(line, "diff --git ") || (len(cur.body) > 0 && isFileHeaderPair(line)) {
			break
		}
		switch {
		case line == "":
			cur.body = append(cur.body, " ")
		case strings.ContainsRune(" -+\\", rune(line[0])):
			cur.body = append(cur.body, line)
		default:
			// Models sometimes drop the prefix of a context line.
			cur.body = append(cur.body, " "+line)
		}
	}
	if len(hunks) == 0 {
		return nil, nil, ErrNoHunks
	}
	for _, h := range hunks {
		h.body = trimTrailingBlankContext(h.body)
	}
	return preamble, hunks, nil
}

func isFileHeaderPair(line string) bool {
	return strings.HasPrefix(line, "--- a/") || strings.HasPrefix(line, "--- /dev/null")
}

func parseHeader(line string) *hunk {
	m := hunkHeaderRE.FindStringSubmatch(strings.TrimRight(line, " "))
	if m == nil {
		// "@@ ... @@" with missing or garbled numbers.
		section := ""
		if i := strings.Index(line[2:], "@@"); i >= 0 {
			section = line[2+i+2:]
		}
		return &hunk{section: section}
	}
	oldStart, _ := strconv.Atoi(m[1])
	newStart, _ := strconv.Atoi(m[3])
	return &hunk{oldStart: oldStart, newStart: newStart, section: m[5], parsed: true}
}

func trimTrailingBlankContext(body []string) []string {
	for len(body) > 0 && body[len(body)-1] == " " {
		body = body[:len(body)-1]
	}
	return body
}

func fileHeaders(filePath string) []string {
	p := strings.TrimPrefix(filePath, "/")
	return []string{"--- a/" + p, "+++ b/" + p}
}

func render(headers []string, hunks []*hunk, starts [][2]int) string {
	var sb strings.Builder
	for _, h := range headers {
		sb.WriteString(h)
		sb.WriteByte('\n')
	}
	for i, h := range hunks {
		sb.WriteString(h.header(starts[i][0], starts[i][1]))
		sb.WriteByte('\n')
		for _, line := range h.body {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
