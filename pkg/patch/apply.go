package patch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

var (
	// ErrMalformed is returned for patches that cannot be parsed.
	ErrMalformed = errors.New("malformed patch")
	// ErrConflict matches *ConflictError.
	ErrConflict = errors.New("patch does not apply")
)

// ConflictError reports a context or removed line that differs from the file.
type ConflictError struct {
	Want string
	Got  string
	Hunk int
	Line int
}

func (e *ConflictError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("hunk %d: %s", e.Hunk+1, e.Want)
	}
	return fmt.Sprintf("hunk %d: line %d is %q, patch expects %q", e.Hunk+1, e.Line, e.Got, e.Want)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Apply applies a single-file unified diff to original and returns the new
// content. Hunk positions are taken as given (run Repair first for model
// output against an existing file); counts are recomputed from the bodies.
// Context and removed lines must match the file, ignoring trailing
// whitespace. An empty original accepts creation patches ("@@ -0,0 +1,n @@").
func Apply(original, patchText, filePath string) (string, error) {
	_, hunks, err := splitPatch(patchText)
	if err != nil {
		return "", err
	}

	starts := make([][2]int, len(hunks))
	offset := 0
	for i, h := range hunks {
		before, after := h.counts()
		oldStart := h.oldStart
		if !h.parsed {
			if original != "" || i > 0 {
				return "", fmt.Errorf("%w: hunk %d has no line numbers", ErrMalformed, i+1)
			}
			oldStart = 0
		}
		if before == 0 {
			starts[i] = [2]int{oldStart, oldStart + offset + 1}
		} else {
			starts[i] = [2]int{oldStart, oldStart + offset}
		}
		offset += after - before
	}

	fileDiffs, err := diff.ParseMultiFileDiff([]byte(render(fileHeaders(filePath), hunks, starts)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(fileDiffs) != 1 || len(fileDiffs[0].Hunks) == 0 {
		return "", ErrNoHunks
	}
	return applyFileDiff(original, fileDiffs[0])
}

func applyFileDiff(original string, fd *diff.FileDiff) (string, error) {
	orig := SplitLines(original)
	eol := LineEnding(original)
	trailingNewline := original == "" || strings.HasSuffix(original, "\n")

	out := make([]string, 0, len(orig))
	cursor := 0
	for i, h := range fd.Hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < cursor || start > len(orig) {
			return "", &ConflictError{Hunk: i, Want: fmt.Sprintf("start line %d is out of order or past the end of the file (%d lines)", h.OrigStartLine, len(orig))}
		}
		out = append(out, orig[cursor:start]...)
		cursor = start

		for _, line := range SplitLines(string(h.Body)) {
			if line == "" {
				line = " "
			}
			switch line[0] {
			case ' ', '-':
				text := line[1:]
				if cursor >= len(orig) {
					return "", &ConflictError{Hunk: i, Line: cursor + 1, Want: text, Got: "<end of file>"}
				}
				if strings.TrimRight(orig[cursor], " \t") != strings.TrimRight(text, " \t") {
					return "", &ConflictError{Hunk: i, Line: cursor + 1, Want: text, Got: orig[cursor]}
				}
				if line[0] == ' ' {
					out = append(out, orig[cursor])
				}
				cursor++
			case '+':
				out = append(out, line[1:])
			}
		}
	}

	// go-diff drops "\ No newline at end of file" from the body. After a new
	// side line it strips that line's newline; after a removed line it sets
	// OrigNoNewlineAt. Either only matters when the last hunk reaches EOF.
	if last := fd.Hunks[len(fd.Hunks)-1]; cursor == len(orig) {
		switch {
		case len(last.Body) > 0 && last.Body[len(last.Body)-1] != '\n':
			trailingNewline = false
		case last.OrigNoNewlineAt > 0:
			trailingNewline = true
		}
	}
	out = append(out, orig[cursor:]...)

	if len(out) == 0 {
		return "", nil
	}
	result := strings.Join(out, eol)
	if trailingNewline {
		result += eol
	}
	return result, nil
}
