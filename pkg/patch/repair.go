package patch

import "strings"

// Repair rewrites a model-produced patch so it applies to originalLines.
//
// Each hunk is located independently: its first two original-side lines are
// matched (whitespace-trimmed) against the file at or after the end of the
// previous hunk, preferring the position where the hunk's whole original side
// matches. Headers get recomputed starts and counts, and the file headers
// are replaced by "--- a/<filePath>" / "+++ b/<filePath>". Hunk bodies are
// kept as they are. Hunks that only add lines keep their stated position.
//
// Repair is idempotent: repairing its own output returns the same text.
func Repair(originalLines []string, patchText, filePath string) (string, error) {
	_, hunks, err := splitPatch(patchText)
	if err != nil {
		return "", err
	}

	trimmed := make([]string, len(originalLines))
	for i, line := range originalLines {
		trimmed[i] = strings.TrimSpace(line)
	}

	starts := make([][2]int, len(hunks))
	cursor, offset := 0, 0
	for i, h := range hunks {
		before, after := h.counts()
		if before == 0 {
			oldStart := cursor
			if h.parsed {
				oldStart = min(max(h.oldStart, cursor), len(originalLines))
			}
			starts[i] = [2]int{oldStart, oldStart + offset + 1}
			cursor = oldStart
			offset += after
			continue
		}

		idx := locate(trimmed, h, cursor)
		if idx < 0 {
			return "", &ContextNotFoundError{FilePath: filePath, Hunk: i, Context: h.anchor()}
		}
		starts[i] = [2]int{idx + 1, idx + 1 + offset}
		cursor = idx + before
		offset += after - before
	}
	return render(fileHeaders(filePath), hunks, starts), nil
}

// locate returns the 0-based line where h starts, searching from cursor, or -1.
func locate(trimmed []string, h *hunk, cursor int) int {
	anchor := trimAll(h.anchor())
	full := trimAll(h.original())

	first := -1
	for j := cursor; j+len(anchor) <= len(trimmed); j++ {
		if !matchesAt(trimmed, anchor, j) {
			continue
		}
		if matchesAt(trimmed, full, j) {
			return j
		}
		if first < 0 {
			first = j
		}
	}
	return first
}

func matchesAt(lines, want []string, at int) bool {
	if at+len(want) > len(lines) {
		return false
	}
	for k, w := range want {
		if lines[at+k] != w {
			return false
		}
	}
	return true
}

func trimAll(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimSpace(l)
	}
	return out
}

// SplitLines splits file content into lines without the trailing empty
// element a final newline would produce.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(strings.ReplaceAll(content, "\r\n", "\n"), "\n"), "\n")
}

// LineEnding reports the line terminator of content's first line, "\r\n" or
// "\n".
func LineEnding(content string) string {
	if i := strings.IndexByte(content, '\n'); i > 0 && content[i-1] == '\r' {
		return "\r\n"
	}
	return "\n"
}
