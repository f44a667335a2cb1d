package patch

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContext is the number of unchanged lines around each rendered change.
const DefaultContext = 3

type lineOp struct {
	text string
	kind byte // ' ', '-', '+'
}

func lineOps(before, after string) []lineOp {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []lineOp
	for _, d := range diffs {
		chunk := strings.Split(d.Text, "\n")
		if len(chunk) > 0 && chunk[len(chunk)-1] == "" {
			chunk = chunk[:len(chunk)-1]
		}
		kind := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		}
		for _, line := range chunk {
			ops = append(ops, lineOp{text: line, kind: kind})
		}
	}
	return ops
}

// Unified renders the change from before to after as a unified diff for
// filePath. Identical inputs produce "". An empty before renders as a file
// creation from /dev/null.
func Unified(filePath, before, after string) string {
	if before == after {
		return ""
	}
	ops := lineOps(before, after)

	var sb strings.Builder
	p := strings.TrimPrefix(filePath, "/")
	if before == "" {
		sb.WriteString("--- /dev/null\n")
	} else {
		fmt.Fprintf(&sb, "--- a/%s\n", p)
	}
	if after == "" {
		sb.WriteString("+++ /dev/null\n")
	} else {
		fmt.Fprintf(&sb, "+++ b/%s\n", p)
	}

	for _, r := range hunkRanges(ops, DefaultContext) {
		oldStart, newStart := 1, 1
		for _, op := range ops[:r[0]] {
			if op.kind != '+' {
				oldStart++
			}
			if op.kind != '-' {
				newStart++
			}
		}
		var oldCount, newCount int
		var body strings.Builder
		for _, op := range ops[r[0]:r[1]] {
			if op.kind != '+' {
				oldCount++
			}
			if op.kind != '-' {
				newCount++
			}
			body.WriteByte(op.kind)
			body.WriteString(op.text)
			body.WriteByte('\n')
		}
		if oldCount == 0 {
			oldStart--
		}
		if newCount == 0 {
			newStart--
		}
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		sb.WriteString(body.String())
	}
	return sb.String()
}

// hunkRanges groups changed ops with up to ctx unchanged lines on each side,
// merging groups whose context would touch.
func hunkRanges(ops []lineOp, ctx int) [][2]int {
	var ranges [][2]int
	for i := 0; i < len(ops); i++ {
		if ops[i].kind == ' ' {
			continue
		}
		start := max(0, i-ctx)
		end := i + 1
		for end < len(ops) {
			if ops[end].kind != ' ' {
				end++
				continue
			}
			run := end
			for run < len(ops) && ops[run].kind == ' ' {
				run++
			}
			if run < len(ops) && run-end <= 2*ctx {
				end = run
				continue
			}
			break
		}
		stop := min(len(ops), end+ctx)
		if n := len(ranges); n > 0 && start <= ranges[n-1][1] {
			ranges[n-1][1] = stop
		} else {
			ranges = append(ranges, [2]int{start, stop})
		}
		i = end - 1
	}
	return ranges
}

// Stats counts added and removed lines of a unified diff.
func Stats(diffText string) (added, removed int) {
	for _, line := range strings.Split(diffText, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}
