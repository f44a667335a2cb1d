package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"patchpilot/pkg/checkpoint"
	"patchpilot/pkg/proto"
)

// printer renders turn events and listings. Live token output is only used
// when w is a terminal.
type printer struct {
	w    io.Writer
	live bool

	node    lipgloss.Style
	tool    lipgloss.Style
	failure lipgloss.Style
	dim     lipgloss.Style

	// open is the message whose tokens are being printed.
	open string
}

func newPrinter(w io.Writer) *printer {
	live := false
	if f, ok := w.(*os.File); ok {
		live = term.IsTerminal(int(f.Fd()))
	}
	return newPrinterFor(w, live)
}

func newPrinterFor(w io.Writer, live bool) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:       w,
		live:    live,
		node:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		tool:    r.NewStyle().Foreground(lipgloss.Color("241")),
		failure: r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		dim:     r.NewStyle().Faint(true),
	}
}

func (p *printer) closeMessage() {
	if p.open != "" {
		fmt.Fprintln(p.w)
		p.open = ""
	}
}

// Event prints one turn event.
func (p *printer) Event(ev proto.Event) {
	switch ev.Kind {
	case proto.EventNodeStart:
		p.closeMessage()
		fmt.Fprintln(p.w, p.node.Render("» "+ev.Node))
	case proto.EventModelToken:
		if !p.live {
			return
		}
		p.open = ev.MessageID
		fmt.Fprint(p.w, ev.Content)
	case proto.EventModelEnd:
		switch {
		case p.live && p.open == ev.MessageID && !ev.Replace:
			p.closeMessage()
		default:
			if p.live && p.open == ev.MessageID {
				fmt.Fprintln(p.w)
				fmt.Fprintln(p.w, p.dim.Render("(streaming failed, full reply follows)"))
			}
			p.open = ""
			if ev.Content != "" {
				fmt.Fprintln(p.w, ev.Content)
			}
		}
	case proto.EventToolEnd:
		p.closeMessage()
		mark := "✓"
		if ev.IsError {
			mark = "✗"
		}
		fmt.Fprintln(p.w, p.tool.Render(fmt.Sprintf("  %s %s", mark, ev.ToolName)))
	case proto.EventTurnFailed:
		p.closeMessage()
		fmt.Fprintln(p.w, p.failure.Render("turn failed: "+ev.Error))
	case proto.EventTurnComplete:
		p.closeMessage()
		if ev.State != nil {
			p.Summary(ev.State)
		}
	}
}

// Summary prints the thread id and, when the turn committed, the commit.
func (p *printer) Summary(state *proto.ThreadState) {
	line := "thread " + state.ThreadID
	if state.Mode != "" {
		line += " (" + string(state.Mode) + ")"
	}
	if state.CommitID != "" {
		line += fmt.Sprintf(", commit %s: %s", shortCommit(state.CommitID), strings.Join(state.FilesModified, ", "))
	}
	fmt.Fprintln(p.w, p.dim.Render(line))
}

// Checkpoints prints records as a table, oldest first.
func (p *printer) Checkpoints(records []checkpoint.Record) {
	if len(records) == 0 {
		fmt.Fprintln(p.w, p.dim.Render("no checkpoints"))
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("COMMIT", "CREATED", "MESSAGE")
	for _, r := range records {
		t.Row(shortCommit(r.CommitID), r.CreatedAt.Local().Format("2006-01-02 15:04"), firstLine(r.Message))
	}
	fmt.Fprintln(p.w, t.String())
}

func shortCommit(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
