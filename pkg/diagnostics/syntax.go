package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"patchpilot/pkg/workspace"
)

const (
	maxSyntaxErrors = 20
	maxDepth        = 1000
	snippetLen      = 40
)

// SyntaxSource parses files with tree-sitter and reports ERROR and MISSING
// nodes. Files in unsupported languages or no longer present yield nothing.
type SyntaxSource struct {
	fs workspace.FileAccess
}

func NewSyntaxSource(fs workspace.FileAccess) *SyntaxSource {
	return &SyntaxSource{fs: fs}
}

// LanguageFor maps a file extension to a tree-sitter grammar name.
func LanguageFor(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".go":
		return "go"
	case ".py", ".pyi":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".mts", ".cts":
		return "typescript"
	case ".rs":
		return "rust"
	case ".sh", ".bash":
		return "bash"
	default:
		return ""
	}
}

func grammar(lang string) *sitter.Language {
	switch lang {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	case "rust":
		return rust.GetLanguage()
	case "bash":
		return bash.GetLanguage()
	default:
		return nil
	}
}

func (s *SyntaxSource) DiagnosticsFor(ctx context.Context, p string) ([]Diagnostic, error) {
	lang := LanguageFor(p)
	if lang == "" {
		return nil, nil
	}
	content, err := s.fs.Read(ctx, p)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return Parse(ctx, p, lang, []byte(content))
}

// Parse reports the syntax errors in content.
func Parse(ctx context.Context, p, lang string, content []byte) ([]Diagnostic, error) {
	g := grammar(lang)
	if g == nil {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}
	defer tree.Close()

	var out []Diagnostic
	collect(tree.RootNode(), content, p, &out, 0)
	return out, nil
}

func collect(node *sitter.Node, content []byte, p string, out *[]Diagnostic, depth int) {
	if node == nil || depth > maxDepth || len(*out) >= maxSyntaxErrors {
		return
	}
	if node.IsMissing() || node.IsError() {
		pt := node.StartPoint()
		msg := "syntax error"
		if node.IsMissing() {
			msg = "missing " + node.Type()
		} else if snippet := snippetOf(node, content); snippet != "" {
			msg = "unexpected " + snippet
		}
		*out = append(*out, Diagnostic{
			Path:     p,
			Line:     int(pt.Row) + 1,
			Col:      int(pt.Column) + 1,
			Severity: SeverityError,
			Message:  msg,
			Source:   "syntax",
		})
		if node.IsError() {
			// Children of an ERROR node repeat the same problem.
			return
		}
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collect(node.Child(i), content, p, out, depth+1)
	}
}

func snippetOf(node *sitter.Node, content []byte) string {
	start, end := node.StartByte(), min(node.EndByte(), uint32(len(content)))
	if end <= start {
		return ""
	}
	s := strings.TrimSpace(string(content[start:end]))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > snippetLen {
		s = s[:snippetLen] + "..."
	}
	return fmt.Sprintf("%q", s)
}
