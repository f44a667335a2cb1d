package tools

import (
	"context"
	"errors"
	"fmt"

	"patchpilot/pkg/utils"
	"patchpilot/pkg/workspace"
)

// ReadData is attached to read_file results so callers can track which
// files were found.
type ReadData struct {
	Path      string
	Content   string
	Found     bool
	Truncated bool
}

// ReadFileTool reads a workspace file, truncated to a token budget.
type ReadFileTool struct {
	fs        workspace.FileAccess
	tokens    *utils.TokenCounter
	maxTokens int
}

// NewReadFileTool creates read_file. maxTokens <= 0 disables truncation.
func NewReadFileTool(fs workspace.FileAccess, tokens *utils.TokenCounter, maxTokens int) *ReadFileTool {
	return &ReadFileTool{fs: fs, tokens: tokens, maxTokens: maxTokens}
}

func (t *ReadFileTool) Name() string {
	return ToolReadFile
}

func (t *ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile,
		Description: "Read the contents of a file in the workspace. Large files are truncated.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Path relative to the workspace root"},
			},
			Required: []string{"path"},
		},
	}
}

func (t *ReadFileTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	path, err := utils.RequireString(args, "path")
	if err != nil {
		return errorResult(err.Error(), ReadData{}), nil
	}
	rel, err := workspace.Clean(path)
	if err != nil {
		return errorResult(err.Error(), ReadData{Path: path}), nil
	}

	content, err := t.fs.Read(ctx, rel)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, workspace.ErrNotFound) {
			return errorResult(fmt.Sprintf("file not found: %s", rel), ReadData{Path: rel}), nil
		}
		return errorResult(fmt.Sprintf("file not readable: %s (%v)", rel, err), ReadData{Path: rel}), nil
	}

	truncated := false
	if t.maxTokens > 0 {
		content, truncated = t.tokens.Truncate(content, t.maxTokens)
	}
	return jsonResult(map[string]any{
		"path":      rel,
		"content":   content,
		"truncated": truncated,
	}, ReadData{Path: rel, Content: content, Found: true, Truncated: truncated})
}

// ListDirectoryTool lists one directory level.
type ListDirectoryTool struct {
	fs workspace.FileAccess
}

func NewListDirectoryTool(fs workspace.FileAccess) *ListDirectoryTool {
	return &ListDirectoryTool{fs: fs}
}

func (t *ListDirectoryTool) Name() string {
	return ToolListDirectory
}

func (t *ListDirectoryTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListDirectory,
		Description: "List the files and directories directly inside a workspace directory.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Directory relative to the workspace root. Defaults to the root."},
			},
		},
	}
}

func (t *ListDirectoryTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	dir := utils.GetMapFieldOr(args, "path", ".")
	entries, err := t.fs.List(ctx, dir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResult(fmt.Sprintf("cannot list %s: %v", dir, err), nil), nil
	}
	return jsonResult(map[string]any{"path": dir, "entries": entries}, entries)
}

// SearchFilesTool finds files by glob, optionally narrowed to files
// containing some text.
type SearchFilesTool struct {
	fs         workspace.FileAccess
	maxResults int
}

func NewSearchFilesTool(fs workspace.FileAccess, maxResults int) *SearchFilesTool {
	if maxResults <= 0 {
		maxResults = 50
	}
	return &SearchFilesTool{fs: fs, maxResults: maxResults}
}

func (t *SearchFilesTool) Name() string {
	return ToolSearchFiles
}

func (t *SearchFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolSearchFiles,
		Description: "Find workspace files by glob pattern, e.g. \"**/*_test.go\" or \"*.py\". Returns matching paths.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {Type: "string", Description: "Glob over paths relative to the root. ** spans directories; a pattern without / matches at any depth"},
				"exclude": {
					Type:        "array",
					Items:       &Property{Type: "string"},
					Description: "Globs to leave out; excluding a directory excludes everything under it",
				},
				"content":     {Type: "string", Description: "Only return files containing this text (case-insensitive)"},
				"max_results": {Type: "integer", Description: fmt.Sprintf("Maximum files to return (default %d)", t.maxResults)},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *SearchFilesTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	pattern, err := utils.RequireString(args, "pattern")
	if err != nil {
		return errorResult(err.Error(), nil), nil
	}
	q := workspace.SearchQuery{
		Pattern: pattern,
		Exclude: stringsArg(args, "exclude"),
		Content: utils.GetMapFieldOr(args, "content", ""),
		Max:     min(intArgOrDefault(args, "max_results", t.maxResults), t.maxResults),
	}
	matches, err := t.fs.Search(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResult(fmt.Sprintf("search failed: %v", err), nil), nil
	}
	return jsonResult(map[string]any{"pattern": pattern, "matches": matches, "count": len(matches)}, matches)
}
