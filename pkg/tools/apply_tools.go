package tools

import (
	"context"
	"errors"

	"patchpilot/pkg/patch"
	"patchpilot/pkg/utils"
	"patchpilot/pkg/workspace"
)

var filePathProperty = Property{Type: "string", Description: "Path relative to the workspace root"}

// ApplyDiffTool applies a unified diff to one file, repairing hunk positions
// against the current content first.
type ApplyDiffTool struct {
	fs workspace.FileAccess
}

func NewApplyDiffTool(fs workspace.FileAccess) *ApplyDiffTool {
	return &ApplyDiffTool{fs: fs}
}

func (t *ApplyDiffTool) Name() string {
	return ToolApplyDiff
}

func (t *ApplyDiffTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: ToolApplyDiff,
		Description: "Apply a unified diff to a single file. Line numbers in hunk headers are corrected " +
			"automatically, but context and removed lines must match the file. A diff against a missing file creates it.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"file_path": filePathProperty,
				"diff":      {Type: "string", Description: "Unified diff with @@ hunks for this file"},
			},
			Required: []string{"file_path", "diff"},
		},
	}
}

func (t *ApplyDiffTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	path, diffText, res := pathAndBody(args, "diff")
	if res != nil {
		return res, nil
	}

	current, err := t.fs.Read(ctx, path)
	exists := err == nil
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil && !errors.Is(err, workspace.ErrNotFound):
		return applyFailure(path, "cannot read %s: %v", path, err), nil
	}

	if exists {
		repaired, err := patch.Repair(patch.SplitLines(current), diffText, path)
		if err != nil {
			return applyFailure(path, "could not locate the diff in %s: %v. Re-read the file and resend the diff with exact context lines.", path, err), nil
		}
		diffText = repaired
	}

	updated, err := patch.Apply(current, diffText, path)
	if err != nil {
		return applyFailure(path, "diff does not apply to %s: %v", path, err), nil
	}
	if err := t.fs.Write(ctx, path, updated); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return applyFailure(path, "failed to write %s: %v", path, err), nil
	}

	r := ApplyResult{FilePath: path, Success: true, Message: "Diff applied to " + path, Diff: patch.Unified(path, current, updated)}
	if !exists {
		r.Message = "Created " + path + " from diff"
	}
	return r.exec(), nil
}

// CreateFileTool writes a file that must not exist yet.
type CreateFileTool struct {
	fs workspace.FileAccess
}

func NewCreateFileTool(fs workspace.FileAccess) *CreateFileTool {
	return &CreateFileTool{fs: fs}
}

func (t *CreateFileTool) Name() string {
	return ToolCreateFile
}

func (t *CreateFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolCreateFile,
		Description: "Create a new file with the given content. Fails if the file already exists; use replace_file or apply_diff for existing files.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"file_path": filePathProperty,
				"content":   {Type: "string", Description: "Full file content"},
			},
			Required: []string{"file_path", "content"},
		},
	}
}

func (t *CreateFileTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	path, content, res := pathAndBody(args, "content")
	if res != nil {
		return res, nil
	}
	if err := t.fs.CreateNew(ctx, path, content); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, workspace.ErrExists) {
			return applyFailure(path, "%s already exists; use replace_file or apply_diff to change it", path), nil
		}
		return applyFailure(path, "failed to create %s: %v", path, err), nil
	}
	r := ApplyResult{FilePath: path, Success: true, Message: "Created " + path, Diff: patch.Unified(path, "", content)}
	return r.exec(), nil
}

// ReplaceFileTool overwrites a file that must already exist.
type ReplaceFileTool struct {
	fs workspace.FileAccess
}

func NewReplaceFileTool(fs workspace.FileAccess) *ReplaceFileTool {
	return &ReplaceFileTool{fs: fs}
}

func (t *ReplaceFileTool) Name() string {
	return ToolReplaceFile
}

func (t *ReplaceFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReplaceFile,
		Description: "Replace the whole content of an existing file. Use when a change is too large for a clean diff. Fails if the file does not exist.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"file_path": filePathProperty,
				"content":   {Type: "string", Description: "New full file content"},
			},
			Required: []string{"file_path", "content"},
		},
	}
}

func (t *ReplaceFileTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	path, content, res := pathAndBody(args, "content")
	if res != nil {
		return res, nil
	}
	current, err := t.fs.Read(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, workspace.ErrNotFound) {
			return applyFailure(path, "%s does not exist; use create_file for new files", path), nil
		}
		return applyFailure(path, "cannot read %s: %v", path, err), nil
	}
	if err := t.fs.Write(ctx, path, content); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return applyFailure(path, "failed to write %s: %v", path, err), nil
	}
	r := ApplyResult{FilePath: path, Success: true, Message: "Replaced " + path, Diff: patch.Unified(path, current, content)}
	return r.exec(), nil
}

// pathAndBody reads file_path plus a string body argument. A non-nil result
// is the failure to return.
func pathAndBody(args map[string]any, bodyKey string) (string, string, *ExecResult) {
	raw, err := utils.RequireString(args, "file_path")
	if err != nil {
		return "", "", applyFailure("", "%v", err)
	}
	path, err := workspace.Clean(raw)
	if err != nil || path == "." {
		return "", "", applyFailure(raw, "invalid file path %q", raw)
	}
	body, err := utils.GetMapField[string](args, bodyKey)
	if err != nil {
		return "", "", applyFailure(path, "%v", err)
	}
	return path, body, nil
}

// NewGatherProvider returns the read-only tools used while gathering context.
func NewGatherProvider(fs workspace.FileAccess, tokens *utils.TokenCounter, maxFileTokens, maxSearchResults int) *Provider {
	return NewProvider(
		NewReadFileTool(fs, tokens, maxFileTokens),
		NewListDirectoryTool(fs),
		NewSearchFilesTool(fs, maxSearchResults),
	)
}

// NewApplyProvider returns the write tools used to apply generated changes.
func NewApplyProvider(fs workspace.FileAccess) *Provider {
	return NewProvider(NewApplyDiffTool(fs), NewCreateFileTool(fs), NewReplaceFileTool(fs))
}
