// Package workspace gives the workflow read and write access to the working
// tree. Paths are always slash-separated and relative to the tree root.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrNotFound is returned when a path does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrExists is returned by CreateNew when the path is already taken.
	ErrExists = errors.New("file already exists")
	// ErrOutsideRoot rejects absolute paths and paths escaping the root.
	ErrOutsideRoot = errors.New("path is outside the workspace")
	// ErrIsDirectory is returned when a file operation targets a directory.
	ErrIsDirectory = errors.New("path is a directory")
)

// Entry is one item of a directory listing.
type Entry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// Match is one search hit, at most one per file. Line and Text give the first
// line containing SearchQuery.Content; they are empty for pattern-only queries.
type Match struct {
	Path string `json:"path"`
	Text string `json:"text,omitempty"`
	Line int    `json:"line,omitempty"`
}

// SearchQuery selects files by glob. "**" spans directories, and a glob
// without "/" is matched against every directory level ("*.py" finds
// "a/b/c.py"). A path is excluded when it or one of its parent directories
// matches an Exclude glob. Content, when set, keeps only files containing it
// case-insensitively. Max caps the number of files returned; zero is no cap.
type SearchQuery struct {
	Pattern string   `json:"pattern"`
	Exclude []string `json:"exclude,omitempty"`
	Content string   `json:"content,omitempty"`
	Max     int      `json:"max,omitempty"`
}

func (q SearchQuery) normalize() (SearchQuery, error) {
	q.Pattern = strings.TrimPrefix(strings.TrimSpace(q.Pattern), "./")
	q.Content = strings.ToLower(strings.TrimSpace(q.Content))
	switch {
	case q.Pattern == "" && q.Content == "":
		return q, errors.New("search needs a pattern or content")
	case q.Pattern == "":
		q.Pattern = "**"
	}
	if !doublestar.ValidatePattern(globFor(q.Pattern)) {
		return q, fmt.Errorf("invalid pattern %q", q.Pattern)
	}
	for _, ex := range q.Exclude {
		if !doublestar.ValidatePattern(globFor(ex)) {
			return q, fmt.Errorf("invalid exclude pattern %q", ex)
		}
	}
	return q, nil
}

func globFor(pattern string) string {
	pattern = strings.TrimSuffix(strings.TrimPrefix(pattern, "./"), "/")
	if !strings.Contains(pattern, "/") && pattern != "**" {
		return "**/" + pattern
	}
	return pattern
}

func globMatch(pattern, p string) bool {
	ok, _ := doublestar.Match(globFor(pattern), p)
	return ok
}

// excluded reports whether p or one of its parent directories matches an
// exclude glob.
func (q SearchQuery) excluded(p string) bool {
	for _, ex := range q.Exclude {
		for prefix := p; prefix != "." && prefix != "/"; prefix = path.Dir(prefix) {
			if globMatch(ex, prefix) {
				return true
			}
		}
	}
	return false
}

func (q SearchQuery) selects(p string) bool {
	return globMatch(q.Pattern, p) && !q.excluded(p)
}

// matchContent returns the file's hit, or false when Content is set and no
// line contains it.
func (q SearchQuery) matchContent(p, content string) (Match, bool) {
	if q.Content == "" {
		return Match{Path: p}, true
	}
	for i, line := range strings.Split(content, "\n") {
		if strings.Contains(strings.ToLower(line), q.Content) {
			return Match{Path: p, Line: i + 1, Text: strings.TrimSpace(line)}, true
		}
	}
	return Match{}, false
}

func (q SearchQuery) full(n int) bool {
	return q.Max > 0 && n >= q.Max
}

// FileAccess is the file collaborator used by tools and nodes.
type FileAccess interface {
	Root() string
	Read(ctx context.Context, p string) (string, error)
	List(ctx context.Context, dir string) ([]Entry, error)
	// Search lists the files selected by q in path order.
	Search(ctx context.Context, q SearchQuery) ([]Match, error)
	// Write creates or replaces a file, creating parent directories.
	Write(ctx context.Context, p, content string) error
	// CreateNew writes a file that must not exist yet.
	CreateNew(ctx context.Context, p, content string) error
	Exists(ctx context.Context, p string) (bool, error)
	Remove(ctx context.Context, p string) error
}

// Clean normalizes a caller-supplied path and rejects anything that leaves
// the workspace. The root itself is ".".
func Clean(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "./")
	if p == "" {
		return ".", nil
	}
	if path.IsAbs(p) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return cleaned, nil
}

func ignored(p string, patterns []string) bool {
	base := path.Base(p)
	for _, pattern := range patterns {
		if pattern == base || pattern == p || strings.HasPrefix(p, pattern+"/") {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
