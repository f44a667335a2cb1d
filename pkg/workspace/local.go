package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// maxSearchFileSize skips large files (generated code, fixtures) during search.
	maxSearchFileSize = 1 << 20
)

// LocalFS is FileAccess over a directory on disk.
type LocalFS struct {
	root   string
	ignore []string
}

// NewLocalFS creates a LocalFS rooted at root. Ignore patterns match a base
// name (glob allowed) or a path prefix and hide entries from List and Search.
func NewLocalFS(root string, ignore []string) (*LocalFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return &LocalFS{root: abs, ignore: ignore}, nil
}

// Root implements FileAccess.
func (l *LocalFS) Root() string {
	return l.root
}

func (l *LocalFS) resolve(p string) (string, string, error) {
	rel, err := Clean(p)
	if err != nil {
		return "", "", err
	}
	return rel, filepath.Join(l.root, filepath.FromSlash(rel)), nil
}

// Read implements FileAccess.
func (l *LocalFS) Read(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, full, err := l.resolve(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", translate(rel, err)
	}
	return string(data), nil
}

// List implements FileAccess. Entries are sorted, directories first.
func (l *LocalFS) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, full, err := l.resolve(dir)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(full)
	if err != nil {
		return nil, translate(rel, err)
	}
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		p := path.Join(rel, item.Name())
		if ignored(p, l.ignore) {
			continue
		}
		e := Entry{Path: p, IsDir: item.IsDir()}
		if info, err := item.Info(); err == nil && !item.IsDir() {
			e.Size = info.Size()
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Search implements FileAccess.
func (l *LocalFS) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	q, err := q.normalize()
	if err != nil {
		return nil, err
	}
	var out []Match
	err = filepath.WalkDir(l.root, func(full string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		relOS, err := filepath.Rel(l.root, full)
		if err != nil || relOS == "." {
			return nil //nolint:nilerr // root itself
		}
		rel := filepath.ToSlash(relOS)
		if ignored(rel, l.ignore) || (d.IsDir() && q.excluded(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !q.selects(rel) {
			return nil
		}
		content := ""
		if q.Content != "" {
			if info, err := d.Info(); err != nil || info.Size() > maxSearchFileSize {
				return nil //nolint:nilerr // skip
			}
			data, err := os.ReadFile(full)
			if err != nil || isBinary(data) {
				return nil //nolint:nilerr // skip
			}
			content = string(data)
		}
		if m, ok := q.matchContent(rel, content); ok {
			out = append(out, m)
		}
		if q.full(len(out)) {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write implements FileAccess.
func (l *LocalFS) Write(ctx context.Context, p, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if rel == "." {
		return fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}
	if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), filePerm); err != nil {
		return translate(rel, err)
	}
	return nil
}

// CreateNew implements FileAccess.
func (l *LocalFS) CreateNew(ctx context.Context, p, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, rel)
		}
		return translate(rel, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return f.Close()
}

// Exists implements FileAccess.
func (l *LocalFS) Exists(_ context.Context, p string) (bool, error) {
	_, full, err := l.resolve(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Remove implements FileAccess.
func (l *LocalFS) Remove(_ context.Context, p string) error {
	rel, full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return translate(rel, err)
	}
	return nil
}

func translate(rel string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, rel)
	case isDirErr(err):
		return fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	default:
		return fmt.Errorf("%s: %w", rel, err)
	}
}

func isDirErr(err error) bool {
	var pe *fs.PathError
	return errors.As(err, &pe) && strings.Contains(pe.Err.Error(), "is a directory")
}

func isBinary(data []byte) bool {
	n := min(len(data), 8000)
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Path < entries[j].Path
	})
}
