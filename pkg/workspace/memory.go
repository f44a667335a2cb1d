package workspace

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemFS is an in-memory FileAccess. Directories exist implicitly when a file
// lives under them.
type MemFS struct {
	files map[string]string
	mu    sync.RWMutex
}

// NewMemFS creates a MemFS seeded with files (path -> content).
func NewMemFS(files map[string]string) *MemFS {
	m := &MemFS{files: make(map[string]string, len(files))}
	for p, c := range files {
		if rel, err := Clean(p); err == nil {
			m.files[rel] = c
		}
	}
	return m
}

// Root implements FileAccess.
func (m *MemFS) Root() string {
	return "mem://"
}

// Files returns a copy of all files.
func (m *MemFS) Files() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.files))
	for p, c := range m.files {
		out[p] = c
	}
	return out
}

// Read implements FileAccess.
func (m *MemFS) Read(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := Clean(p)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.files[rel]; ok {
		return c, nil
	}
	if m.isDirLocked(rel) {
		return "", fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
}

func (m *MemFS) isDirLocked(rel string) bool {
	if rel == "." {
		return true
	}
	prefix := rel + "/"
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// List implements FileAccess.
func (m *MemFS) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := Clean(dir)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, isFile := m.files[rel]; isFile {
		return nil, fmt.Errorf("%s is not a directory", rel)
	}
	if !m.isDirLocked(rel) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}

	prefix := rel + "/"
	if rel == "." {
		prefix = ""
	}
	seen := make(map[string]Entry)
	for p, c := range m.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			child := path.Join(rel, rest[:i])
			seen[child] = Entry{Path: child, IsDir: true}
			continue
		}
		seen[p] = Entry{Path: p, Size: int64(len(c))}
	}
	out := make([]Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Search implements FileAccess.
func (m *MemFS) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := q.normalize()
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	m.mu.RUnlock()
	sort.Strings(paths)

	var out []Match
	for _, p := range paths {
		if q.full(len(out)) {
			break
		}
		if !q.selects(p) {
			continue
		}
		m.mu.RLock()
		content := m.files[p]
		m.mu.RUnlock()
		if match, ok := q.matchContent(p, content); ok {
			out = append(out, match)
		}
	}
	return out, nil
}

// Write implements FileAccess.
func (m *MemFS) Write(ctx context.Context, p, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := Clean(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isDirLocked(rel) {
		return fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	m.files[rel] = content
	return nil
}

// CreateNew implements FileAccess.
func (m *MemFS) CreateNew(ctx context.Context, p, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := Clean(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[rel]; ok || m.isDirLocked(rel) {
		return fmt.Errorf("%w: %s", ErrExists, rel)
	}
	m.files[rel] = content
	return nil
}

// Exists implements FileAccess.
func (m *MemFS) Exists(_ context.Context, p string) (bool, error) {
	rel, err := Clean(p)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[rel]
	return ok || m.isDirLocked(rel), nil
}

// Remove implements FileAccess.
func (m *MemFS) Remove(_ context.Context, p string) error {
	rel, err := Clean(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[rel]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	delete(m.files, rel)
	return nil
}

// Replace swaps the whole content of the filesystem. Used by the in-memory
// VCS to check out a tree.
func (m *MemFS) Replace(files map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[string]string, len(files))
	for p, c := range files {
		m.files[p] = c
	}
}
