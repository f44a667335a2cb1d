package mocks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"patchpilot/pkg/patch"
	"patchpilot/pkg/vcs"
	"patchpilot/pkg/workspace"
)

type memCommit struct {
	files   map[string]string
	id      string
	parent  string
	message string
}

// MemVCS implements vcs.VCS over a workspace.MemFS, so engine tests can run
// whole turns without a git binary.
type MemVCS struct {
	fs       *workspace.MemFS
	commits  map[string]*memCommit
	branches map[string]string
	failOn   map[string]error
	head     string
	// Ops records every operation name in call order.
	Ops []string
	seq int
	mu  sync.Mutex
}

// NewMemVCS creates a repository on branch "main" whose initial commit holds
// the current content of fs.
func NewMemVCS(fs *workspace.MemFS) *MemVCS {
	m := &MemVCS{
		fs:       fs,
		commits:  make(map[string]*memCommit),
		branches: make(map[string]string),
		failOn:   make(map[string]error),
		head:     "main",
	}
	root := m.newCommitLocked("", "initial commit", fs.Files())
	m.branches["main"] = root.id
	return m
}

// FailOn makes the named operation ("commit", "reset", "checkout", ...) fail
// with err until cleared with a nil err.
func (m *MemVCS) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, op)
		return
	}
	m.failOn[op] = err
}

func (m *MemVCS) enter(op string) error {
	m.Ops = append(m.Ops, op)
	if err := m.failOn[op]; err != nil {
		return &vcs.Error{Op: op, Err: err}
	}
	return nil
}

func (m *MemVCS) newCommitLocked(parent, message string, files map[string]string) *memCommit {
	m.seq++
	c := &memCommit{id: fmt.Sprintf("c%04d", m.seq), parent: parent, message: message, files: files}
	m.commits[c.id] = c
	return c
}

func (m *MemVCS) tipLocked() *memCommit {
	return m.commits[m.branches[m.head]]
}

// Branches returns branch name -> tip commit id.
func (m *MemVCS) Branches() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.branches))
	for b, id := range m.branches {
		out[b] = id
	}
	return out
}

// FilesAt returns the tree of a commit.
func (m *MemVCS) FilesAt(commit string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commits[commit]
	if !ok {
		return nil, false
	}
	return copyFiles(c.files), true
}

func (m *MemVCS) CurrentBranch(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("current branch"); err != nil {
		return "", err
	}
	return m.head, nil
}

func (m *MemVCS) HeadCommit(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("head commit"); err != nil {
		return "", err
	}
	return m.branches[m.head], nil
}

func (m *MemVCS) CreateAndCheckout(_ context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create branch"); err != nil {
		return err
	}
	if _, exists := m.branches[branch]; exists {
		return &vcs.Error{Op: "create branch", Err: fmt.Errorf("branch %s already exists", branch)}
	}
	m.branches[branch] = m.branches[m.head]
	m.head = branch
	return nil
}

func (m *MemVCS) Checkout(_ context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("checkout"); err != nil {
		return err
	}
	id, ok := m.branches[branch]
	if !ok {
		return &vcs.Error{Op: "checkout", Err: fmt.Errorf("unknown branch %s", branch)}
	}
	m.head = branch
	m.fs.Replace(copyFiles(m.commits[id].files))
	return nil
}

func (m *MemVCS) Diff(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("diff"); err != nil {
		return "", err
	}
	return treeDiff(m.tipLocked().files, m.fs.Files()), nil
}

func (m *MemVCS) CommitAll(_ context.Context, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("commit"); err != nil {
		return "", err
	}
	c := m.newCommitLocked(m.branches[m.head], message, m.fs.Files())
	m.branches[m.head] = c.id
	return c.id, nil
}

func (m *MemVCS) ResetHard(_ context.Context, commit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("reset"); err != nil {
		return err
	}
	c, ok := m.commits[commit]
	if !ok {
		return &vcs.Error{Op: "reset", Err: fmt.Errorf("unknown commit %s", commit)}
	}
	m.branches[m.head] = c.id
	m.fs.Replace(copyFiles(c.files))
	return nil
}

func (m *MemVCS) SquashMergeInto(_ context.Context, target, branch, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("squash merge"); err != nil {
		return "", err
	}
	targetID, ok := m.branches[target]
	if !ok {
		return "", &vcs.Error{Op: "squash merge", Err: fmt.Errorf("unknown branch %s", target)}
	}
	srcID, ok := m.branches[branch]
	if !ok {
		return "", &vcs.Error{Op: "squash merge", Err: fmt.Errorf("unknown branch %s", branch)}
	}
	c := m.newCommitLocked(targetID, message, copyFiles(m.commits[srcID].files))
	m.branches[target] = c.id
	m.head = target
	m.fs.Replace(copyFiles(c.files))
	return c.id, nil
}

func (m *MemVCS) CommitsSince(_ context.Context, commit string) ([]vcs.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("log"); err != nil {
		return nil, err
	}
	if _, ok := m.commits[commit]; !ok {
		return nil, &vcs.Error{Op: "log", Err: fmt.Errorf("unknown commit %s", commit)}
	}
	var out []vcs.Commit
	for id := m.branches[m.head]; id != "" && id != commit; id = m.commits[id].parent {
		c := m.commits[id]
		out = append(out, vcs.Commit{ID: c.id, Message: c.message})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *MemVCS) DeleteBranch(_ context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete branch"); err != nil {
		return err
	}
	if branch == m.head {
		return &vcs.Error{Op: "delete branch", Err: errors.New("cannot delete the checked out branch")}
	}
	delete(m.branches, branch)
	return nil
}

func treeDiff(before, after map[string]string) string {
	paths := make(map[string]struct{}, len(before)+len(after))
	for p := range before {
		paths[p] = struct{}{}
	}
	for p := range after {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var sb strings.Builder
	for _, p := range sorted {
		sb.WriteString(patch.Unified(p, before[p], after[p]))
	}
	return sb.String()
}

func copyFiles(files map[string]string) map[string]string {
	out := make(map[string]string, len(files))
	for p, c := range files {
		out[p] = c
	}
	return out
}
