package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type priorState struct {
	content string
	existed bool
}

// Journal wraps a FileAccess and remembers the state of every path before its
// first write, so a failed turn can put the tree back. Reads pass through.
type Journal struct {
	FileAccess
	before map[string]priorState
	order  []string
	mu     sync.Mutex
}

// NewJournal starts an empty journal over fa.
func NewJournal(fa FileAccess) *Journal {
	return &Journal{FileAccess: fa, before: make(map[string]priorState)}
}

func (j *Journal) remember(ctx context.Context, p string) error {
	rel, err := Clean(p)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, seen := j.before[rel]; seen {
		return nil
	}
	content, err := j.FileAccess.Read(ctx, rel)
	switch {
	case err == nil:
		j.before[rel] = priorState{content: content, existed: true}
	case errors.Is(err, ErrNotFound):
		j.before[rel] = priorState{}
	default:
		return err
	}
	j.order = append(j.order, rel)
	return nil
}

// Write implements FileAccess.
func (j *Journal) Write(ctx context.Context, p, content string) error {
	if err := j.remember(ctx, p); err != nil {
		return err
	}
	return j.FileAccess.Write(ctx, p, content)
}

// CreateNew implements FileAccess.
func (j *Journal) CreateNew(ctx context.Context, p, content string) error {
	if err := j.remember(ctx, p); err != nil {
		return err
	}
	return j.FileAccess.CreateNew(ctx, p, content)
}

// Remove implements FileAccess.
func (j *Journal) Remove(ctx context.Context, p string) error {
	if err := j.remember(ctx, p); err != nil {
		return err
	}
	return j.FileAccess.Remove(ctx, p)
}

// Touched returns the paths written through the journal, in first-write order.
func (j *Journal) Touched() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.order...)
}

// Rollback restores every touched path, newest first. It runs to completion
// even with a canceled ctx and reports all failures.
func (j *Journal) Rollback(ctx context.Context) error {
	j.mu.Lock()
	order, before := j.order, j.before
	j.order, j.before = nil, make(map[string]priorState)
	j.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		p := order[i]
		prior := before[p]
		var err error
		if prior.existed {
			err = j.FileAccess.Write(ctx, p, prior.content)
		} else {
			err = j.FileAccess.Remove(ctx, p)
			if errors.Is(err, ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Commit forgets the recorded state; later rollbacks start from here.
func (j *Journal) Commit() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.order = nil
	j.before = make(map[string]priorState)
}
