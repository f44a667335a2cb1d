// Package vcs is the version-control collaborator of the checkpoint manager.
package vcs

import (
	"context"
	"errors"
	"fmt"
)

// ErrVCS matches every *Error.
var ErrVCS = errors.New("version control failure")

// Error is a failed version-control operation.
type Error struct {
	Err error
	Op  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("vcs %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrVCS
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Commit is one commit of a branch.
type Commit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	// Parent is the branch head the commit was made on, when known.
	Parent string `json:"parent,omitempty"`
}

// VCS is the set of operations the checkpoint manager needs. Every method
// acts on the single working tree the implementation is bound to.
type VCS interface {
	CurrentBranch(ctx context.Context) (string, error)
	HeadCommit(ctx context.Context) (string, error)
	CreateAndCheckout(ctx context.Context, branch string) error
	Checkout(ctx context.Context, branch string) error
	// Diff returns the uncommitted changes, new files included.
	Diff(ctx context.Context) (string, error)
	// CommitAll stages everything and commits, returning the new commit id.
	CommitAll(ctx context.Context, message string) (string, error)
	ResetHard(ctx context.Context, commit string) error
	// SquashMergeInto checks out target and squash-merges branch into it as
	// one commit with message.
	SquashMergeInto(ctx context.Context, target, branch, message string) (string, error)
	// CommitsSince lists the commits reachable from HEAD but not from
	// commit, oldest first.
	CommitsSince(ctx context.Context, commit string) ([]Commit, error)
	DeleteBranch(ctx context.Context, branch string) error
}
