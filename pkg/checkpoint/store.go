// Package checkpoint ties committed generation steps to workflow snapshots
// and drives the fork, restore, accept and reject lifecycle of a thread's
// derived branch.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"patchpilot/pkg/proto"
)

var (
	ErrDuplicateCommit    = errors.New("commit already recorded")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrThreadNotFound     = errors.New("thread not found")
	ErrNoLineage          = errors.New("thread has no parent lineage")
	ErrNothingToAccept    = errors.New("thread has no recorded checkpoints")
	ErrConcluded          = errors.New("thread already concluded")
)

// Snapshot is the thread state saved after a workflow node ran.
type Snapshot struct {
	CreatedAt time.Time         `json:"created_at"`
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Node      string            `json:"node"`
	State     proto.ThreadState `json:"state"`
}

// NewSnapshot captures state as the child of parentID.
func NewSnapshot(parentID, node string, state proto.ThreadState) Snapshot {
	return Snapshot{
		ID:        uuid.NewString(),
		ThreadID:  state.ThreadID,
		ParentID:  parentID,
		Node:      node,
		State:     state.Clone(),
		CreatedAt: time.Now().UTC(),
	}
}

// Record maps a commit to the snapshot taken when it was made.
type Record struct {
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	ThreadID   string    `json:"thread_id" yaml:"thread_id"`
	CommitID   string    `json:"commit_id" yaml:"commit_id"`
	SnapshotID string    `json:"snapshot_id" yaml:"snapshot_id"`
	Message    string    `json:"message" yaml:"message"`
}

// Outcome is how a thread's derived branch ended.
type Outcome string

const (
	OutcomeOpen     Outcome = ""
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Lineage records where a thread's branch was forked from.
type Lineage struct {
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	ThreadID     string    `json:"thread_id" yaml:"thread_id"`
	ParentBranch string    `json:"parent_branch" yaml:"parent_branch"`
	ForkCommit   string    `json:"fork_commit" yaml:"fork_commit"`
	Branch       string    `json:"branch" yaml:"branch"`
	Outcome      Outcome   `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Concluded    bool      `json:"concluded" yaml:"concluded"`
}

// Store persists snapshots, thread heads, checkpoint records and lineage.
// Records are append-only and a commit id is unique across all threads.
type Store interface {
	// SaveSnapshot stores s and makes it the head of its thread.
	SaveSnapshot(ctx context.Context, s Snapshot) error
	Snapshot(ctx context.Context, id string) (Snapshot, error)
	// Head returns the thread's current snapshot, or ErrThreadNotFound.
	Head(ctx context.Context, threadID string) (Snapshot, error)
	SetHead(ctx context.Context, threadID, snapshotID string) error

	AddRecord(ctx context.Context, r Record) error
	Record(ctx context.Context, commitID string) (Record, error)
	// Records returns a thread's records in the order they were added.
	Records(ctx context.Context, threadID string) ([]Record, error)

	SaveLineage(ctx context.Context, l Lineage) error
	Lineage(ctx context.Context, threadID string) (Lineage, error)
}
