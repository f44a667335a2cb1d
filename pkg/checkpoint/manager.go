package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/middleware/metrics"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/vcs"
)

const (
	DefaultBranchPrefix = "patchpilot/"
	maxDiffChars        = 12000
	commitMessageTokens = 200
)

const commitMessagePrompt = `You write git commit messages. Given the user's request and the diff that
implements it, answer with a commit message only: an imperative subject line of at most 72
characters, optionally followed by a blank line and a short body. No code fences.`

// Observer is told the outcome of every checkpoint operation.
type Observer func(op string, err error)

// AcceptResult describes a completed squash merge.
type AcceptResult struct {
	ParentBranch string       `json:"parent_branch"`
	CommitID     string       `json:"commit_id"`
	Message      string       `json:"message"`
	Commits      []vcs.Commit `json:"commits"`
}

// Manager owns checkpoint records and lineage, and is the only component that
// mutates the working tree's branch state.
type Manager struct {
	vcs          vcs.VCS
	store        Store
	client       llm.LLMClient
	logger       *logx.Logger
	observe      Observer
	branchPrefix string
	mu           sync.Mutex
}

// NewManager creates a Manager. client writes commit messages.
func NewManager(v vcs.VCS, store Store, client llm.LLMClient, branchPrefix string, logger *logx.Logger) *Manager {
	if logger == nil {
		logger = logx.Nop()
	}
	if branchPrefix == "" {
		branchPrefix = DefaultBranchPrefix
	}
	return &Manager{
		vcs:          v,
		store:        store,
		client:       client,
		logger:       logger,
		branchPrefix: branchPrefix,
		observe:      func(string, error) {},
	}
}

// SetObserver installs o; nil restores the no-op observer.
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = func(string, error) {}
	}
	m.observe = o
}

// Store returns the backing store.
func (m *Manager) Store() Store {
	return m.store
}

// BranchFor names the derived branch of threadID.
func (m *Manager) BranchFor(threadID string) string {
	return m.branchPrefix + threadID
}

// Lineage returns the thread's lineage, or ErrNoLineage before the first fork.
func (m *Manager) Lineage(ctx context.Context, threadID string) (Lineage, error) {
	return m.store.Lineage(ctx, threadID)
}

// Activate makes the thread's derived branch current, forking it from the
// current branch on first use.
func (m *Manager) Activate(ctx context.Context, threadID string) (lin Lineage, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.observe("activate", err) }()
	return m.activateLocked(ctx, threadID)
}

func (m *Manager) activateLocked(ctx context.Context, threadID string) (Lineage, error) {
	lin, err := m.store.Lineage(ctx, threadID)
	switch {
	case errors.Is(err, ErrNoLineage):
		return m.forkLocked(ctx, threadID)
	case err != nil:
		return Lineage{}, err
	case lin.Concluded:
		return Lineage{}, fmt.Errorf("%w: %s (%s)", ErrConcluded, threadID, lin.Outcome)
	}

	current, err := m.vcs.CurrentBranch(ctx)
	if err != nil {
		return Lineage{}, err
	}
	if current != lin.Branch {
		if err := m.vcs.Checkout(ctx, lin.Branch); err != nil {
			return Lineage{}, err
		}
	}
	return lin, nil
}

func (m *Manager) forkLocked(ctx context.Context, threadID string) (Lineage, error) {
	parent, err := m.baseBranchLocked(ctx)
	if err != nil {
		return Lineage{}, err
	}
	fork, err := m.vcs.HeadCommit(ctx)
	if err != nil {
		return Lineage{}, err
	}
	lin := Lineage{
		ThreadID:     threadID,
		ParentBranch: parent,
		ForkCommit:   fork,
		Branch:       m.BranchFor(threadID),
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.vcs.CreateAndCheckout(ctx, lin.Branch); err != nil {
		return Lineage{}, err
	}
	if err := m.store.SaveLineage(ctx, lin); err != nil {
		return Lineage{}, fmt.Errorf("save lineage: %w", err)
	}
	m.logger.Info("thread %s forked %s from %s at %s", threadID, lin.Branch, parent, shortID(fork))
	return lin, nil
}

// baseBranchLocked returns the branch a new thread forks from and leaves it
// checked out. When the tree is on another thread's derived branch, that
// thread's parent is used instead, following the chain back to a branch no
// thread owns.
func (m *Manager) baseBranchLocked(ctx context.Context) (string, error) {
	current, err := m.vcs.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	base := current
	seen := map[string]bool{}
	for strings.HasPrefix(base, m.branchPrefix) && !seen[base] {
		seen[base] = true
		owner, err := m.store.Lineage(ctx, strings.TrimPrefix(base, m.branchPrefix))
		if errors.Is(err, ErrNoLineage) || (err == nil && owner.Branch != base) {
			break
		}
		if err != nil {
			return "", err
		}
		base = owner.ParentBranch
	}
	if base != current {
		if err := m.vcs.Checkout(ctx, base); err != nil {
			return "", err
		}
	}
	return base, nil
}

// Commit writes a commit message for diff with one model call and commits
// every change in the working tree.
func (m *Manager) Commit(ctx context.Context, threadID, request, diff string) (c vcs.Commit, err error) {
	defer func() { m.observe("commit", err) }()

	message, err := m.commitMessage(ctx, request, diff)
	if err != nil {
		return vcs.Commit{}, &vcs.Error{Op: "commit message", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.activateLocked(ctx, threadID); err != nil {
		return vcs.Commit{}, err
	}
	parent, err := m.vcs.HeadCommit(ctx)
	if err != nil {
		return vcs.Commit{}, err
	}
	id, err := m.vcs.CommitAll(ctx, message)
	if err != nil {
		return vcs.Commit{}, err
	}
	m.logger.ForUser().Info("committed %s: %s", shortID(id), firstLine(message))
	return vcs.Commit{ID: id, Message: message, Parent: parent}, nil
}

// Discard undoes a commit that was never recorded by resetting the thread's
// branch, and the working tree, to c.Parent.
func (m *Manager) Discard(ctx context.Context, threadID string, c vcs.Commit) (err error) {
	defer func() { m.observe("discard", err) }()
	if c.Parent == "" {
		return &vcs.Error{Op: "discard", Err: fmt.Errorf("commit %s has no parent", shortID(c.ID))}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.activateLocked(ctx, threadID); err != nil {
		return err
	}
	if err := m.vcs.ResetHard(ctx, c.Parent); err != nil {
		return err
	}
	m.logger.ForUser().Warn("dropped unrecorded commit %s", shortID(c.ID))
	return nil
}

func (m *Manager) commitMessage(ctx context.Context, request, diff string) (string, error) {
	if len(diff) > maxDiffChars {
		diff = diff[:maxDiffChars] + "\n[diff truncated]"
	}
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(commitMessagePrompt),
		llm.NewUserMessage(fmt.Sprintf("Request:\n%s\n\nDiff:\n%s", request, diff)),
	})
	req.MaxTokens = commitMessageTokens
	req.Temperature = llm.TemperatureDeterministic

	resp, err := m.client.Complete(metrics.WithOperation(ctx, "commit_message"), req)
	if err != nil {
		return "", err
	}
	message := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Content), "`"))
	if message == "" {
		return "", errors.New("model returned an empty commit message")
	}
	return message, nil
}

// Record maps commitID to snapshotID. Recording the same commit twice fails
// with ErrDuplicateCommit.
func (m *Manager) Record(ctx context.Context, threadID, commitID, snapshotID, message string) (err error) {
	defer func() { m.observe("record", err) }()
	return m.store.AddRecord(ctx, Record{
		ThreadID:   threadID,
		CommitID:   commitID,
		SnapshotID: snapshotID,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	})
}

// Checkpoints lists the thread's records in commit order.
func (m *Manager) Checkpoints(ctx context.Context, threadID string) ([]Record, error) {
	return m.store.Records(ctx, threadID)
}

// Restore hard-resets the working tree to commitID and moves the thread head
// back to the snapshot recorded with it. An unknown commit, or one belonging
// to another thread, fails with ErrCheckpointNotFound before anything changes.
// Records made after commitID stay addressable.
func (m *Manager) Restore(ctx context.Context, threadID, commitID string) (snap Snapshot, err error) {
	defer func() { m.observe("restore", err) }()

	rec, err := m.store.Record(ctx, commitID)
	if err != nil {
		return Snapshot{}, err
	}
	if rec.ThreadID != threadID {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, commitID)
	}
	snap, err = m.store.Snapshot(ctx, rec.SnapshotID)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.activateLocked(ctx, threadID); err != nil {
		return Snapshot{}, err
	}
	if err := m.vcs.ResetHard(ctx, commitID); err != nil {
		return Snapshot{}, err
	}
	if err := m.store.SetHead(ctx, threadID, snap.ID); err != nil {
		return Snapshot{}, err
	}
	m.logger.ForUser().Info("thread %s restored to %s", threadID, shortID(commitID))
	return snap, nil
}

// Accept squash-merges the thread's branch into its parent with a message
// made of every commit message since the fork, in order, then concludes the
// thread.
func (m *Manager) Accept(ctx context.Context, threadID string) (res *AcceptResult, err error) {
	defer func() { m.observe("accept", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	lin, err := m.store.Lineage(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if lin.Concluded {
		return nil, fmt.Errorf("%w: %s (%s)", ErrConcluded, threadID, lin.Outcome)
	}
	records, err := m.store.Records(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNothingToAccept, threadID)
	}
	if _, err := m.activateLocked(ctx, threadID); err != nil {
		return nil, err
	}
	commits, err := m.vcs.CommitsSince(ctx, lin.ForkCommit)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("%w: no commits since %s", ErrNothingToAccept, shortID(lin.ForkCommit))
	}

	message := MergeMessage(lin, commits)
	merged, err := m.vcs.SquashMergeInto(ctx, lin.ParentBranch, lin.Branch, message)
	if err != nil {
		return nil, err
	}
	if err := m.vcs.DeleteBranch(ctx, lin.Branch); err != nil {
		m.logger.Warn("accepted thread %s but could not delete %s: %v", threadID, lin.Branch, err)
	}
	if err := m.conclude(ctx, lin, OutcomeAccepted); err != nil {
		return nil, err
	}
	m.logger.ForUser().Info("thread %s accepted into %s as %s", threadID, lin.ParentBranch, shortID(merged))
	return &AcceptResult{ParentBranch: lin.ParentBranch, CommitID: merged, Message: message, Commits: commits}, nil
}

// Reject checks out the parent branch, deletes the derived branch and
// concludes the thread.
func (m *Manager) Reject(ctx context.Context, threadID string) (err error) {
	defer func() { m.observe("reject", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	lin, err := m.store.Lineage(ctx, threadID)
	if err != nil {
		return err
	}
	if lin.Concluded {
		return fmt.Errorf("%w: %s (%s)", ErrConcluded, threadID, lin.Outcome)
	}
	if err := m.vcs.Checkout(ctx, lin.ParentBranch); err != nil {
		return err
	}
	if err := m.vcs.DeleteBranch(ctx, lin.Branch); err != nil {
		return err
	}
	if err := m.conclude(ctx, lin, OutcomeRejected); err != nil {
		return err
	}
	m.logger.ForUser().Info("thread %s rejected, %s deleted", threadID, lin.Branch)
	return nil
}

func (m *Manager) conclude(ctx context.Context, lin Lineage, outcome Outcome) error {
	lin.Concluded = true
	lin.Outcome = outcome
	if err := m.store.SaveLineage(ctx, lin); err != nil {
		return fmt.Errorf("conclude thread: %w", err)
	}
	return nil
}

// MergeMessage builds the squash commit message for commits on lin.Branch.
func MergeMessage(lin Lineage, commits []vcs.Commit) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Merge %s (%d commit(s))\n", lin.Branch, len(commits))
	for _, c := range commits {
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(c.Message))
		sb.WriteString("\n")
	}
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
