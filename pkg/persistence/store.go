package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"patchpilot/pkg/checkpoint"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
)

const timeLayout = time.RFC3339Nano

// Store is a checkpoint.Store backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

var _ checkpoint.Store = (*Store)(nil)

func (s *Store) SaveSnapshot(ctx context.Context, snap checkpoint.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot state: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (id, thread_id, parent_id, node, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			snap.ID, snap.ThreadID, snap.ParentID, snap.Node, string(state), formatTime(snap.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO heads (thread_id, snapshot_id) VALUES (?, ?)
			 ON CONFLICT(thread_id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
			snap.ThreadID, snap.ID,
		); err != nil {
			return fmt.Errorf("advance head: %w", err)
		}
		return nil
	})
}

func (s *Store) Snapshot(ctx context.Context, id string) (checkpoint.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, parent_id, node, state, created_at FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Snapshot{}, fmt.Errorf("%w: %s", checkpoint.ErrSnapshotNotFound, id)
	}
	return snap, err
}

func (s *Store) Head(ctx context.Context, threadID string) (checkpoint.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.thread_id, s.parent_id, s.node, s.state, s.created_at
		 FROM heads h JOIN snapshots s ON s.id = h.snapshot_id
		 WHERE h.thread_id = ?`, threadID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Snapshot{}, fmt.Errorf("%w: %s", checkpoint.ErrThreadNotFound, threadID)
	}
	return snap, err
}

func (s *Store) SetHead(ctx context.Context, threadID, snapshotID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT thread_id FROM snapshots WHERE id = ?`, snapshotID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != threadID) {
			return fmt.Errorf("%w: %s", checkpoint.ErrSnapshotNotFound, snapshotID)
		}
		if err != nil {
			return fmt.Errorf("lookup snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO heads (thread_id, snapshot_id) VALUES (?, ?)
			 ON CONFLICT(thread_id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
			threadID, snapshotID,
		); err != nil {
			return fmt.Errorf("set head: %w", err)
		}
		return nil
	})
}

func (s *Store) AddRecord(ctx context.Context, r checkpoint.Record) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM checkpoints WHERE commit_id = ?`, r.CommitID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", checkpoint.ErrDuplicateCommit, r.CommitID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup checkpoint: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (commit_id, thread_id, snapshot_id, message, created_at) VALUES (?, ?, ?, ?, ?)`,
			r.CommitID, r.ThreadID, r.SnapshotID, r.Message, formatTime(r.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
}

func (s *Store) Record(ctx context.Context, commitID string) (checkpoint.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, commit_id, snapshot_id, message, created_at FROM checkpoints WHERE commit_id = ?`, commitID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Record{}, fmt.Errorf("%w: %s", checkpoint.ErrCheckpointNotFound, commitID)
	}
	return r, err
}

func (s *Store) Records(ctx context.Context, threadID string) ([]checkpoint.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, commit_id, snapshot_id, message, created_at FROM checkpoints
		 WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []checkpoint.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) SaveLineage(ctx context.Context, l checkpoint.Lineage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lineage (thread_id, parent_branch, fork_commit, branch, concluded, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET
			parent_branch = excluded.parent_branch,
			fork_commit = excluded.fork_commit,
			branch = excluded.branch,
			concluded = excluded.concluded,
			outcome = excluded.outcome`,
		l.ThreadID, l.ParentBranch, l.ForkCommit, l.Branch, l.Concluded, string(l.Outcome), formatTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save lineage: %w", err)
	}
	return nil
}

func (s *Store) Lineage(ctx context.Context, threadID string) (checkpoint.Lineage, error) {
	var (
		l         checkpoint.Lineage
		outcome   string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, parent_branch, fork_commit, branch, concluded, outcome, created_at
		 FROM lineage WHERE thread_id = ?`, threadID,
	).Scan(&l.ThreadID, &l.ParentBranch, &l.ForkCommit, &l.Branch, &l.Concluded, &outcome, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Lineage{}, fmt.Errorf("%w: %s", checkpoint.ErrNoLineage, threadID)
	}
	if err != nil {
		return checkpoint.Lineage{}, fmt.Errorf("scan lineage: %w", err)
	}
	l.Outcome = checkpoint.Outcome(outcome)
	l.CreatedAt = parseTime(createdAt)
	return l, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (checkpoint.Snapshot, error) {
	var (
		snap      checkpoint.Snapshot
		state     string
		createdAt string
	)
	if err := row.Scan(&snap.ID, &snap.ThreadID, &snap.ParentID, &snap.Node, &state, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snap, err
		}
		return snap, fmt.Errorf("scan snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return snap, fmt.Errorf("decode snapshot %s: %w", snap.ID, err)
	}
	if snap.State.Messages == nil {
		snap.State.Messages = []proto.Message{}
	}
	snap.CreatedAt = parseTime(createdAt)
	return snap, nil
}

func scanRecord(row scanner) (checkpoint.Record, error) {
	var (
		r         checkpoint.Record
		createdAt string
	)
	if err := row.Scan(&r.ThreadID, &r.CommitID, &r.SnapshotID, &r.Message, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan checkpoint: %w", err)
	}
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
