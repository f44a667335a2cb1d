package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a Store for single-process deployments and tests.
type MemoryStore struct {
	snapshots map[string]Snapshot
	heads     map[string]string
	records   map[string]Record
	byThread  map[string][]string
	lineage   map[string]Lineage
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
		heads:     make(map[string]string),
		records:   make(map[string]Record),
		byThread:  make(map[string][]string),
		lineage:   make(map[string]Lineage),
	}
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.State = s.State.Clone()
	m.snapshots[s.ID] = s
	m.heads[s.ThreadID] = s.ID
	return nil
}

func (m *MemoryStore) Snapshot(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	s.State = s.State.Clone()
	return s, nil
}

func (m *MemoryStore) Head(ctx context.Context, threadID string) (Snapshot, error) {
	m.mu.RLock()
	id, ok := m.heads[threadID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return m.Snapshot(ctx, id)
}

func (m *MemoryStore) SetHead(_ context.Context, threadID, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[snapshotID]
	if !ok || s.ThreadID != threadID {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	m.heads[threadID] = snapshotID
	return nil
}

func (m *MemoryStore) AddRecord(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.records[r.CommitID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateCommit, r.CommitID)
	}
	m.records[r.CommitID] = r
	m.byThread[r.ThreadID] = append(m.byThread[r.ThreadID], r.CommitID)
	return nil
}

func (m *MemoryStore) Record(_ context.Context, commitID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[commitID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, commitID)
	}
	return r, nil
}

func (m *MemoryStore) Records(_ context.Context, threadID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byThread[threadID]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.records[id])
	}
	return out, nil
}

func (m *MemoryStore) SaveLineage(_ context.Context, l Lineage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineage[l.ThreadID] = l
	return nil
}

func (m *MemoryStore) Lineage(_ context.Context, threadID string) (Lineage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lineage[threadID]
	if !ok {
		return Lineage{}, fmt.Errorf("%w: %s", ErrNoLineage, threadID)
	}
	return l, nil
}
