package logx

import (
	"sync"
	"time"
)

const defaultBufferSize = 1000

// RingBuffer keeps the most recent entries in memory so transports can serve them.
type RingBuffer struct {
	entries []Entry
	mu      sync.RWMutex
	maxSize int
}

// NewRingBuffer creates a buffer holding at most maxSize entries.
func NewRingBuffer(maxSize int) *RingBuffer {
	if maxSize <= 0 {
		maxSize = defaultBufferSize
	}
	return &RingBuffer{maxSize: maxSize}
}

//nolint:gochecknoglobals // process-wide recent-entries buffer
var sharedBuffer = NewRingBuffer(defaultBufferSize)

// Buffer returns the process-wide buffer used by NewLogger.
func Buffer() *RingBuffer {
	return sharedBuffer
}

// Write implements Sink.
func (b *RingBuffer) Write(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, *e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// Query filters buffered entries. Zero values match everything.
type Query struct {
	Since     time.Time
	Component string
	UserOnly  bool
}

// Entries returns a copy of the buffered entries that match q.
func (b *RingBuffer) Entries(q Query) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		e := &b.entries[i]
		if q.UserOnly && e.Visibility != VisibilityUser {
			continue
		}
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		if !q.Since.IsZero() && e.Time.Before(q.Since) {
			continue
		}
		out = append(out, *e)
	}
	return out
}
