package session

import (
	"sync"
	"time"

	"github.com/sandterm/sandterm/internal/streaming"
)

// OutputEntry is one buffered output chunk. Offsets are absolute and
// monotonic for the life of the session, so a caller can poll with the last
// offset it saw even after old entries have been evicted.
type OutputEntry struct {
	Offset    int64                `json:"offset"`
	Kind      streaming.OutputKind `json:"kind"`
	Payload   string               `json:"payload"`
	Timestamp time.Time            `json:"timestamp"`
}

// outputBuffer is a bounded ring of output entries. Single writer (the read
// loop), concurrent readers. Oldest entries are evicted first once capacity
// is exceeded.
type outputBuffer struct {
	mu         sync.RWMutex
	entries    []OutputEntry
	head       int
	count      int
	nextOffset int64
}

func newOutputBuffer(capacity int) *outputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &outputBuffer{
		entries: make([]OutputEntry, capacity),
	}
}

// Append stores a new entry and returns its absolute offset.
func (b *outputBuffer) Append(kind streaming.OutputKind, payload string, ts time.Time) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := b.nextOffset
	b.nextOffset++

	idx := (b.head + b.count) % len(b.entries)
	b.entries[idx] = OutputEntry{
		Offset:    offset,
		Kind:      kind,
		Payload:   payload,
		Timestamp: ts,
	}

	if b.count < len(b.entries) {
		b.count++
	} else {
		// Full: the slot we just wrote replaced the oldest entry.
		b.head = (b.head + 1) % len(b.entries)
	}

	return offset
}

// Since returns all buffered entries with offset >= since, oldest first.
func (b *outputBuffer) Since(since int64) []OutputEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]OutputEntry, 0, b.count)
	for i := 0; i < b.count; i++ {
		entry := b.entries[(b.head+i)%len(b.entries)]
		if entry.Offset >= since {
			out = append(out, entry)
		}
	}
	return out
}

// NextOffset returns the offset the next appended entry will receive.
func (b *outputBuffer) NextOffset() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextOffset
}

// Len returns the number of buffered entries.
func (b *outputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
