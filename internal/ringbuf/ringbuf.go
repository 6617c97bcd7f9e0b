// Package ringbuf provides the fixed-capacity replay buffer for broadcast
// envelopes. Every broadcast is appended under its sequence number; once the
// buffer is full the oldest entry is evicted. Reconnecting clients replay from
// here instead of receiving a full snapshot, as long as their resume point has
// not been evicted.
//
// Buffered sequence numbers ascend but are not contiguous: per-connection
// units (subscribed, snapshot) claim seqs from the same counter without being
// buffered, leaving holes between broadcast entries.
package ringbuf

import (
	"sort"
	"sync"
)

// Entry is one buffered broadcast: the sequence number and the serialized
// envelope exactly as it was sent.
type Entry struct {
	Seq     uint64
	Payload []byte
}

// Buffer is a fixed-capacity append-only log of recent broadcasts.
// All methods are safe for concurrent use.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry // ascending seq order
}

// New creates a Buffer retaining at most capacity entries.
// Capacity below 1 is clamped to 1.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		entries:  make([]Entry, 0, capacity),
	}
}

// Add appends a broadcast envelope under seq, evicting the oldest entry when
// the buffer is at capacity. Callers must append in strictly increasing seq
// order; the hub's broadcast lock guarantees this.
func (b *Buffer) Add(seq uint64, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == b.capacity {
		// Shift instead of re-slice so the backing array never grows.
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, Entry{Seq: seq, Payload: payload})
}

// From returns, in ascending seq order, every buffered entry with
// entry.Seq >= seq.
//
// The second return value is false when seq has already been evicted — the
// gap cannot be closed from the buffer and the caller must fall back to a
// full snapshot. An empty slice with ok=true means seq is beyond the newest
// buffered entry: nothing to replay yet, which is not an error.
func (b *Buffer) From(seq uint64) ([]Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.entries) == 0 {
		// Nothing broadcast in this process yet.
		return []Entry{}, true
	}

	oldest := b.entries[0].Seq
	newest := b.entries[len(b.entries)-1].Seq

	if seq < oldest {
		return nil, false
	}
	if seq > newest {
		return []Entry{}, true
	}

	start := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].Seq >= seq
	})
	out := make([]Entry, len(b.entries)-start)
	copy(out, b.entries[start:])
	return out, true
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Newest returns the highest buffered seq, or 0 when the buffer is empty.
func (b *Buffer) Newest() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[len(b.entries)-1].Seq
}
