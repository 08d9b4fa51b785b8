package run

import (
	"sync"
	"time"

	"github.com/HyphaGroup/edward/internal/stream"
)

// DefaultBufferSize bounds the in-memory ring buffer so a run with a
// very long tool loop cannot grow memory unboundedly; clients that
// fall further behind than this must resume from the Store instead.
const DefaultBufferSize = 1000

// Buffered wraps a stream event with its durable seq for resumption.
type Buffered struct {
	Seq       int          `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Event     stream.Event `json:"event"`
}

// Buffer is a ring buffer of a single Run's events, serving client
// reconnects without a Store round trip in the common case. Seq
// numbers come from the Store (dense, monotonically increasing per
// run), not from buffer position, so a client's since_seq is valid
// across buffer eviction as long as the Store still has it.
type Buffer struct {
	runID         string
	events        []Buffered
	maxSize       int
	droppedEvents int64
	mu            sync.RWMutex
}

// NewBuffer creates a ring buffer for runID.
func NewBuffer(runID string, maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &Buffer{runID: runID, events: make([]Buffered, 0, maxSize), maxSize: maxSize}
}

// Append records ev at seq, evicting the oldest entry if full.
func (b *Buffer) Append(seq int, ev stream.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= b.maxSize {
		b.events = b.events[1:]
		b.droppedEvents++
	}
	b.events = append(b.events, Buffered{Seq: seq, Timestamp: time.Now(), Event: ev})
}

// After returns buffered events with seq > afterSeq. ErrEventsPurged
// is returned if the oldest buffered seq is already past afterSeq+1,
// meaning the caller must fall back to Store.EventsAfter.
func (b *Buffer) After(afterSeq int) ([]Buffered, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if afterSeq == -1 {
		out := make([]Buffered, len(b.events))
		copy(out, b.events)
		return out, nil
	}
	if len(b.events) > 0 && b.events[0].Seq > afterSeq+1 {
		return nil, ErrEventsPurged
	}

	for i, e := range b.events {
		if e.Seq > afterSeq {
			out := make([]Buffered, len(b.events)-i)
			copy(out, b.events[i:])
			return out, nil
		}
	}
	return []Buffered{}, nil
}

// LastSeq returns the highest buffered seq, or -1 if empty.
func (b *Buffer) LastSeq() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.events) == 0 {
		return -1
	}
	return b.events[len(b.events)-1].Seq
}

// DroppedEvents reports how many events this buffer has evicted.
func (b *Buffer) DroppedEvents() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.droppedEvents
}

// RunID returns the run this buffer belongs to.
func (b *Buffer) RunID() string { return b.runID }
