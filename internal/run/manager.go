package run

import (
	"context"
	"fmt"
	"sync"

	"github.com/HyphaGroup/edward/internal/stream"
)

// Manager owns the durable Store and an in-memory Buffer per active
// run, and enforces the single-terminal-META-per-run invariant.
type Manager struct {
	store *Store

	mu       sync.Mutex
	buffers  map[string]*Buffer
	complete map[string]bool
}

// NewManager wraps st with buffered event delivery.
func NewManager(st *Store) *Manager {
	return &Manager{
		store:    st,
		buffers:  make(map[string]*Buffer),
		complete: make(map[string]bool),
	}
}

func (m *Manager) bufferFor(runID string) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[runID]
	if !ok {
		b = NewBuffer(runID, DefaultBufferSize)
		m.buffers[runID] = b
	}
	return b
}

// StartRun persists a new Run header and prepares its buffer.
func (m *Manager) StartRun(ctx context.Context, r *Run) error {
	if err := m.store.SaveRun(ctx, r); err != nil {
		return err
	}
	m.bufferFor(r.ID)
	return nil
}

// Emit appends ev to runID's durable transcript and in-memory buffer,
// rejecting a second terminal META(SESSION_COMPLETE) for the same run.
func (m *Manager) Emit(ctx context.Context, runID string, ev stream.Event) (int, error) {
	if ev.Type == stream.EventMeta && ev.Phase == stream.PhaseSessionComplete {
		m.mu.Lock()
		if m.complete[runID] {
			m.mu.Unlock()
			return 0, ErrAlreadyComplete
		}
		m.complete[runID] = true
		m.mu.Unlock()
	}

	seq, err := m.store.AppendEvent(ctx, runID, ev)
	if err != nil {
		return 0, fmt.Errorf("run: append event: %w", err)
	}
	m.bufferFor(runID).Append(seq, ev)
	return seq, nil
}

// Resume returns every event after afterSeq, serving from the
// in-memory buffer when possible and falling back to the durable
// Store once the buffer has evicted past afterSeq.
func (m *Manager) Resume(ctx context.Context, runID string, afterSeq int) ([]Buffered, error) {
	buffered, err := m.bufferFor(runID).After(afterSeq)
	if err == nil {
		return buffered, nil
	}
	if err != ErrEventsPurged {
		return nil, err
	}

	events, dbErr := m.store.EventsAfter(ctx, runID, afterSeq)
	if dbErr != nil {
		return nil, fmt.Errorf("run: fallback to store: %w", dbErr)
	}
	out := make([]Buffered, len(events))
	for i, e := range events {
		out[i] = Buffered{Seq: e.Seq, Timestamp: e.CreatedAt, Event: e.Event}
	}
	return out, nil
}

// Finish releases the in-memory buffer and completion tracking for
// runID; the durable transcript in Store is untouched.
func (m *Manager) Finish(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, runID)
	delete(m.complete, runID)
}

// Store exposes the underlying durable store for header reads/writes
// the orchestrator needs directly (state transitions, termination
// reason, resume checkpoint).
func (m *Manager) Store() *Store { return m.store }
