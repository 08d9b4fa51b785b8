package run

import (
	"context"
	"testing"

	"github.com/HyphaGroup/edward/internal/stream"
)

func TestManagerEmitRejectsSecondSessionComplete(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()
	m := NewManager(st)
	ctx := context.Background()

	r := New("run1", "chat1", "user1", "msg1")
	if err := m.StartRun(ctx, r); err != nil {
		t.Fatalf("start run: %v", err)
	}

	complete := stream.NewMeta(stream.PhaseSessionComplete)
	if _, err := m.Emit(ctx, "run1", complete); err != nil {
		t.Fatalf("first session-complete should succeed: %v", err)
	}
	if _, err := m.Emit(ctx, "run1", complete); err != ErrAlreadyComplete {
		t.Fatalf("expected ErrAlreadyComplete, got %v", err)
	}
}

func TestManagerResumeFromBuffer(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()
	m := NewManager(st)
	ctx := context.Background()

	r := New("run2", "chat1", "user1", "msg1")
	if err := m.StartRun(ctx, r); err != nil {
		t.Fatalf("start run: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.Emit(ctx, "run2", stream.NewText("x")); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	events, err := m.Resume(ctx, "run2", 0)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after seq 0, got %d", len(events))
	}
}

func TestManagerResumeFallsBackToStoreAfterEviction(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()
	m := NewManager(st)
	ctx := context.Background()

	r := New("run3", "chat1", "user1", "msg1")
	if err := m.StartRun(ctx, r); err != nil {
		t.Fatalf("start run: %v", err)
	}

	m.mu.Lock()
	m.buffers["run3"] = NewBuffer("run3", 2)
	m.mu.Unlock()

	for i := 0; i < 5; i++ {
		if _, err := m.Emit(ctx, "run3", stream.NewText("x")); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	events, err := m.Resume(ctx, "run3", 0)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events recovered from store, got %d", len(events))
	}
}

func TestManagerFinishReleasesBuffer(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()
	m := NewManager(st)
	ctx := context.Background()

	r := New("run4", "chat1", "user1", "msg1")
	if err := m.StartRun(ctx, r); err != nil {
		t.Fatalf("start run: %v", err)
	}
	m.Finish("run4")

	m.mu.Lock()
	_, exists := m.buffers["run4"]
	m.mu.Unlock()
	if exists {
		t.Fatalf("expected buffer to be released after Finish")
	}
}
