package run

import (
	"context"
	"testing"

	"github.com/HyphaGroup/edward/internal/stream"
)

func TestStoreSaveAndGetRunRoundTrip(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()

	r := New("run1", "chat1", "user1", "msg1")
	r.Metadata.WorkflowID = "wf1"

	ctx := context.Background()
	if err := st.SaveRun(ctx, r); err != nil {
		t.Fatalf("save run: %v", err)
	}
	got, err := st.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Metadata.WorkflowID != "wf1" {
		t.Fatalf("expected workflow id to round trip, got %q", got.Metadata.WorkflowID)
	}
	if got.State != StateInit {
		t.Fatalf("expected initial state INIT, got %s", got.State)
	}
}

func TestStoreGetRunMissingReturnsErrNotFound(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()

	_, err = st.GetRun(context.Background(), "nope")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendEventAssignsDenseSeq(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	r := New("run2", "chat1", "user1", "msg1")
	if err := st.SaveRun(ctx, r); err != nil {
		t.Fatalf("save run: %v", err)
	}

	for i := 0; i < 5; i++ {
		seq, err := st.AppendEvent(ctx, "run2", stream.NewText("chunk"))
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
		if seq != i {
			t.Fatalf("expected dense seq %d, got %d", i, seq)
		}
	}

	events, err := st.EventsAfter(ctx, "run2", -1)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != i {
			t.Fatalf("expected seq %d at position %d, got %d", i, i, e.Seq)
		}
	}
}

func TestEventsAfterFiltersBySeq(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	r := New("run3", "chat1", "user1", "msg1")
	if err := st.SaveRun(ctx, r); err != nil {
		t.Fatalf("save run: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.AppendEvent(ctx, "run3", stream.NewText("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := st.EventsAfter(ctx, "run3", 0)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after seq 0, got %d", len(events))
	}
}

func TestDeleteRunRemovesRecord(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	r := New("run4", "chat1", "user1", "msg1")
	if err := st.SaveRun(ctx, r); err != nil {
		t.Fatalf("save run: %v", err)
	}
	if _, err := st.AppendEvent(ctx, "run4", stream.NewText("x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.DeleteRun(ctx, "run4"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	if _, err := st.GetRun(ctx, "run4"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
