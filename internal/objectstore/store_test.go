package objectstore

import (
	"context"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(Config{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "u1/c1/source_backup.tar.gz", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "u1/c1/source_backup.tar.gz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q want %q", got, "hello")
	}
}

func TestGetMissingReturnsNilNoError(t *testing.T) {
	s, err := New(Config{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("expected no error for missing key, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil data for missing key, got %v", got)
	}
}

func TestDeletePrefixRemovesEverythingUnderIt(t *testing.T) {
	s, err := New(Config{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	_ = s.Put(ctx, "u1/c1/source_backup.tar.gz", []byte("a"))
	_ = s.Put(ctx, "u1/c1/preview/index.html", []byte("b"))
	_ = s.Put(ctx, "u1/c2/source_backup.tar.gz", []byte("c"))

	if err := s.DeletePrefix(ctx, "u1/c1"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}

	if got, _ := s.Get(ctx, "u1/c1/source_backup.tar.gz"); got != nil {
		t.Fatalf("expected c1 backup gone, got %v", got)
	}
	if got, _ := s.Get(ctx, "u1/c1/preview/index.html"); got != nil {
		t.Fatalf("expected c1 preview gone, got %v", got)
	}
	if got, _ := s.Get(ctx, "u1/c2/source_backup.tar.gz"); string(got) != "c" {
		t.Fatalf("expected c2 backup to survive, got %v", got)
	}
}

func TestNewRequiresBaseDir(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty base dir")
	}
}
