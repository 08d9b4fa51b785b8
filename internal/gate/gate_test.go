package gate

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeCounterStore mimics the Redis Lua scripts' semantics in memory so
// the gate's accounting logic can be tested without a live Redis.
type fakeCounterStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{counts: make(map[string]int)}
}

func (f *fakeCounterStore) IncrBounded(ctx context.Context, key string, max int, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	if f.counts[key] > max {
		f.counts[key]--
		return false, nil
	}
	return true, nil
}

func (f *fakeCounterStore) Decr(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]--
	if f.counts[key] <= 0 {
		delete(f.counts, key)
	}
	return nil
}

func TestGateRejectsOverCap(t *testing.T) {
	store := newFakeCounterStore()
	g := New(store, 2, time.Minute)
	ctx := context.Background()

	ok1, err := g.Acquire(ctx, "u1")
	if err != nil || !ok1 {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok1, err)
	}
	ok2, err := g.Acquire(ctx, "u1")
	if err != nil || !ok2 {
		t.Fatalf("second acquire should succeed: ok=%v err=%v", ok2, err)
	}
	ok3, err := g.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("third acquire errored: %v", err)
	}
	if ok3 {
		t.Fatalf("third acquire should be rejected at cap of 2")
	}
}

func TestGateReturnsToZeroAfterRelease(t *testing.T) {
	store := newFakeCounterStore()
	g := New(store, 2, time.Minute)
	ctx := context.Background()

	if ok, _ := g.Acquire(ctx, "u1"); !ok {
		t.Fatalf("acquire 1 failed")
	}
	if ok, _ := g.Acquire(ctx, "u1"); !ok {
		t.Fatalf("acquire 2 failed")
	}
	if err := g.Release(ctx, "u1"); err != nil {
		t.Fatalf("release 1: %v", err)
	}
	if err := g.Release(ctx, "u1"); err != nil {
		t.Fatalf("release 2: %v", err)
	}
	if store.counts["user:concurrency:u1"] != 0 {
		t.Fatalf("counter should be absent/zero after releasing all slots, got %d", store.counts["user:concurrency:u1"])
	}

	ok, err := g.Acquire(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("acquire after full release should succeed: ok=%v err=%v", ok, err)
	}
}

func TestGateIsolatesUsers(t *testing.T) {
	store := newFakeCounterStore()
	g := New(store, 1, time.Minute)
	ctx := context.Background()

	if ok, _ := g.Acquire(ctx, "u1"); !ok {
		t.Fatalf("u1 acquire should succeed")
	}
	if ok, _ := g.Acquire(ctx, "u2"); !ok {
		t.Fatalf("u2 acquire should succeed independent of u1's slot")
	}
}

func TestGateConcurrentAcquireNeverExceedsCap(t *testing.T) {
	store := newFakeCounterStore()
	g := New(store, 2, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := g.Acquire(ctx, "u1")
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for ok := range results {
		if ok {
			accepted++
		}
	}
	if accepted != 2 {
		t.Fatalf("expected exactly 2 acquires accepted out of 10 concurrent callers, got %d", accepted)
	}
}
