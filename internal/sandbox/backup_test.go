package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeBackupStore struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func newFakeBackupStore() *fakeBackupStore {
	return &fakeBackupStore{objs: make(map[string][]byte)}
}

func (f *fakeBackupStore) Put(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objs[key] = data
	return nil
}

func (f *fakeBackupStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objs[key], nil
}

type fakeExistenceCache struct {
	mu   sync.Mutex
	vals map[string]string
}

func newFakeExistenceCache() *fakeExistenceCache {
	return &fakeExistenceCache{vals: make(map[string]string)}
}

func (f *fakeExistenceCache) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	return v, ok, nil
}

func (f *fakeExistenceCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key] = value
	return nil
}

func TestBackupSandboxSetsExistenceHint(t *testing.T) {
	rt := newFakeRuntime()
	store := newFakeBackupStore()
	cache := newFakeExistenceCache()
	m := New(rt, Config{Store: store, Cache: cache})
	ctx := context.Background()
	id, _ := m.ProvisionSandbox(ctx, "u1", "c1", "")

	if err := m.BackupSandbox(ctx, id); err != nil {
		t.Fatalf("backup: %v", err)
	}

	if _, ok, _ := cache.Get(ctx, backupExistsKey("c1")); !ok {
		t.Fatalf("expected existence hint to be set after backup")
	}
	if len(store.objs) != 1 {
		t.Fatalf("expected one object written, got %d", len(store.objs))
	}
}

func TestRestoreSandboxSkipsWhenNoExistenceHint(t *testing.T) {
	rt := newFakeRuntime()
	store := newFakeBackupStore()
	cache := newFakeExistenceCache()
	m := New(rt, Config{Store: store, Cache: cache})
	ctx := context.Background()
	id, _ := m.ProvisionSandbox(ctx, "u1", "c1", "")

	if err := m.RestoreSandbox(ctx, id); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if atomicExecCalls(rt) != 0 {
		t.Fatalf("expected no container exec when no backup is known to exist")
	}
}

func atomicExecCalls(rt *fakeRuntime) int32 {
	return atomic.LoadInt32(&rt.execCalls)
}
