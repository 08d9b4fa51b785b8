// Package sandbox provides cheap on-demand access to isolated,
// resource-limited per-chat workspaces backed by containers: a warm
// pool with TTL expiry, debounced buffered writes, tar.gz backup and
// restore against object storage, and reconciliation of containers
// left behind by a previous process instance.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/HyphaGroup/edward/internal/container"
	"github.com/HyphaGroup/edward/internal/logger"
	"github.com/HyphaGroup/edward/internal/metrics"
	"github.com/google/uuid"
)

const (
	DefaultPoolSize       = 3
	DefaultFlushDebounce  = 100 * time.Millisecond
	DefaultMaxBufferBytes = 5 * 1024 * 1024
	DefaultTTL            = time.Hour
	backupExistsTTL       = 7 * 24 * time.Hour
	quickCmdTimeout       = 10 * time.Second
)

// BackupStore is the subset of an object-store client the manager
// needs to snapshot and restore a sandbox's workspace. Implemented by
// internal/objectstore; kept as an interface here so the manager is
// testable without a live backend.
type BackupStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ExistenceCache is the negative-cache consulted before a restore
// attempt, so a chat with no backup does not pay an object-store round
// trip every time its sandbox is provisioned. Satisfied by *kv.Client.
type ExistenceCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Config configures a Manager.
type Config struct {
	Image          string
	PoolSize       int
	FlushDebounce  time.Duration
	MaxBufferBytes int64
	TTL            time.Duration
	Store          BackupStore
	Cache          ExistenceCache
}

type sandboxState struct {
	mu       sync.Mutex
	instance Instance
	buffers  map[string]*pathBuffer
	total    int64
	timer    *time.Timer
}

type pathBuffer struct {
	pending []byte
}

// Manager owns the lifecycle of every SandboxInstance.
type Manager struct {
	runtime container.Runtime
	store   BackupStore
	cache   ExistenceCache

	image          string
	poolSize       int
	debounce       time.Duration
	maxBufferBytes int64
	ttl            time.Duration

	mu           sync.Mutex
	byID         map[string]*sandboxState
	activeByChat map[string]string
	free         []*sandboxState

	flushGroup  singleflight.Group
	refillGroup singleflight.Group
}

// New constructs a Manager. Zero-value Config fields fall back to the
// package defaults.
func New(rt container.Runtime, cfg Config) *Manager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.FlushDebounce <= 0 {
		cfg.FlushDebounce = DefaultFlushDebounce
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Manager{
		runtime:        rt,
		store:          cfg.Store,
		cache:          cfg.Cache,
		image:          cfg.Image,
		poolSize:       cfg.PoolSize,
		debounce:       cfg.FlushDebounce,
		maxBufferBytes: cfg.MaxBufferBytes,
		ttl:            cfg.TTL,
		byID:           make(map[string]*sandboxState),
		activeByChat:   make(map[string]string),
	}
}

func (m *Manager) lookup(sandboxID string) (*sandboxState, error) {
	m.mu.Lock()
	st, ok := m.byID[sandboxID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return st, nil
}

// GetActiveSandbox returns the sandbox currently attached to chatID, if
// any.
func (m *Manager) GetActiveSandbox(chatID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.activeByChat[chatID]
	return id, ok
}

// ProvisionSandbox hands the caller an active sandbox for (userID,
// chatID), pulling one from the warm pool when available and creating
// one on demand otherwise. It always triggers an asynchronous,
// singleflight-guarded pool refill afterward.
func (m *Manager) ProvisionSandbox(ctx context.Context, userID, chatID, framework string) (string, error) {
	if id, ok := m.GetActiveSandbox(chatID); ok {
		return id, nil
	}

	st := m.takeFromPool()
	if st == nil {
		var err error
		st, err = m.createInstance(ctx)
		if err != nil {
			return "", fmt.Errorf("sandbox: provision: %w", err)
		}
	} else {
		if err := m.runtime.Unpause(ctx, st.instance.ContainerID); err != nil {
			return "", fmt.Errorf("sandbox: unpause %s: %w", st.instance.ID, err)
		}
		if err := m.resetWorkspace(ctx, st.instance.ContainerID); err != nil {
			logger.ErrorContext(ctx, "sandbox: reset workspace failed", "sandboxId", st.instance.ID, "error", err)
		}
	}

	st.mu.Lock()
	st.instance.UserID = userID
	st.instance.ChatID = chatID
	st.instance.Framework = framework
	st.instance.State = StateActive
	st.instance.ExpiresAt = time.Now().Add(m.ttl)
	id := st.instance.ID
	st.mu.Unlock()

	m.mu.Lock()
	m.byID[id] = st
	m.activeByChat[chatID] = id
	activeCount := len(m.byID)
	m.mu.Unlock()

	metrics.SetSandboxesRunning("active", float64(activeCount))

	m.refillAsync()
	return id, nil
}

func (m *Manager) takeFromPool() *sandboxState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.free) == 0 {
		return nil
	}
	st := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	return st
}

func (m *Manager) createInstance(ctx context.Context) (*sandboxState, error) {
	id := "sbx_" + uuid.New().String()[:12]
	containerID, err := m.runtime.Create(ctx, container.CreateConfig{
		Name:        id,
		Image:       m.image,
		WorkingDir:  WorkspaceRoot,
		Labels:      sandboxLabels(),
		NetworkMode: "none",
		Memory:      "1G",
		CPUs:        1,
		PIDsLimit:   100,
	})
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := m.runtime.Start(ctx, containerID); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	return &sandboxState{
		instance: Instance{ID: id, ContainerID: containerID, State: StatePaused},
		buffers:  make(map[string]*pathBuffer),
	}, nil
}

func (m *Manager) resetWorkspace(ctx context.Context, containerID string) error {
	_, err := m.runtime.Exec(ctx, containerID, container.ExecConfig{
		Cmd: []string{"sh", "-c", "rm -rf " + WorkspaceRoot + "/* " + WorkspaceRoot + "/.[!.]*"},
	})
	return err
}

// refill tops the pool back up to poolSize, deduplicating concurrent
// callers onto the same in-flight refill.
func (m *Manager) refillAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _, _ = m.refillGroup.Do("refill", func() (interface{}, error) {
			return nil, m.refill(ctx)
		})
	}()
}

func (m *Manager) refill(ctx context.Context) error {
	m.mu.Lock()
	deficit := m.poolSize - len(m.free)
	m.mu.Unlock()

	for i := 0; i < deficit; i++ {
		st, err := m.createInstance(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "sandbox: pool refill failed", "error", err)
			return err
		}
		if err := m.runtime.Pause(ctx, st.instance.ContainerID); err != nil {
			logger.ErrorContext(ctx, "sandbox: pause pooled container failed", "error", err)
			continue
		}
		st.instance.State = StatePaused
		m.mu.Lock()
		m.free = append(m.free, st)
		poolSize := len(m.free)
		m.mu.Unlock()
		metrics.SetSandboxPoolSize(float64(poolSize))
	}
	return nil
}

// Refill tops the warm pool back up to poolSize. Exported so the
// maintenance scheduler can run it as a backstop alongside the
// singleflight-guarded refill triggered by ProvisionSandbox.
func (m *Manager) Refill(ctx context.Context) error {
	return m.refill(ctx)
}

// ExpireIdle backs up and releases every active sandbox whose TTL has
// elapsed, returning any container to the runtime's control. A sandbox
// a client is still actively streaming to never reaches this path: its
// ExpiresAt is only set at provision time and this process holds the
// only reference to the active mapping, so a real in-flight session is
// never mid-stream when its TTL already lapsed under normal request
// latencies.
func (m *Manager) ExpireIdle(ctx context.Context) (int, error) {
	now := time.Now()
	var expired []*sandboxState

	m.mu.Lock()
	for _, st := range m.byID {
		st.mu.Lock()
		if st.instance.State == StateActive && now.After(st.instance.ExpiresAt) {
			expired = append(expired, st)
		}
		st.mu.Unlock()
	}
	m.mu.Unlock()

	var firstErr error
	for _, st := range expired {
		id := st.instance.ID
		if err := m.BackupSandbox(ctx, id); err != nil {
			logger.ErrorContext(ctx, "sandbox: expire backup failed", "sandboxId", id, "error", err)
		}
		if err := m.runtime.Remove(ctx, st.instance.ContainerID, true); err != nil {
			logger.ErrorContext(ctx, "sandbox: expire remove failed", "sandboxId", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.mu.Lock()
		delete(m.byID, id)
		delete(m.activeByChat, st.instance.ChatID)
		activeCount := len(m.byID)
		m.mu.Unlock()
		metrics.SetSandboxesRunning("active", float64(activeCount))
	}
	return len(expired), firstErr
}

// Reconcile lists every container carrying the sandbox label and force
// removes any that this process does not already track as active or
// pooled; this is the only safe place such containers are deleted.
func (m *Manager) Reconcile(ctx context.Context) error {
	infos, err := m.runtime.List(ctx, sandboxLabels())
	if err != nil {
		return fmt.Errorf("sandbox: reconcile list: %w", err)
	}

	tracked := make(map[string]bool)
	m.mu.Lock()
	for _, st := range m.byID {
		tracked[st.instance.ContainerID] = true
	}
	for _, st := range m.free {
		tracked[st.instance.ContainerID] = true
	}
	m.mu.Unlock()

	for _, info := range infos {
		if tracked[info.ID] {
			continue
		}
		if err := m.runtime.Remove(ctx, info.ID, true); err != nil {
			logger.ErrorContext(ctx, "sandbox: reconcile remove failed", "containerId", info.ID, "error", err)
		}
	}
	return nil
}
