// Package objectstore provides the concrete object-storage backing
// used by the Sandbox Manager for tar.gz backup/restore: a local,
// prefix-addressable blob store with upload throttling. The actual
// durable backend (S3, GCS, ...) is an external collaborator per the
// system's interface boundary; this package gives the core something
// real to write through and test against, the way the teacher's own
// backup.Manager wrote snapshots straight to a local directory.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultUploadsPerSecond throttles the rate at which sandboxes
	// flush full tar.gz backups, so a burst of concurrent SANDBOX_END
	// events cannot saturate outbound bandwidth.
	DefaultUploadsPerSecond = 5
	DefaultBurst            = 10
)

// Store is a local, prefix-addressable blob store.
type Store struct {
	baseDir string
	limiter *rate.Limiter
}

// Config configures a Store.
type Config struct {
	BaseDir          string
	UploadsPerSecond rate.Limit
	Burst            int
}

// New creates the base directory if needed and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("objectstore: base dir required")
	}
	if cfg.UploadsPerSecond <= 0 {
		cfg.UploadsPerSecond = DefaultUploadsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create base dir: %w", err)
	}
	return &Store{
		baseDir: cfg.BaseDir,
		limiter: rate.NewLimiter(cfg.UploadsPerSecond, cfg.Burst),
	}, nil
}

// Put writes data under key, throttled by the upload rate limiter, and
// atomically (write-to-temp-then-rename) so a concurrent Get never
// observes a partial object.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("objectstore: rate limit wait: %w", err)
	}

	path := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("objectstore: create parent dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("objectstore: write temp object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("objectstore: commit object: %w", err)
	}
	return nil
}

// Get returns the bytes at key, or (nil, nil) if it does not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: read object: %w", err)
	}
	return data, nil
}

// Delete removes a single object. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// DeletePrefix recursively deletes every object under prefix, per the
// recursive-by-prefix delete semantics in the persisted-state layout.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	return os.RemoveAll(s.keyPath(prefix))
}

// DeleteOlderThan removes every object whose mtime is before cutoff,
// following the same walk-and-unlink pattern as the teacher's orphaned
// tmp-file sweep. Only files are removed; directories stay in place even
// when the sweep leaves them empty.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int
	var stale []string

	err := filepath.Walk(s.baseDir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || strings.HasSuffix(info.Name(), ".tmp") {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("objectstore: walk base dir: %w", err)
	}

	for _, path := range stale {
		if rmErr := os.Remove(path); rmErr == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) keyPath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}
