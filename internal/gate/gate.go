// Package gate implements the per-user concurrency gate: a bounded
// counter backed by the shared KV store so at most MaxConcurrentPerUser
// stream sessions run at once for a given user, failing closed under
// KV unavailability and self-healing via TTL if a caller crashes
// without releasing its slot.
package gate

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxConcurrentPerUser is the spec-mandated cap.
const DefaultMaxConcurrentPerUser = 2

// DefaultTTL bounds how long a counter survives without a matching
// Release, so a crashed caller does not permanently hold a slot.
const DefaultTTL = 300 * time.Second

// counterStore is the slice of kv.Client the gate depends on, kept as
// an interface so tests can substitute an in-memory fake instead of a
// live Redis server.
type counterStore interface {
	IncrBounded(ctx context.Context, key string, max int, ttl time.Duration) (bool, error)
	Decr(ctx context.Context, key string) error
}

// Gate enforces the per-user concurrency cap.
type Gate struct {
	kv  counterStore
	max int
	ttl time.Duration
}

// New constructs a Gate. max <= 0 selects DefaultMaxConcurrentPerUser;
// ttl <= 0 selects DefaultTTL.
func New(client counterStore, max int, ttl time.Duration) *Gate {
	if max <= 0 {
		max = DefaultMaxConcurrentPerUser
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{kv: client, max: max, ttl: ttl}
}

func counterKey(userID string) string {
	return fmt.Sprintf("user:concurrency:%s", userID)
}

// Acquire attempts to take a slot for userID. It returns false (with no
// error) when the user is already at the concurrency cap; the HTTP
// layer should translate that into a 429. Any KV-layer error is
// returned as-is and must also be treated as a failure to acquire
// (fail closed, per the InfrastructureError policy).
func (g *Gate) Acquire(ctx context.Context, userID string) (bool, error) {
	return g.kv.IncrBounded(ctx, counterKey(userID), g.max, g.ttl)
}

// Release returns a previously acquired slot. It is safe to call even
// if the counter has already expired or been deleted.
func (g *Gate) Release(ctx context.Context, userID string) error {
	return g.kv.Decr(ctx, counterKey(userID))
}

// Max returns the configured per-user concurrency cap.
func (g *Gate) Max() int { return g.max }
