// Package kv wraps the shared Redis key-value store used for workflow
// state caching, distributed locks, the per-user concurrency counter,
// and object-store negative-cache hints (see the key-value layout in
// the design doc).
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by ReleaseLock when the caller does not hold
// the lock it is trying to release (already expired or stolen).
var ErrNotHeld = errors.New("kv: lock not held by caller")

// Client wraps go-redis with the operations this service needs: simple
// get/set/delete with TTL, a Lua-scripted compare-and-swap lock, and an
// atomic bounded counter with rollback.
type Client struct {
	rdb *redis.Client
}

// New dials addr and verifies connectivity before returning.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Set stores value under key with the given TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the value at key, or "", false if it does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Delete removes key, if present.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// acquireLockScript sets key=holderID with an expiry only if key is
// absent (NX); returns 1 on success, 0 if already held by someone else.
var acquireLockScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// releaseLockScript deletes key only if its current value matches
// holderID, so a caller can never release a lock it does not hold
// (e.g. after its TTL expired and someone else acquired it).
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock attempts to take the named lock for holderID for ttl.
// It returns false (no error) when the lock is already held.
func (c *Client) AcquireLock(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	res, err := acquireLockScript.Run(ctx, c.rdb, []string{key}, holderID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kv: acquire lock %s: %w", key, err)
	}
	return res == 1, nil
}

// ReleaseLock releases the named lock if holderID still owns it.
// Releasing a lock the caller does not hold (e.g. TTL already expired
// and reacquired elsewhere) leaves the key untouched, per the Lua CAS
// semantics described in the key-value layout, and returns ErrNotHeld.
func (c *Client) ReleaseLock(ctx context.Context, key, holderID string) error {
	res, err := releaseLockScript.Run(ctx, c.rdb, []string{key}, holderID).Int()
	if err != nil {
		return fmt.Errorf("kv: release lock %s: %w", key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// incrWithCapScript atomically increments key (setting TTL on first
// write) and rolls back the increment if it would exceed max, so
// concurrent callers never observe a transient overshoot.
var incrWithCapScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if v > tonumber(ARGV[1]) then
	redis.call("DECR", KEYS[1])
	return 0
end
return 1
`)

// IncrBounded increments the counter at key, capping it at max. It
// returns true if the increment was accepted (count now <= max), or
// false if it would have overshot — in which case the counter is left
// unchanged (the Lua script rolls back its own increment).
func (c *Client) IncrBounded(ctx context.Context, key string, max int, ttl time.Duration) (bool, error) {
	res, err := incrWithCapScript.Run(ctx, c.rdb, []string{key}, max, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kv: incr bounded %s: %w", key, err)
	}
	return res == 1, nil
}

// decrAndMaybeDeleteScript decrements key and deletes it once it
// reaches zero or below, so a quiescent user leaves no stray key
// behind between runs.
var decrAndMaybeDeleteScript = redis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v <= 0 then
	redis.call("DEL", KEYS[1])
end
return v
`)

// Decr decrements the counter at key, deleting it once it reaches zero.
func (c *Client) Decr(ctx context.Context, key string) error {
	_, err := decrAndMaybeDeleteScript.Run(ctx, c.rdb, []string{key}).Result()
	if err != nil {
		return fmt.Errorf("kv: decr %s: %w", key, err)
	}
	return nil
}
