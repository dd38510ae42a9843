// Package distlock provides distributed locking via Redis. The dispatch
// loop uses it to guarantee a single dispatcher per queue backend instance:
// a second process pointed at the same Redis will fail to acquire the lock
// and run with dispatch disabled.
package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockLost is returned by Release and Extend when the lock key no longer
// holds this instance's ownership value, meaning the TTL lapsed or another
// process took the lock. The caller must stop doing lock-protected work.
var ErrLockLost = errors.New("distlock: lock no longer held")

// Lock provides distributed locking via Redis using SET NX with TTL.
// It uses a random ownership value and Lua scripts for atomic release/extend
// to prevent accidental release of locks held by other processes.
//
// A Lock is safe for use from a single goroutine; concurrent use across
// goroutines requires separate lock instances.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// New creates a new distributed lock backed by Redis.
func New(client *redis.Client, key string, ttl time.Duration) *Lock {
	// Random value for ownership verification
	b := make([]byte, 16)
	rand.Read(b)
	return &Lock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to acquire the lock. Returns true if successful.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	result, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return result, nil
}

// Release releases the lock only if we still own it (using Lua script for
// atomicity). Returns ErrLockLost if the lock was no longer ours.
func (l *Lock) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	res, err := script.Run(ctx, l.client, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return ErrLockLost
	}
	return nil
}

// Extend extends the lock TTL (for long-running dispatch sessions).
// Returns ErrLockLost if the lock is no longer owned, so the holder can
// stand down before a second process starts the same work.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	res, err := script.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return ErrLockLost
	}
	return nil
}
