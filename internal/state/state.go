// Package state defines the shared-state contract the kernel depends
// on: the subscription set, per-thread leases, and TTL key/value
// storage. Any backend satisfying Store makes the kernel horizontally
// scalable; the memory backend covers single-instance deployments.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"
)

// Lease is a time-bounded exclusive claim on processing one thread.
// The token lets the store refuse release/extend from stale holders.
type Lease struct {
	ThreadID  string
	Token     string
	ExpiresAt time.Time
}

// Store is the contract every backend must satisfy.
//
// AcquireLease, ReleaseLease and ExtendLease must be atomic single
// round-trips, not read-then-write sequences. Expired leases are
// auto-collected; expired KV entries read as absent.
type Store interface {
	// Connect is idempotent and safe to call concurrently; concurrent
	// calls coalesce onto one connection attempt.
	Connect(ctx context.Context) error
	Close() error

	// Subscribe adds a thread to the global subscription set.
	// Idempotent.
	Subscribe(ctx context.Context, threadID string) error
	Unsubscribe(ctx context.Context, threadID string) error
	IsSubscribed(ctx context.Context, threadID string) (bool, error)
	// Subscriptions iterates the subscription set, optionally filtered
	// to one adapter's thread-ID prefix (empty = all). Ordering is
	// unspecified; concurrent mutations may or may not be observed.
	Subscriptions(ctx context.Context, adapterName string) iter.Seq2[string, error]

	// AcquireLease returns a fresh lease, or (nil, nil) when a live
	// lease for the thread already exists.
	AcquireLease(ctx context.Context, threadID string, ttl time.Duration) (*Lease, error)
	// ReleaseLease deletes the stored lease only while its token still
	// matches; releasing a lease someone else re-acquired after expiry
	// is a no-op.
	ReleaseLease(ctx context.Context, lease *Lease) error
	// ExtendLease pushes the expiry forward when the token still
	// matches, reporting whether ownership was still held.
	ExtendLease(ctx context.Context, lease *Lease, ttl time.Duration) (bool, error)

	// Get returns nil for absent or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value; ttl 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON reads a key and unmarshals it into T. The second return is
// false when the key is absent or expired.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var v T
	data, err := s.Get(ctx, key)
	if err != nil {
		return v, false, err
	}
	if data == nil {
		return v, false, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return v, true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON[T any](ctx context.Context, s Store, key string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}
