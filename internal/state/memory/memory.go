// Package memory implements the state contract with in-process maps.
// Nothing persists and nothing is shared, which is exactly right for
// single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/crossbot/crossbot/internal/state"
)

type kvEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

type leaseEntry struct {
	token     string
	expiresAt time.Time
}

// Store is a mutex-guarded in-memory state store.
type Store struct {
	mu            sync.Mutex
	subscriptions map[string]struct{}
	leases        map[string]leaseEntry
	kv            map[string]kvEntry

	// now is swappable so TTL behavior is testable without sleeping.
	now func() time.Time
}

// New creates an in-memory store.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]struct{}),
		leases:        make(map[string]leaseEntry),
		kv:            make(map[string]kvEntry),
		now:           time.Now,
	}
}

// SetClock replaces the store's time source. Test use only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Connect is a no-op for the in-memory store.
func (s *Store) Connect(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

func (s *Store) Subscribe(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[threadID] = struct{}{}
	return nil
}

func (s *Store) Unsubscribe(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, threadID)
	return nil
}

func (s *Store) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[threadID]
	return ok, nil
}

func (s *Store) Subscriptions(ctx context.Context, adapterName string) iter.Seq2[string, error] {
	// Snapshot under the lock so iteration tolerates concurrent mutation.
	s.mu.Lock()
	ids := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		if adapterName == "" || strings.HasPrefix(id, adapterName+":") {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, id := range ids {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (s *Store) AcquireLease(ctx context.Context, threadID string, ttl time.Duration) (*state.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.leases[threadID]; ok && cur.expiresAt.After(now) {
		return nil, nil // live lease held elsewhere
	}

	token, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate lease token: %w", err)
	}
	expires := now.Add(ttl)
	s.leases[threadID] = leaseEntry{token: token, expiresAt: expires}
	return &state.Lease{ThreadID: threadID, Token: token, ExpiresAt: expires}, nil
}

func (s *Store) ReleaseLease(ctx context.Context, lease *state.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[lease.ThreadID]; ok && cur.token == lease.Token {
		delete(s.leases, lease.ThreadID)
	}
	return nil
}

func (s *Store) ExtendLease(ctx context.Context, lease *state.Lease, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[lease.ThreadID]
	if !ok || cur.token != lease.Token || !cur.expiresAt.After(now) {
		return false, nil
	}
	cur.expiresAt = now.Add(ttl)
	s.leases[lease.ThreadID] = cur
	lease.ExpiresAt = cur.expiresAt
	return true, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.kv[key]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(s.now()) {
		delete(s.kv, key)
		return nil, nil
	}
	return e.value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := kvEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.kv[key] = e

	// Opportunistic sweep keeps the map from accumulating dead TTL
	// entries in long-lived processes.
	if len(s.kv)%256 == 0 {
		now := s.now()
		for k, v := range s.kv {
			if !v.expiresAt.IsZero() && !v.expiresAt.After(now) {
				delete(s.kv, k)
			}
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}
