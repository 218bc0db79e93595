// Package statetest is a conformance suite for state.Store backends.
// Every backend runs the same suite so the kernel's assumptions about
// lease atomicity, token safety and TTL behavior hold regardless of
// which store a deployment picks.
package statetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossbot/crossbot/internal/state"
)

// Run executes the conformance suite. factory must return a connected,
// empty store; it is called once per subtest.
func Run(t *testing.T, factory func(t *testing.T) state.Store) {
	t.Helper()

	t.Run("SubscribeIdempotent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "slack:C1:100.1"))
		require.NoError(t, s.Subscribe(ctx, "slack:C1:100.1"))

		ok, err := s.IsSubscribed(ctx, "slack:C1:100.1")
		require.NoError(t, err)
		assert.True(t, ok)

		var got []string
		for id, err := range s.Subscriptions(ctx, "") {
			require.NoError(t, err)
			got = append(got, id)
		}
		assert.Equal(t, []string{"slack:C1:100.1"}, got)
	})

	t.Run("UnsubscribeRemoves", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "gchat:spaces/A"))
		require.NoError(t, s.Unsubscribe(ctx, "gchat:spaces/A"))

		ok, err := s.IsSubscribed(ctx, "gchat:spaces/A")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SubscriptionsFilterByAdapter", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "slack:C1:1.0"))
		require.NoError(t, s.Subscribe(ctx, "slack:C2:2.0"))
		require.NoError(t, s.Subscribe(ctx, "github:o/r:7"))

		count := 0
		for id, err := range s.Subscriptions(ctx, "slack") {
			require.NoError(t, err)
			assert.Contains(t, id, "slack:")
			count++
		}
		assert.Equal(t, 2, count)
	})

	t.Run("LeaseExclusive", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		l1, err := s.AcquireLease(ctx, "slack:C1:1.0", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, l1)
		require.NotEmpty(t, l1.Token)

		l2, err := s.AcquireLease(ctx, "slack:C1:1.0", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, l2, "second acquire must fail while the lease is live")

		// Other threads are unaffected.
		l3, err := s.AcquireLease(ctx, "slack:C2:2.0", time.Minute)
		require.NoError(t, err)
		assert.NotNil(t, l3)
	})

	t.Run("LeaseReleaseThenReacquire", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		l1, err := s.AcquireLease(ctx, "t:1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, l1)
		require.NoError(t, s.ReleaseLease(ctx, l1))

		l2, err := s.AcquireLease(ctx, "t:1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, l2)
		assert.NotEqual(t, l1.Token, l2.Token, "tokens must be fresh per acquisition")
	})

	t.Run("LeaseTokenSafety", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		// Stale holder: acquire with a tiny TTL and let it expire.
		stale, err := s.AcquireLease(ctx, "t:1", time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, stale)
		time.Sleep(10 * time.Millisecond)

		fresh, err := s.AcquireLease(ctx, "t:1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, fresh, "expired lease must be reacquirable")

		// The stale holder can neither release nor extend the new lease.
		require.NoError(t, s.ReleaseLease(ctx, stale))
		extended, err := s.ExtendLease(ctx, stale, time.Minute)
		require.NoError(t, err)
		assert.False(t, extended)

		// The fresh lease survives both attempts.
		l, err := s.AcquireLease(ctx, "t:1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, l, "fresh lease must still be held")
	})

	t.Run("LeaseExtend", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		l, err := s.AcquireLease(ctx, "t:1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, l)
		before := l.ExpiresAt

		extended, err := s.ExtendLease(ctx, l, 2*time.Minute)
		require.NoError(t, err)
		assert.True(t, extended)
		assert.True(t, l.ExpiresAt.After(before))
	})

	t.Run("LeaseConcurrentSingleWinner", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		const attempts = 16
		var wg sync.WaitGroup
		wins := make(chan *state.Lease, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l, err := s.AcquireLease(ctx, "contended:1", time.Minute)
				require.NoError(t, err)
				if l != nil {
					wins <- l
				}
			}()
		}
		wg.Wait()
		close(wins)

		count := 0
		for range wins {
			count++
		}
		assert.Equal(t, 1, count, "exactly one concurrent acquire must win")
	})

	t.Run("KVRoundTrip", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", []byte(`{"a":1}`), 0))
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"a":1}`), v)

		require.NoError(t, s.Delete(ctx, "k"))
		v, err = s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("KVMissingIsNil", func(t *testing.T) {
		s := factory(t)
		v, err := s.Get(context.Background(), "never-set")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("KVTTLExpiry", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "ttl", []byte("x"), 5*time.Millisecond))
		time.Sleep(20 * time.Millisecond)

		v, err := s.Get(ctx, "ttl")
		require.NoError(t, err)
		assert.Nil(t, v, "expired entries must read as absent")
	})

	t.Run("KVLargeValue", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		big := make([]byte, 8192)
		for i := range big {
			big[i] = byte('a' + i%20)
		}
		require.NoError(t, s.Set(ctx, "big", big, 0))
		v, err := s.Get(ctx, "big")
		require.NoError(t, err)
		assert.Equal(t, big, v)
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		type install struct {
			ID    int64  `json:"id"`
			Token string `json:"token"`
		}
		require.NoError(t, state.SetJSON(ctx, s, "github:install:o/r", install{ID: 7, Token: "t"}, 0))

		got, ok, err := state.GetJSON[install](ctx, s, "github:install:o/r")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, install{ID: 7, Token: "t"}, got)

		_, ok, err = state.GetJSON[install](ctx, s, "github:install:missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
