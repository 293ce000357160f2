package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wagmilabs/treasury/kv"
)

func TestRegistry_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	reg := NewRegistry(store)

	lock, ok, err := reg.Acquire(ctx, OpVote, "0xAbCd", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "lock:operation:vote:0xabcd", lock.Key())

	// Contending acquisition fails while held.
	second, ok, err := reg.Acquire(ctx, OpVote, "0xABCD", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, second)

	held, err := reg.IsLocked(ctx, OpVote, "0xabcd")
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, lock.Release(ctx))
	held, err = reg.IsLocked(ctx, OpVote, "0xabcd")
	require.NoError(t, err)
	require.False(t, held)

	_, ok, err = reg.Acquire(ctx, OpVote, "0xabcd", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegistry_GlobalID(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kv.NewMemoryStore())

	lock, ok, err := reg.Acquire(ctx, OpRebalance, "", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "lock:operation:rebalance:global", lock.Key())
}

func TestLock_ReleaseOnlyIfOwner(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	store.Now = func() time.Time { return now }
	reg := NewRegistry(store)

	stale, ok, err := reg.Acquire(ctx, OpSettlement, "0xaa", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// TTL lapses and another holder takes the lock.
	now = now.Add(11 * time.Second)
	fresh, ok, err := reg.Acquire(ctx, OpSettlement, "0xaa", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder's release must not evict the new owner.
	require.NoError(t, stale.Release(ctx))
	held, err := reg.IsLocked(ctx, OpSettlement, "0xaa")
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, fresh.Release(ctx))
	held, err = reg.IsLocked(ctx, OpSettlement, "0xaa")
	require.NoError(t, err)
	require.False(t, held)
}

func TestLock_NilIsInert(t *testing.T) {
	ctx := context.Background()
	var lock *Lock
	require.NoError(t, lock.Release(ctx))
	ok, err := lock.Extend(ctx, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLock_Extend(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	store.Now = func() time.Time { return now }
	reg := NewRegistry(store)

	lock, ok, err := reg.Acquire(ctx, OpTransaction, "0xbb", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(8 * time.Second)
	extended, err := lock.Extend(ctx, 10*time.Second)
	require.NoError(t, err)
	require.True(t, extended)

	// Original TTL would have lapsed by now; the extension keeps it live.
	now = now.Add(5 * time.Second)
	held, err := reg.IsLocked(ctx, OpTransaction, "0xbb")
	require.NoError(t, err)
	require.True(t, held)

	// After expiry, Extend reports lost ownership.
	now = now.Add(10 * time.Second)
	extended, err = lock.Extend(ctx, 10*time.Second)
	require.NoError(t, err)
	require.False(t, extended)
}

func TestRegistry_AcquireWithRetry(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kv.NewMemoryStore())

	held, ok, err := reg.Acquire(ctx, OpVote, "0xcc", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Exhausting retries while the lock is held yields no lock.
	_, ok, err = reg.AcquireWithRetry(ctx, OpVote, "0xcc", time.Minute, 2, time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	// A release mid-retry lets a waiter win.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, held.Release(ctx))
	}()
	lock, ok, err := reg.AcquireWithRetry(ctx, OpVote, "0xcc", time.Minute, 20, 10*time.Millisecond)
	wg.Wait()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lock.Release(ctx))
}

func TestRegistry_AcquireWithRetryContextCancel(t *testing.T) {
	reg := NewRegistry(kv.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())

	_, ok, err := reg.Acquire(ctx, OpVote, "0xdd", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	cancel()
	_, ok, err = reg.AcquireWithRetry(ctx, OpVote, "0xdd", time.Minute, 5, time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ok)
}
