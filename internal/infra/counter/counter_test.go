package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/publora/publora/internal/domain/counterstore"
)

func TestMemoryStoreIncrWithCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	used, granted, err := store.IncrWithCap(ctx, "q:pinterest:account:d:2026-08-31:a1", 1, 2, time.Hour)
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, int64(1), used)

	used, granted, err = store.IncrWithCap(ctx, "q:pinterest:account:d:2026-08-31:a1", 1, 2, time.Hour)
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, int64(2), used)

	used, granted, err = store.IncrWithCap(ctx, "q:pinterest:account:d:2026-08-31:a1", 1, 2, time.Hour)
	require.NoError(t, err)
	require.False(t, granted, "third reservation must be denied without mutating state")
	require.Equal(t, int64(2), used)
}

func TestMemoryStoreWindowExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	current := time.Date(2026, 1, 2, 23, 59, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return current })

	_, granted, err := store.IncrWithCap(ctx, "k", 5, 5, time.Minute)
	require.NoError(t, err)
	require.True(t, granted)

	// Window closes; counter resets on next access.
	current = current.Add(2 * time.Minute)
	used, granted, err := store.IncrWithCap(ctx, "k", 1, 5, time.Minute)
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, int64(1), used)

	require.Equal(t, 0, store.Sweep())
}

func TestMemoryStoreDecrFloorsAtZero(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _, err := store.IncrWithCap(ctx, "k", 2, 10, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Decr(ctx, "k", 5))

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(0), value)
}

func TestMemoryStoreConcurrentReservationsRespectCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 32
	const limit = 10
	var wg sync.WaitGroup
	grants := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, granted, err := store.IncrWithCap(ctx, "k", 1, limit, time.Hour)
			require.NoError(t, err)
			if granted {
				grants <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(grants)
	require.Len(t, grants, limit)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreIncrWithCap(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	// Cost-weighted reservations: 6 x 1600 fit under 10000, the 7th does not.
	for i := 0; i < 6; i++ {
		used, granted, err := store.IncrWithCap(ctx, "q:youtube:app:d:2026-08-31", 1600, 10000, time.Hour)
		require.NoError(t, err)
		require.True(t, granted)
		require.Equal(t, int64((i+1)*1600), used)
	}

	used, granted, err := store.IncrWithCap(ctx, "q:youtube:app:d:2026-08-31", 1600, 10000, time.Hour)
	require.NoError(t, err)
	require.False(t, granted)
	require.Equal(t, int64(9600), used, "denied reservation must not mutate the counter")
}

func TestRedisStoreEntryExpires(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, granted, err := store.IncrWithCap(ctx, "k", 1, 5, time.Second)
	require.NoError(t, err)
	require.True(t, granted)

	mr.FastForward(2 * time.Second)

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(0), value)
}

func TestRedisStoreDecr(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	_, _, err := store.IncrWithCap(ctx, "k", 3, 10, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Decr(ctx, "k", 1))

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(2), value)
}

var (
	_ counterstore.Store = (*MemoryStore)(nil)
	_ counterstore.Store = (*RedisStore)(nil)
)
