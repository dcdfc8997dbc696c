package repo_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/ldm-writer/internal/repo"
)

func TestLocksRepo(t *testing.T) {
	const (
		lockName = "queue-p1.w1.primary"
		ttl      = time.Minute
	)

	db := setupDB(t)

	ctx := context.Background()
	now := time.Now().Truncate(time.Second).UTC()

	r := repo.NewLocks(db, repo.WithNow(func() time.Time {
		return now
	}))

	t.Run("mutual exclusion", func(t *testing.T) {
		acquired, err := r.TryAcquire(ctx, lockName, "consumer-1", ttl)
		require.NoError(t, err)
		require.True(t, acquired)

		acquired, err = r.TryAcquire(ctx, lockName, "consumer-2", ttl)
		require.NoError(t, err)
		require.False(t, acquired)

		// not reentrant, even for the current holder
		acquired, err = r.TryAcquire(ctx, lockName, "consumer-1", ttl)
		require.NoError(t, err)
		require.False(t, acquired)

		require.NoError(t, r.Release(ctx, lockName, "consumer-1"))

		acquired, err = r.TryAcquire(ctx, lockName, "consumer-2", ttl)
		require.NoError(t, err)
		require.True(t, acquired)

		require.NoError(t, r.Release(ctx, lockName, "consumer-2"))
	})

	t.Run("release is idempotent", func(t *testing.T) {
		require.NoError(t, r.Release(ctx, "never-held", "consumer-1"))

		acquired, err := r.TryAcquire(ctx, lockName, "consumer-1", ttl)
		require.NoError(t, err)
		require.True(t, acquired)

		// a non-owner release is a no-op and does not free the lock
		require.NoError(t, r.Release(ctx, lockName, "consumer-2"))

		acquired, err = r.TryAcquire(ctx, lockName, "consumer-2", ttl)
		require.NoError(t, err)
		require.False(t, acquired)

		require.NoError(t, r.Release(ctx, lockName, "consumer-1"))
	})

	t.Run("expired lease is stolen", func(t *testing.T) {
		acquired, err := r.TryAcquire(ctx, "expiring", "consumer-1", ttl)
		require.NoError(t, err)
		require.True(t, acquired)

		later := repo.NewLocks(db, repo.WithNow(func() time.Time {
			return now.Add(2 * ttl)
		}))

		acquired, err = later.TryAcquire(ctx, "expiring", "consumer-2", ttl)
		require.NoError(t, err)
		require.True(t, acquired, "a crashed holder must not deadlock the queue")

		held, err := later.Refresh(ctx, "expiring", "consumer-1", ttl)
		require.NoError(t, err)
		require.False(t, held, "the old holder lost the lease")

		held, err = later.Refresh(ctx, "expiring", "consumer-2", ttl)
		require.NoError(t, err)
		require.True(t, held)
	})

	t.Run("concurrent acquisition has one winner", func(t *testing.T) {
		const contenders = 10

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()

				acquired, err := r.TryAcquire(ctx, "contended", owner, ttl)
				require.NoError(t, err)
				if acquired {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(time.Now().String())
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})
}
