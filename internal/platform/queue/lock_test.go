package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tle_arena/internal/common"
	"tle_arena/internal/platform/queue"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestAcquireLock(t *testing.T) {
	ctx := context.Background()

	t.Run("second acquisition fails while held", func(t *testing.T) {
		_, rdb := newRedis(t)

		lock, err := queue.AcquireLock(ctx, rdb, "arena:test", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "arena:test", lock.Key())

		_, err = queue.AcquireLock(ctx, rdb, "arena:test", time.Minute)
		assert.ErrorIs(t, err, common.ErrJobLockFailed)
	})

	t.Run("release frees the key", func(t *testing.T) {
		_, rdb := newRedis(t)

		lock, err := queue.AcquireLock(ctx, rdb, "arena:test", time.Minute)
		require.NoError(t, err)

		released, err := lock.Release(ctx)
		require.NoError(t, err)
		assert.True(t, released)

		_, err = queue.AcquireLock(ctx, rdb, "arena:test", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("release does not delete a lock taken over after expiry", func(t *testing.T) {
		mr, rdb := newRedis(t)

		stale, err := queue.AcquireLock(ctx, rdb, "arena:test", time.Second)
		require.NoError(t, err)
		mr.FastForward(2 * time.Second)

		_, err = queue.AcquireLock(ctx, rdb, "arena:test", time.Minute)
		require.NoError(t, err)

		released, err := stale.Release(ctx)
		require.NoError(t, err)
		assert.False(t, released)
		assert.True(t, mr.Exists("arena:test"))
	})
}
