package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tle_arena/internal/common"
)

// releaseScript deletes the key only while it still holds our value.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Lock is a single-holder Redis lock (SET NX PX + compare-and-delete).
type Lock struct {
	rdb   *redis.Client
	key   string
	value string
}

// AcquireLock tries once to take key for ttl. It returns common.ErrJobLockFailed
// when another holder owns the key.
func AcquireLock(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) (*Lock, error) {
	value := uuid.NewString()
	ok, err := rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to attempt lock acquisition for %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s is held: %w", key, common.ErrJobLockFailed)
	}
	return &Lock{rdb: rdb, key: key, value: value}, nil
}

func (l *Lock) Key() string { return l.key }

// Release returns true when the lock was still ours and got deleted.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	deleted, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.value).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return deleted == 1, nil
}
