package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tle_arena/internal/domain/model"
)

// RetryQueue is a Redis list of profile updates that failed during settlement.
// Jobs are LPUSHed and BRPOPed, so the oldest job is served first.
type RetryQueue struct {
	rdb        *redis.Client
	name       string
	deadLetter string
}

func NewRetryQueue(rdb *redis.Client, name string) *RetryQueue {
	return &RetryQueue{rdb: rdb, name: name, deadLetter: name + ":dead"}
}

func (q *RetryQueue) Name() string           { return q.name }
func (q *RetryQueue) DeadLetterName() string { return q.deadLetter }

func (q *RetryQueue) Enqueue(ctx context.Context, job model.ProfileRetryJob) error {
	return q.push(ctx, q.name, job)
}

func (q *RetryQueue) DeadLetter(ctx context.Context, job model.ProfileRetryJob) error {
	return q.push(ctx, q.deadLetter, job)
}

func (q *RetryQueue) push(ctx context.Context, list string, job model.ProfileRetryJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("RetryQueue marshal: %w", err)
	}
	if err := q.rdb.LPush(ctx, list, data).Err(); err != nil {
		return fmt.Errorf("RetryQueue push %s: %w", list, err)
	}
	return nil
}

// Dequeue blocks up to timeout. It returns nil, nil when nothing arrived.
func (q *RetryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*model.ProfileRetryJob, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("RetryQueue BRPop %s: %w", q.name, err)
	}
	// res is [queueName, value]
	if len(res) < 2 || res[1] == "" {
		return nil, nil
	}
	var job model.ProfileRetryJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("RetryQueue decode: %w", err)
	}
	return &job, nil
}

func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}
