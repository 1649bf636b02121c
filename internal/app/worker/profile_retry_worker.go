package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/domain/repository"
	"tle_arena/internal/platform/config"
	"tle_arena/internal/platform/logger"
	"tle_arena/internal/platform/metrics"
	"tle_arena/internal/platform/queue"
)

// ProfileRetryWorker drains profile updates that failed during settlement.
type ProfileRetryWorker struct {
	rdb         *redis.Client
	queue       *queue.RetryQueue
	profiles    repository.ProfileUpdater
	lockKey     string
	lockTTL     time.Duration
	maxAttempts int
	popTimeout  time.Duration
	lockBackoff time.Duration
	log         *zap.SugaredLogger
}

func NewProfileRetryWorker(rdb *redis.Client, q *queue.RetryQueue, profiles repository.ProfileUpdater) *ProfileRetryWorker {
	return &ProfileRetryWorker{
		rdb:         rdb,
		queue:       q,
		profiles:    profiles,
		lockKey:     config.AppConfig.ProfileRetryLockKey,
		lockTTL:     config.AppConfig.ProfileRetryLockTTL,
		maxAttempts: config.AppConfig.ProfileRetryMaxAttempts,
		popTimeout:  5 * time.Second,
		lockBackoff: time.Second,
		log:         logger.NewNamedLogger("profile-retry"),
	}
}

func (w *ProfileRetryWorker) Start(ctx context.Context) {
	w.log.Infow("Profile retry worker started", "queue", w.queue.Name())
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Profile retry worker stopping...")
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, w.popTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.log.Errorw("Failed to pop retry job", "error", err)
			sleep(ctx, 5*time.Second) // Wait before retrying on other errors
			continue
		}
		if job == nil {
			continue
		}
		w.processJobWithLock(ctx, *job)
	}
}

// processJobWithLock applies one job while holding a per-result lock, so two
// workers never apply the same result concurrently.
func (w *ProfileRetryWorker) processJobWithLock(ctx context.Context, job model.ProfileRetryJob) {
	res := job.Result
	log := w.log.With("room_id", res.RoomID, "user_id", res.UserID, "attempts", job.Attempts)

	lock, err := queue.AcquireLock(ctx, w.rdb, w.lockKey+":"+res.RoomID+":"+res.UserID, w.lockTTL)
	if err != nil {
		if errors.Is(err, common.ErrJobLockFailed) {
			log.Info("Another worker holds this result, re-queueing")
		} else {
			log.Errorw("Failed to attempt lock acquisition", "error", err)
		}
		// a lone job would come straight back from BRPOP
		sleep(ctx, w.lockBackoff)
		w.requeue(ctx, job)
		return
	}
	defer func() {
		released, err := lock.Release(ctx)
		if err != nil {
			log.Errorw("Failed to release lock", "key", lock.Key(), "error", err)
		} else if !released {
			log.Warnw("Lock expired before release", "key", lock.Key())
		}
	}()

	applied, err := w.profiles.ApplyMatchResult(ctx, res)
	if err == nil {
		log.Infow("Profile update applied from retry queue", "applied", applied)
		return
	}

	job.Attempts++
	job.LastErr = err.Error()
	metrics.ProfileUpdateFailures.WithLabelValues("retry").Inc()
	if job.Attempts >= w.maxAttempts {
		log.Errorw("Giving up on profile update", "error", err)
		metrics.ProfileUpdateFailures.WithLabelValues("dead").Inc()
		if err := w.queue.DeadLetter(ctx, job); err != nil {
			log.Errorw("Failed to dead-letter job", "error", err)
		}
		return
	}
	log.Warnw("Profile update failed again", "error", err)
	w.requeue(ctx, job)
}

func (w *ProfileRetryWorker) requeue(ctx context.Context, job model.ProfileRetryJob) {
	if err := w.queue.Enqueue(ctx, job); err != nil {
		w.log.Errorw("Failed to re-queue job", "room_id", job.Result.RoomID, "user_id", job.Result.UserID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
