package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/platform/metrics"
	"tle_arena/internal/platform/queue"
)

// settlementSnapshot is what the settlement winner carries out of the room
// lock. Ranking and rating lookups happen without holding it.
type settlementSnapshot struct {
	e         *roomEntry
	roomID    string
	trigger   model.SettlementTrigger
	settledAt time.Time
	midpoint  int
	standings []standing
}

// beginSettlement closes the match if this caller is the first to try.
// Everyone else gets nil. Caller holds e.mu.
func (a *Arena) beginSettlement(ctx context.Context, e *roomEntry, trigger model.SettlementTrigger) *settlementSnapshot {
	if e.room.Status != model.RoomStatusStarted {
		return nil
	}
	roomID := e.room.ID
	log := a.log.With("room_id", roomID, "trigger", trigger)

	if a.deps.Guard != nil {
		ok, err := a.deps.Guard.Acquire(ctx, roomID)
		switch {
		case err != nil:
			// the SQL check below still holds the line
			log.Warnw("settlement guard unavailable", "error", err)
		case !ok:
			log.Infow("room already settled elsewhere")
			a.settledElsewhere(ctx, e)
			return nil
		}
	}

	now := a.deps.Clock.Now()
	won, err := a.deps.Rooms.MarkFinished(ctx, roomID, now)
	if err != nil {
		log.Errorw("failed to persist match end, settling in memory", "error", err)
	} else if !won {
		log.Infow("lost settlement race")
		a.settledElsewhere(ctx, e)
		return nil
	}

	a.closeLocally(e)
	e.room.FinishedAt = &now
	metrics.Settlements.WithLabelValues(string(trigger)).Inc()

	snap := &settlementSnapshot{
		e:         e,
		roomID:    roomID,
		trigger:   trigger,
		settledAt: now,
		midpoint:  e.room.RatingMidpoint(),
		standings: make([]standing, 0, len(e.participants)),
	}
	for _, p := range e.participants {
		if !p.Finished {
			if err := a.markFinished(ctx, e, p); err != nil {
				log.Warnw("failed to persist finish during settlement", "user_id", p.UserID, "error", err)
				p.Finished = true
				p.FinishedAt = &now
				a.publishRoom(e, model.EventMatchFinished, model.MatchFinishedPayload{UserID: p.UserID})
			}
		}
		snap.standings = append(snap.standings, standing{
			UserID:          p.UserID,
			Username:        p.Username,
			Total:           p.total,
			LastImproved:    p.lastImproved,
			JoinedAt:        p.JoinedAt,
			SubmissionCount: p.SubmissionCount,
			RatingAtJoin:    p.RatingAtJoin,
		})
	}
	return snap
}

// closeLocally stops the match in memory. Caller holds e.mu.
func (a *Arena) closeLocally(e *roomEntry) {
	a.setStatus(e, model.RoomStatusFinished)
	if e.deadline != nil {
		e.deadline.Stop()
		e.deadline = nil
	}
}

// settledElsewhere closes a room another settler won. The winner's stored
// result is served when it is already there; either way the room leaves
// memory after the retention period. Caller holds e.mu.
func (a *Arena) settledElsewhere(ctx context.Context, e *roomEntry) {
	a.closeLocally(e)
	res, err := a.deps.Rooms.GetSettlement(ctx, e.room.ID)
	switch {
	case err == nil:
		e.settlement = res
	case !errors.Is(err, common.ErrNotFound):
		a.log.Warnw("failed to load settlement", "room_id", e.room.ID, "error", err)
	}
	a.publishGlobal(e.room.ID, model.EventRoomUpdated, e.refreshSummary())
	a.scheduleEviction(e)
}

// scheduleEviction arms the retention timer of a finished room. Caller holds e.mu.
func (a *Arena) scheduleEviction(e *roomEntry) {
	if a.cfg.FinishedRoomRetention <= 0 {
		return
	}
	roomID := e.room.ID
	e.deadline = a.deps.Clock.AfterFunc(a.cfg.FinishedRoomRetention, func() { a.evict(roomID) })
}

// completeSettlement ranks the frozen standings, records the outcome and
// hands each result to the profile updater. It is a no-op for nil.
func (a *Arena) completeSettlement(snap *settlementSnapshot) {
	if snap == nil {
		return
	}
	ctx := context.Background()
	log := a.log.With("room_id", snap.roomID, "trigger", snap.trigger)

	ranked := rank(snap.standings)
	n := len(ranked)
	result := model.SettlementResult{
		RoomID:     snap.roomID,
		Trigger:    snap.trigger,
		SettledAt:  snap.settledAt,
		Placements: make([]model.Placement, 0, n),
	}
	matchResults := make([]model.MatchResult, 0, n)

	for i, s := range ranked {
		placement := i + 1
		rating, streak := s.RatingAtJoin, 0
		if current, err := a.deps.Ratings.GetRating(ctx, s.UserID); err == nil {
			rating, streak = current.Rating, current.WinStreak
		} else {
			log.Warnw("rating lookup failed, using rating at join", "user_id", s.UserID, "error", err)
		}

		delta := ratingDelta(placement, n, rating, snap.midpoint)
		if rating+delta < 0 {
			delta = -rating
		}
		event := streakFor(placement)
		if event == model.StreakIncrement {
			streak++
		} else {
			streak = 0
		}
		exp := expFor(s.Total, placement, n)

		result.Placements = append(result.Placements, model.Placement{
			UserID:          s.UserID,
			Username:        s.Username,
			Placement:       placement,
			Score:           s.Total,
			RatingBefore:    rating,
			RatingChange:    delta,
			ExpEarned:       exp,
			SubmissionCount: s.SubmissionCount,
			WinStreakAfter:  streak,
		})
		matchResults = append(matchResults, model.MatchResult{
			RoomID:      snap.roomID,
			UserID:      s.UserID,
			RatingDelta: delta,
			Placement:   placement,
			Points:      exp,
			Streak:      event,
		})
	}

	e := snap.e
	e.mu.Lock()
	for _, pl := range result.Placements {
		if p := e.participant(pl.UserID); p != nil {
			placement := pl.Placement
			p.Placement = &placement
			p.ExpEarned = pl.ExpEarned
			p.RatingChange = pl.RatingChange
		}
	}
	if err := a.deps.Rooms.SaveSettlement(ctx, result); err != nil {
		log.Errorw("failed to persist settlement", "error", err)
	}
	e.settlement = &result
	a.publishRoom(e, model.EventRoomSettled, model.RoomSettledPayload{Trigger: snap.trigger, Placements: result.Placements})
	a.publishGlobal(snap.roomID, model.EventRoomUpdated, e.refreshSummary())
	a.scheduleEviction(e)
	e.mu.Unlock()

	log.Infow("room settled", "participants", n)

	for _, res := range matchResults {
		a.bg.Add(1)
		go func(res model.MatchResult) {
			defer a.bg.Done()
			a.applyProfile(res)
		}(res)
	}
}

// applyProfile retries a profile update with exponential backoff and parks
// it on the retry queue when every attempt failed.
func (a *Arena) applyProfile(res model.MatchResult) {
	ctx := context.Background()
	backoff := a.cfg.ProfileUpdateBackoff
	var lastErr error
	for attempt := 1; attempt <= a.cfg.ProfileUpdateAttempts; attempt++ {
		applied, err := a.deps.Profiles.ApplyMatchResult(ctx, res)
		if err == nil {
			if !applied {
				a.log.Debugw("match result already applied", "room_id", res.RoomID, "user_id", res.UserID)
			}
			return
		}
		lastErr = fmt.Errorf("%w: %v", common.ErrProfileUpdate, err)
		metrics.ProfileUpdateFailures.WithLabelValues("inline").Inc()
		a.log.Warnw("profile update failed", "room_id", res.RoomID, "user_id", res.UserID, "attempt", attempt, "error", err)
		if attempt < a.cfg.ProfileUpdateAttempts && backoff > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	job := model.ProfileRetryJob{
		Result:   res,
		Attempts: a.cfg.ProfileUpdateAttempts,
		LastErr:  lastErr.Error(),
		QueuedAt: a.deps.Clock.Now(),
	}
	if a.deps.RetryQueue == nil {
		a.log.Errorw("profile update dropped, no retry queue", "room_id", res.RoomID, "user_id", res.UserID, "error", lastErr)
		return
	}
	if err := a.deps.RetryQueue.Enqueue(ctx, job); err != nil {
		a.log.Errorw("failed to queue profile retry", "room_id", res.RoomID, "user_id", res.UserID, "error", err)
		return
	}
	metrics.ProfileUpdateFailures.WithLabelValues("queued").Inc()
}

// evict drops a settled room from memory once its retention has passed.
func (a *Arena) evict(roomID string) {
	e, err := a.lockRoom(roomID)
	if err != nil {
		return
	}
	defer e.mu.Unlock()
	if e.room.Status != model.RoomStatusFinished {
		return
	}
	e.deadline = nil
	a.remove(e)
	a.publishGlobal(roomID, model.EventRoomDeleted, nil)
	if f, ok := a.deps.Publisher.(interface{ Forget(topic string) }); ok {
		f.Forget(model.RoomTopic(roomID))
	}
	a.log.Debugw("evicted settled room", "room_id", roomID)
}

// RedisSettlementGuard takes a per-room SETNX lock that is never released,
// so exactly one process across the fleet settles a room.
type RedisSettlementGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSettlementGuard(rdb *redis.Client, ttl time.Duration) *RedisSettlementGuard {
	return &RedisSettlementGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisSettlementGuard) Acquire(ctx context.Context, roomID string) (bool, error) {
	_, err := queue.AcquireLock(ctx, g.rdb, "arena:settle:"+roomID, g.ttl)
	if errors.Is(err, common.ErrJobLockFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
