package model

import "time"

type SettlementTrigger string

const (
	TriggerAllFinished SettlementTrigger = "all-finished"
	TriggerTimeout     SettlementTrigger = "timeout"
)

type StreakEvent string

const (
	StreakIncrement StreakEvent = "increment"
	StreakReset     StreakEvent = "reset"
)

type Placement struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	Placement       int    `json:"placement"`
	Score           int    `json:"score"`
	RatingBefore    int    `json:"rating_before"`
	RatingChange    int    `json:"rating_change"`
	ExpEarned       int    `json:"exp_earned"`
	SubmissionCount int    `json:"submission_count"`
	WinStreakAfter  int    `json:"win_streak_after"`
}

type SettlementResult struct {
	RoomID     string            `json:"room_id"`
	Trigger    SettlementTrigger `json:"trigger"`
	SettledAt  time.Time         `json:"settled_at"`
	Placements []Placement       `json:"placements"`
}

// MatchResult is one participant's outcome handed to the profile store.
// (RoomID, UserID) is the idempotency key.
type MatchResult struct {
	RoomID      string      `json:"room_id"`
	UserID      string      `json:"user_id"`
	RatingDelta int         `json:"rating_delta"`
	Placement   int         `json:"placement"`
	Points      int         `json:"points"`
	Streak      StreakEvent `json:"streak"`
}

// ProfileRetryJob is queued when a profile update keeps failing.
type ProfileRetryJob struct {
	Result   MatchResult `json:"result"`
	Attempts int         `json:"attempts"`
	LastErr  string      `json:"last_error,omitempty"`
	QueuedAt time.Time   `json:"queued_at"`
}
