package model

import "time"

// ProblemScore is a user's best result on one problem of a match.
type ProblemScore struct {
	ProblemID  string    `json:"problem_id"`
	Best       int       `json:"best"`
	ImprovedAt time.Time `json:"improved_at"`
	Attempts   int       `json:"attempts"`
}

type ScoreboardEntry struct {
	UserID         string                  `json:"user_id"`
	Username       string                  `json:"username"`
	Total          int                     `json:"total"`
	LastImprovedAt *time.Time              `json:"last_improved_at,omitempty"`
	Finished       bool                    `json:"finished"`
	Problems       map[string]ProblemScore `json:"problems"`
}

// MatchView is what a participant sees when (re)loading an active or settled match.
type MatchView struct {
	RoomID          string            `json:"room_id"`
	Status          RoomStatus        `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	DurationMinutes int               `json:"duration_minutes"`
	Deadline        time.Time         `json:"deadline"`
	ServerTime      time.Time         `json:"server_time"`
	Problems        []Problem         `json:"problems"`
	Scoreboard      []ScoreboardEntry `json:"scoreboard"`
	Submissions     []Submission      `json:"submissions"`
	Settlement      *SettlementResult `json:"settlement,omitempty"`
}

// SubmitResult is returned to the submitter.
type SubmitResult struct {
	Submission Submission `json:"submission"`
	Total      int        `json:"total"`
	Improved   bool       `json:"improved"`
}
