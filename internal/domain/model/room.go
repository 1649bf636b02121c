package model

import (
	"time"
)

type RoomStatus string
type RoomVisibility string

const (
	RoomStatusWaiting  RoomStatus = "Waiting"
	RoomStatusStarted  RoomStatus = "Started"
	RoomStatusFinished RoomStatus = "Finished"

	VisibilityPublic  RoomVisibility = "public"
	VisibilityPrivate RoomVisibility = "private"
)

// RoomCapacity is the fixed number of seats in a room.
const RoomCapacity = 5

// MinParticipantsToStart is the smallest lobby a host may start.
const MinParticipantsToStart = 2

// CanTransitionTo reports whether s may move to next. Status only moves forward
// one step at a time.
func (s RoomStatus) CanTransitionTo(next RoomStatus) bool {
	switch s {
	case RoomStatusWaiting:
		return next == RoomStatusStarted
	case RoomStatusStarted:
		return next == RoomStatusFinished
	}
	return false
}

type Room struct {
	ID              string         `json:"id"`
	Name            *string        `json:"name,omitempty"`
	Slug            string         `json:"slug,omitempty"`
	DurationMinutes int            `json:"duration_minutes"`
	MinRating       int            `json:"min_rating"`
	MaxRating       int            `json:"max_rating"`
	Visibility      RoomVisibility `json:"visibility"`
	PasswordHash    string         `json:"-"`
	HostID          *string        `json:"host_id,omitempty"`
	Status          RoomStatus     `json:"status"`
	ProblemIDs      []string       `json:"problem_ids,omitempty"`
	CreatedBy       string         `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	Abandoned       bool           `json:"abandoned,omitempty"`
	// OwnerID names the arena instance holding the room's live state.
	OwnerID string `json:"-"`
}

func (r *Room) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// Deadline is the server-side end of the match. Zero until the match starts.
func (r *Room) Deadline() time.Time {
	if r.StartedAt == nil {
		return time.Time{}
	}
	return r.StartedAt.Add(r.Duration())
}

// RatingMidpoint is the middle of the room's rating band.
func (r *Room) RatingMidpoint() int {
	return r.MinRating + (r.MaxRating-r.MinRating)/2
}

func (r *Room) IsHost(userID string) bool {
	return r.HostID != nil && *r.HostID == userID
}

type Participant struct {
	RoomID          string     `json:"room_id"`
	UserID          string     `json:"user_id"`
	Username        string     `json:"username"`
	RatingAtJoin    int        `json:"rating_at_join"`
	JoinedAt        time.Time  `json:"joined_at"`
	Finished        bool       `json:"finished"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Placement       *int       `json:"placement,omitempty"`
	ExpEarned       int        `json:"exp_earned"`
	RatingChange    int        `json:"rating_change"`
	SubmissionCount int        `json:"submission_count"`
}

// RoomSummary is the read-only projection served to room-list browsers.
type RoomSummary struct {
	ID               string         `json:"id"`
	Name             *string        `json:"name,omitempty"`
	Slug             string         `json:"slug,omitempty"`
	DurationMinutes  int            `json:"duration_minutes"`
	MinRating        int            `json:"min_rating"`
	MaxRating        int            `json:"max_rating"`
	Visibility       RoomVisibility `json:"visibility"`
	HostID           *string        `json:"host_id,omitempty"`
	Status           RoomStatus     `json:"status"`
	ParticipantCount int            `json:"participant_count"`
	Capacity         int            `json:"capacity"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
}

// RoomView is a room with its participants.
type RoomView struct {
	Room         Room          `json:"room"`
	Participants []Participant `json:"participants"`
}
