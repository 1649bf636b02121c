package model

import "time"

type EventType string

const (
	EventUserJoined       EventType = "user-joined"
	EventUserLeft         EventType = "user-left"
	EventHostChanged      EventType = "host-changed"
	EventMatchStarted     EventType = "match-started"
	EventSubmissionJudged EventType = "submission-judged"
	EventScoreUpdated     EventType = "score-updated"
	EventMatchFinished    EventType = "match-finished"
	EventRoomSettled      EventType = "room-settled"

	EventRoomCreated EventType = "room-created"
	EventRoomUpdated EventType = "room-updated"
	EventRoomDeleted EventType = "room-deleted"
)

// GlobalTopic carries room-list changes for browsers.
const GlobalTopic = "rooms"

func RoomTopic(roomID string) string {
	return "room:" + roomID
}

type Event struct {
	Type    EventType   `json:"type"`
	Topic   string      `json:"topic"`
	RoomID  string      `json:"room_id,omitempty"`
	Seq     uint64      `json:"seq"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload,omitempty"`
}

func NewRoomEvent(roomID string, typ EventType, at time.Time, payload interface{}) Event {
	return Event{Type: typ, Topic: RoomTopic(roomID), RoomID: roomID, At: at, Payload: payload}
}

func NewGlobalEvent(roomID string, typ EventType, at time.Time, payload interface{}) Event {
	return Event{Type: typ, Topic: GlobalTopic, RoomID: roomID, At: at, Payload: payload}
}

type UserJoinedPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
}

type UserLeftPayload struct {
	UserID string `json:"user_id"`
}

type HostChangedPayload struct {
	HostID *string `json:"host_id"`
}

type MatchStartedPayload struct {
	StartedAt       time.Time `json:"started_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Deadline        time.Time `json:"deadline"`
	Problems        []Problem `json:"problems"`
}

type SubmissionJudgedPayload struct {
	UserID       string           `json:"user_id"`
	ProblemID    string           `json:"problem_id"`
	SubmissionID string           `json:"submission_id"`
	Status       SubmissionStatus `json:"status"`
	Score        int              `json:"score"`
}

type ScoreUpdatedPayload struct {
	UserID    string `json:"user_id"`
	ProblemID string `json:"problem_id"`
	NewTotal  int    `json:"new_total"`
}

type MatchFinishedPayload struct {
	UserID string `json:"user_id"`
}

type RoomSettledPayload struct {
	Trigger    SettlementTrigger `json:"trigger"`
	Placements []Placement       `json:"placements"`
}
