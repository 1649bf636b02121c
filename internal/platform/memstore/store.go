// Package memstore keeps arena state in process memory. It backs
// STORAGE_DRIVER=memory and the service tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/domain/repository"
)

type roomRecord struct {
	room         model.Room
	participants map[string]model.Participant
}

type Store struct {
	mu sync.RWMutex

	rooms        map[string]*roomRecord
	settlements  map[string]model.SettlementResult
	submissions  map[string][]model.Submission // roomID -> submissions
	users        map[string]model.UserRating
	tiers        []model.RankTier
	problems     map[string]model.Problem
	testCases    map[string][]model.TestCase
	languages    map[string]model.Language
	applications map[string]model.MatchResult // roomID/userID
}

func New() *Store {
	return &Store{
		rooms:        make(map[string]*roomRecord),
		settlements:  make(map[string]model.SettlementResult),
		submissions:  make(map[string][]model.Submission),
		users:        make(map[string]model.UserRating),
		tiers:        model.DefaultRankTiers,
		problems:     make(map[string]model.Problem),
		testCases:    make(map[string][]model.TestCase),
		languages:    make(map[string]model.Language),
		applications: make(map[string]model.MatchResult),
	}
}

// Seeding helpers.

func (s *Store) PutUser(u model.UserRating) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Rank = model.RankFor(s.tiers, u.Rating)
	s.users[u.UserID] = u
}

func (s *Store) PutProblem(p model.Problem, cases []model.TestCase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.TestCaseCount = len(cases)
	s.problems[p.ID] = p
	s.testCases[p.ID] = append([]model.TestCase(nil), cases...)
}

func (s *Store) PutLanguage(l model.Language) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.languages[l.Slug] = l
}

// Applications returns every profile application recorded for a room.
func (s *Store) Applications(roomID string) []model.MatchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.MatchResult
	for _, a := range s.applications {
		if a.RoomID == roomID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Placement < out[j].Placement })
	return out
}

// Room returns the persisted copy of a room.
func (s *Store) Room(roomID string) (model.Room, []model.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return model.Room{}, nil, false
	}
	ps := make([]model.Participant, 0, len(rec.participants))
	for _, p := range rec.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].JoinedAt.Before(ps[j].JoinedAt) })
	return rec.room, ps, true
}

// RoomRepository

func (s *Store) CreateRoom(_ context.Context, room *model.Room, host model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return fmt.Errorf("room %s already exists: %w", room.ID, common.ErrConflict)
	}
	s.rooms[room.ID] = &roomRecord{
		room:         *room,
		participants: map[string]model.Participant{host.UserID: host},
	}
	return nil
}

func (s *Store) AddParticipant(_ context.Context, p model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[p.RoomID]
	if !ok {
		return common.ErrRoomNotFound
	}
	if _, dup := rec.participants[p.UserID]; dup {
		return fmt.Errorf("user %s already in room %s: %w", p.UserID, p.RoomID, common.ErrAlreadyJoined)
	}
	rec.participants[p.UserID] = p
	return nil
}

func (s *Store) RemoveParticipant(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.rooms[roomID]; ok {
		delete(rec.participants, userID)
	}
	return nil
}

func (s *Store) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return common.ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	return nil
}

func (s *Store) UpdateHost(_ context.Context, roomID string, hostID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.rooms[roomID]; ok {
		rec.room.HostID = hostID
	}
	return nil
}

func (s *Store) MarkStarted(_ context.Context, roomID string, startedAt time.Time, problemIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return common.ErrRoomNotFound
	}
	if rec.room.Status != model.RoomStatusWaiting {
		return fmt.Errorf("room %s is not waiting: %w", roomID, common.ErrRoomNotJoinable)
	}
	rec.room.Status = model.RoomStatusStarted
	rec.room.StartedAt = &startedAt
	rec.room.ProblemIDs = append([]string(nil), problemIDs...)
	return nil
}

func (s *Store) MarkParticipantFinished(_ context.Context, roomID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return common.ErrRoomNotFound
	}
	if p, ok := rec.participants[userID]; ok && !p.Finished {
		p.Finished = true
		p.FinishedAt = &at
		rec.participants[userID] = p
	}
	return nil
}

func (s *Store) MarkFinished(_ context.Context, roomID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok || rec.room.Status != model.RoomStatusStarted {
		return false, nil
	}
	rec.room.Status = model.RoomStatusFinished
	rec.room.FinishedAt = &at
	return true, nil
}

func (s *Store) SaveSettlement(_ context.Context, result model.SettlementResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settlements[result.RoomID]; ok {
		return fmt.Errorf("room %s already settled: %w", result.RoomID, common.ErrConflict)
	}
	s.settlements[result.RoomID] = result
	if rec, ok := s.rooms[result.RoomID]; ok {
		for _, pl := range result.Placements {
			p, ok := rec.participants[pl.UserID]
			if !ok {
				continue
			}
			placement := pl.Placement
			p.Placement = &placement
			p.ExpEarned = pl.ExpEarned
			p.RatingChange = pl.RatingChange
			p.SubmissionCount = pl.SubmissionCount
			rec.participants[pl.UserID] = p
		}
	}
	return nil
}

func (s *Store) GetSettlement(_ context.Context, roomID string) (*model.SettlementResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.settlements[roomID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &res, nil
}

func (s *Store) CloseStaleRooms(_ context.Context, at time.Time, f repository.StaleRoomFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.rooms {
		if !f.Matches(rec.room) {
			continue
		}
		rec.room.Status = model.RoomStatusFinished
		rec.room.FinishedAt = &at
		rec.room.Abandoned = true
		n++
	}
	return n, nil
}

// SubmissionRepository

func (s *Store) CreateSubmission(_ context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.submissions[sub.RoomID] {
		if existing.ID == sub.ID {
			return fmt.Errorf("submission %s already recorded: %w", sub.ID, common.ErrConflict)
		}
	}
	cp := *sub
	cp.Verdicts = append([]model.TestCaseVerdict(nil), sub.Verdicts...)
	s.submissions[sub.RoomID] = append(s.submissions[sub.RoomID], cp)
	return nil
}

func (s *Store) ListByRoomUser(_ context.Context, roomID, userID string) ([]model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Submission{}
	for _, sub := range s.submissions[roomID] {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

// ProblemRepository

func (s *Store) ListPublishedProblemIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.problems))
	for id := range s.problems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) FindProblemsByIDs(_ context.Context, ids []string) ([]model.Problem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Problem, 0, len(ids))
	for _, id := range ids {
		p, ok := s.problems[id]
		if !ok {
			return nil, fmt.Errorf("problem %s: %w", id, common.ErrNotFound)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) GetTestCasesByProblemID(_ context.Context, problemID string) ([]model.TestCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.TestCase(nil), s.testCases[problemID]...), nil
}

func (s *Store) GetLanguageBySlug(_ context.Context, slug string) (*model.Language, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.languages[slug]
	if !ok || !l.IsActive {
		return nil, common.ErrNotFound
	}
	return &l, nil
}

// RatingDirectory and ProfileUpdater

func (s *Store) GetRating(_ context.Context, userID string) (*model.UserRating, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &u, nil
}

func (s *Store) ApplyMatchResult(_ context.Context, res model.MatchResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := res.RoomID + "/" + res.UserID
	if _, done := s.applications[key]; done {
		return false, nil
	}
	u, ok := s.users[res.UserID]
	if !ok {
		return false, fmt.Errorf("user %s: %w", res.UserID, common.ErrNotFound)
	}
	u.Rating += res.RatingDelta
	if u.Rating < 0 {
		u.Rating = 0
	}
	if res.Streak == model.StreakIncrement {
		u.WinStreak++
	} else {
		u.WinStreak = 0
	}
	u.Points += res.Points
	u.Rank = model.RankFor(s.tiers, u.Rating)
	s.users[res.UserID] = u
	s.applications[key] = res
	return true, nil
}
