package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"tle_arena/internal/common"
	"tle_arena/internal/common/security"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/platform/metrics"
)

const maxRoomNameLength = 64

type RoomService struct {
	a *Arena
}

func NewRoomService(a *Arena) *RoomService {
	return &RoomService{a: a}
}

type CreateRoomRequest struct {
	Name            *string              `json:"name,omitempty"`
	DurationMinutes int                  `json:"duration_minutes"`
	MinRating       int                  `json:"min_rating"`
	MaxRating       int                  `json:"max_rating"`
	Visibility      model.RoomVisibility `json:"visibility"`
	Password        string               `json:"password,omitempty"`
}

func (req *CreateRoomRequest) validate() error {
	if req.DurationMinutes <= 0 {
		return fmt.Errorf("duration must be positive: %w", common.ErrInvalidParameters)
	}
	if req.MinRating < 0 || req.MinRating > req.MaxRating {
		return fmt.Errorf("rating band [%d, %d] is invalid: %w", req.MinRating, req.MaxRating, common.ErrInvalidParameters)
	}
	if req.Visibility == "" {
		req.Visibility = model.VisibilityPublic
	}
	switch req.Visibility {
	case model.VisibilityPublic:
	case model.VisibilityPrivate:
		if req.Password == "" {
			return fmt.Errorf("private room needs a password: %w", common.ErrInvalidParameters)
		}
	default:
		return fmt.Errorf("unknown visibility %q: %w", req.Visibility, common.ErrInvalidParameters)
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if utf8.RuneCountInString(name) > maxRoomNameLength {
			return fmt.Errorf("room name longer than %d characters: %w", maxRoomNameLength, common.ErrInvalidParameters)
		}
		if name == "" {
			req.Name = nil
		} else {
			req.Name = &name
		}
	}
	return nil
}

func (s *RoomService) CreateRoom(ctx context.Context, creatorID string, req CreateRoomRequest) (*model.RoomView, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	creator, err := s.a.deps.Ratings.GetRating(ctx, creatorID)
	if err != nil {
		return nil, common.Errorf("failed to look up creator rating: %w", err)
	}

	var hash string
	if req.Visibility == model.VisibilityPrivate {
		if hash, err = security.HashPassword(req.Password); err != nil {
			return nil, common.Errorf("failed to hash room password: %w", err)
		}
	}

	now := s.a.deps.Clock.Now()
	host := creatorID
	room := model.Room{
		ID:              uuid.NewString(),
		Name:            req.Name,
		DurationMinutes: req.DurationMinutes,
		MinRating:       req.MinRating,
		MaxRating:       req.MaxRating,
		Visibility:      req.Visibility,
		PasswordHash:    hash,
		HostID:          &host,
		Status:          model.RoomStatusWaiting,
		CreatedBy:       creatorID,
		CreatedAt:       now,
		OwnerID:         s.a.cfg.InstanceID,
	}
	if room.Name != nil {
		room.Slug = slug.Make(*room.Name)
	}
	hostP := model.Participant{
		RoomID:       room.ID,
		UserID:       creatorID,
		Username:     creator.Username,
		RatingAtJoin: creator.Rating,
		JoinedAt:     now,
	}

	if err := s.a.deps.Rooms.CreateRoom(ctx, &room, hostP); err != nil {
		return nil, common.Errorf("failed to persist room: %w", err)
	}

	e := &roomEntry{room: room, participants: []*participantState{{Participant: hostP}}}
	e.mu.Lock()
	defer e.mu.Unlock()
	s.a.insert(e)
	summary := e.refreshSummary()
	s.a.publishGlobal(room.ID, model.EventRoomCreated, summary)

	s.a.log.Infow("room created", "room_id", room.ID, "host", creatorID, "visibility", room.Visibility)
	v := e.view()
	return &v, nil
}

type RoomSort string

const (
	SortNewest  RoomSort = "newest"
	SortOldest  RoomSort = "oldest"
	SortName    RoomSort = "name"
	SortPlayers RoomSort = "players"
)

type RoomFilter struct {
	// Rating keeps rooms whose band contains it.
	Rating *int
	// MinRating/MaxRating keep rooms whose band overlaps [MinRating, MaxRating].
	MinRating  *int
	MaxRating  *int
	Visibility model.RoomVisibility
	Status     model.RoomStatus
	Search     string
	Page       int
	PageSize   int
	Sort       RoomSort
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (f RoomFilter) matches(s *model.RoomSummary, search string) bool {
	if f.Rating != nil && (*f.Rating < s.MinRating || *f.Rating > s.MaxRating) {
		return false
	}
	if f.MinRating != nil && s.MaxRating < *f.MinRating {
		return false
	}
	if f.MaxRating != nil && s.MinRating > *f.MaxRating {
		return false
	}
	if f.Visibility != "" && s.Visibility != f.Visibility {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if search != "" && !strings.Contains(s.Slug, search) {
		return false
	}
	return true
}

// ListRooms reads the published summaries without taking any room lock.
func (s *RoomService) ListRooms(_ context.Context, f RoomFilter) common.Page[model.RoomSummary] {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	search := slug.Make(f.Search)

	var items []model.RoomSummary
	for _, e := range s.a.snapshotEntries() {
		sum := e.summary.Load()
		if sum == nil || !f.matches(sum, search) {
			continue
		}
		items = append(items, *sum)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch f.Sort {
		case SortOldest:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		case SortName:
			if a.Slug != b.Slug {
				return a.Slug < b.Slug
			}
		case SortPlayers:
			if a.ParticipantCount != b.ParticipantCount {
				return a.ParticipantCount > b.ParticipantCount
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	})

	page := common.Page[model.RoomSummary]{Total: len(items), Page: f.Page, PageSize: f.PageSize, Items: []model.RoomSummary{}}
	start := (f.Page - 1) * f.PageSize
	if start < len(items) {
		end := start + f.PageSize
		if end > len(items) {
			end = len(items)
		}
		page.Items = items[start:end]
	}
	return page
}

func (s *RoomService) GetRoom(_ context.Context, roomID string) (*model.RoomView, error) {
	e, err := s.a.lockRoom(roomID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	v := e.view()
	return &v, nil
}

func (s *RoomService) JoinRoom(ctx context.Context, userID, roomID, password string) (*model.RoomView, error) {
	user, err := s.a.deps.Ratings.GetRating(ctx, userID)
	if err != nil {
		return nil, common.Errorf("failed to look up user rating: %w", err)
	}

	e, err := s.a.lockRoom(roomID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	switch {
	case e.room.Status == model.RoomStatusFinished:
		return nil, common.ErrRoomClosed
	case e.room.Status != model.RoomStatusWaiting:
		return nil, common.ErrRoomNotJoinable
	case e.participant(userID) != nil:
		return nil, common.ErrAlreadyJoined
	case len(e.participants) >= model.RoomCapacity:
		return nil, common.ErrRoomFull
	case e.room.Visibility == model.VisibilityPrivate && !security.CheckPasswordHash(password, e.room.PasswordHash):
		return nil, common.ErrWrongPassword
	}

	p := model.Participant{
		RoomID:       roomID,
		UserID:       userID,
		Username:     user.Username,
		RatingAtJoin: user.Rating,
		JoinedAt:     s.a.deps.Clock.Now(),
	}
	if err := s.a.deps.Rooms.AddParticipant(ctx, p); err != nil {
		return nil, common.Errorf("failed to persist participant: %w", err)
	}
	e.participants = append(e.participants, &participantState{Participant: p})

	s.a.publishRoom(e, model.EventUserJoined, model.UserJoinedPayload{UserID: userID, Username: user.Username, Rating: user.Rating})
	s.a.publishGlobal(roomID, model.EventRoomUpdated, e.refreshSummary())

	v := e.view()
	return &v, nil
}

func (s *RoomService) LeaveRoom(ctx context.Context, userID, roomID string) error {
	e, err := s.a.lockRoom(roomID)
	if err != nil {
		return err
	}

	if e.room.Status == model.RoomStatusFinished {
		e.mu.Unlock()
		return common.ErrRoomClosed
	}
	p := e.participant(userID)
	if p == nil {
		e.mu.Unlock()
		return common.ErrTargetNotInRoom
	}

	if e.room.Status == model.RoomStatusStarted {
		// Players who leave a running match stay ranked.
		snap, err := s.a.leaveStarted(ctx, e, p)
		e.mu.Unlock()
		if err != nil {
			return err
		}
		s.a.completeSettlement(snap)
		return nil
	}
	defer e.mu.Unlock()

	if err := s.a.deps.Rooms.RemoveParticipant(ctx, roomID, userID); err != nil {
		return common.Errorf("failed to remove participant: %w", err)
	}
	e.removeParticipant(userID)
	s.a.publishRoom(e, model.EventUserLeft, model.UserLeftPayload{UserID: userID})

	if len(e.participants) == 0 {
		if err := s.a.deps.Rooms.DeleteRoom(ctx, roomID); err != nil {
			s.a.log.Warnw("failed to delete empty room", "room_id", roomID, "error", err)
		}
		s.a.remove(e)
		s.a.publishGlobal(roomID, model.EventRoomDeleted, nil)
		s.a.log.Infow("empty room discarded", "room_id", roomID)
		return nil
	}

	if e.room.IsHost(userID) {
		if err := s.a.deps.Rooms.UpdateHost(ctx, roomID, nil); err != nil {
			s.a.log.Warnw("failed to clear host", "room_id", roomID, "error", err)
		}
		e.room.HostID = nil
		s.a.publishRoom(e, model.EventHostChanged, model.HostChangedPayload{HostID: nil})
	}
	s.a.publishGlobal(roomID, model.EventRoomUpdated, e.refreshSummary())
	return nil
}

// leaveStarted marks a leaving player finished. Caller holds e.mu.
func (a *Arena) leaveStarted(ctx context.Context, e *roomEntry, p *participantState) (*settlementSnapshot, error) {
	wasHost := e.room.IsHost(p.UserID)
	if wasHost {
		if err := a.deps.Rooms.UpdateHost(ctx, e.room.ID, nil); err != nil {
			a.log.Warnw("failed to clear host", "room_id", e.room.ID, "error", err)
		}
		e.room.HostID = nil
	}
	a.publishRoom(e, model.EventUserLeft, model.UserLeftPayload{UserID: p.UserID})
	if wasHost {
		a.publishRoom(e, model.EventHostChanged, model.HostChangedPayload{HostID: nil})
	}
	if !p.Finished {
		if err := a.markFinished(ctx, e, p); err != nil {
			return nil, err
		}
	}
	a.publishGlobal(e.room.ID, model.EventRoomUpdated, e.refreshSummary())
	if e.allFinished() {
		return a.beginSettlement(ctx, e, model.TriggerAllFinished), nil
	}
	return nil, nil
}

func (s *RoomService) PassHost(ctx context.Context, hostID, roomID, newHostID string) error {
	e, err := s.a.lockRoom(roomID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	switch {
	case e.room.Status == model.RoomStatusFinished:
		return common.ErrRoomClosed
	case !e.room.IsHost(hostID):
		return common.ErrNotHost
	case e.participant(newHostID) == nil:
		return common.ErrTargetNotInRoom
	}

	if err := s.a.deps.Rooms.UpdateHost(ctx, roomID, &newHostID); err != nil {
		return common.Errorf("failed to persist host: %w", err)
	}
	e.room.HostID = &newHostID

	s.a.publishRoom(e, model.EventHostChanged, model.HostChangedPayload{HostID: &newHostID})
	s.a.publishGlobal(roomID, model.EventRoomUpdated, e.refreshSummary())
	return nil
}

func (s *RoomService) StartMatch(ctx context.Context, hostID, roomID string) (*model.MatchView, error) {
	e, err := s.a.lockRoom(roomID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	switch {
	case e.room.Status == model.RoomStatusFinished:
		return nil, common.ErrRoomClosed
	case !e.room.IsHost(hostID):
		return nil, common.ErrNotHost
	case e.room.Status != model.RoomStatusWaiting:
		return nil, common.ErrRoomNotJoinable
	case len(e.participants) < model.MinParticipantsToStart:
		return nil, common.ErrInsufficientParticipants
	}

	published, err := s.a.deps.Problems.ListPublishedProblemIDs(ctx)
	if err != nil {
		return nil, common.Errorf("failed to list problems: %w", err)
	}
	ids := pickProblems(roomID, published, s.a.cfg.ProblemCount)
	if len(ids) == 0 {
		return nil, fmt.Errorf("no published problems: %w", common.ErrServiceUnavailable)
	}
	problems, err := s.a.deps.Problems.FindProblemsByIDs(ctx, ids)
	if err != nil {
		return nil, common.Errorf("failed to load problems: %w", err)
	}

	now := s.a.deps.Clock.Now()
	if err := s.a.deps.Rooms.MarkStarted(ctx, roomID, now, ids); err != nil {
		return nil, common.Errorf("failed to persist match start: %w", err)
	}

	s.a.setStatus(e, model.RoomStatusStarted)
	e.room.StartedAt = &now
	e.room.ProblemIDs = ids
	e.match = &matchState{startedAt: now, deadline: e.room.Deadline(), problems: problems}
	for _, p := range e.participants {
		p.scores = make(map[string]*model.ProblemScore, len(ids))
	}
	e.deadline = s.a.deps.Clock.AfterFunc(e.room.Duration(), func() { s.a.onDeadline(roomID) })
	metrics.MatchesStarted.Inc()

	s.a.publishRoom(e, model.EventMatchStarted, model.MatchStartedPayload{
		StartedAt:       now,
		DurationMinutes: e.room.DurationMinutes,
		Deadline:        e.match.deadline,
		Problems:        problems,
	})
	s.a.publishGlobal(roomID, model.EventRoomUpdated, e.refreshSummary())

	s.a.log.Infow("match started", "room_id", roomID, "participants", len(e.participants), "deadline", e.match.deadline)
	return e.matchView(now), nil
}
