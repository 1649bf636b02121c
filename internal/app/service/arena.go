package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tle_arena/internal/app/broadcast"
	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/domain/repository"
	"tle_arena/internal/platform/clock"
	"tle_arena/internal/platform/config"
	"tle_arena/internal/platform/logger"
	"tle_arena/internal/platform/metrics"
)

type ArenaConfig struct {
	// InstanceID stamps the rooms this process owns. A restart with the same
	// id closes them; other instances leave them alone.
	InstanceID            string
	StaleMatchGrace       time.Duration
	StaleLobbyAge         time.Duration
	ProblemCount          int
	FinishedRoomRetention time.Duration
	GradingParallelism    int
	ProfileUpdateAttempts int
	ProfileUpdateBackoff  time.Duration
}

func ArenaConfigFromAppConfig() ArenaConfig {
	cfg := config.AppConfig
	return ArenaConfig{
		InstanceID:            cfg.InstanceID,
		StaleMatchGrace:       cfg.StaleMatchGrace,
		StaleLobbyAge:         cfg.StaleLobbyAge,
		ProblemCount:          cfg.MatchProblemCount,
		FinishedRoomRetention: cfg.FinishedRoomRetention,
		GradingParallelism:    cfg.JudgeParallelism,
		ProfileUpdateAttempts: cfg.ProfileUpdateAttempts,
		ProfileUpdateBackoff:  cfg.ProfileUpdateBackoff,
	}
}

// RetryQueue receives profile updates that kept failing during settlement.
type RetryQueue interface {
	Enqueue(ctx context.Context, job model.ProfileRetryJob) error
}

// SettlementGuard is a cross-process "first settler wins" check. Acquire
// reports false when another process already settled the room.
type SettlementGuard interface {
	Acquire(ctx context.Context, roomID string) (bool, error)
}

type Deps struct {
	Rooms       repository.RoomRepository
	Submissions repository.SubmissionRepository
	Problems    repository.ProblemRepository
	Ratings     repository.RatingDirectory
	Profiles    repository.ProfileUpdater
	Grader      Grader
	Publisher   broadcast.Publisher
	Clock       clock.Clock
	Guard       SettlementGuard // optional
	RetryQueue  RetryQueue      // optional
}

// Arena owns the authoritative in-memory room table. RoomService and
// MatchService are views over it.
type Arena struct {
	cfg  ArenaConfig
	deps Deps

	mu    sync.RWMutex // guards rooms map only
	rooms map[string]*roomEntry

	submitLocks keyedMutex
	bg          sync.WaitGroup
	log         *zap.SugaredLogger
}

func NewArena(cfg ArenaConfig, deps Deps) *Arena {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.StaleMatchGrace <= 0 {
		cfg.StaleMatchGrace = 5 * time.Minute
	}
	if cfg.StaleLobbyAge <= 0 {
		cfg.StaleLobbyAge = 24 * time.Hour
	}
	if cfg.ProblemCount <= 0 {
		cfg.ProblemCount = 5
	}
	if cfg.GradingParallelism <= 0 {
		cfg.GradingParallelism = 4
	}
	if cfg.ProfileUpdateAttempts <= 0 {
		cfg.ProfileUpdateAttempts = 1
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Publisher == nil {
		deps.Publisher = broadcast.Discard{}
	}
	return &Arena{
		cfg:   cfg,
		deps:  deps,
		rooms: make(map[string]*roomEntry),
		log:   logger.NewNamedLogger("arena"),
	}
}

type participantState struct {
	model.Participant
	scores       map[string]*model.ProblemScore
	total        int
	lastImproved time.Time
}

type matchState struct {
	startedAt time.Time
	deadline  time.Time
	problems  []model.Problem
}

func (m *matchState) hasProblem(id string) (model.Problem, bool) {
	for _, p := range m.problems {
		if p.ID == id {
			return p, true
		}
	}
	return model.Problem{}, false
}

type roomEntry struct {
	mu sync.Mutex

	room         model.Room
	participants []*participantState // join order
	match        *matchState
	settlement   *model.SettlementResult
	deadline     clock.Timer
	gone         bool // removed from the table; every operation sees "not found"

	summary atomic.Pointer[model.RoomSummary]
}

func (e *roomEntry) participant(userID string) *participantState {
	for _, p := range e.participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (e *roomEntry) removeParticipant(userID string) {
	for i, p := range e.participants {
		if p.UserID == userID {
			e.participants = append(e.participants[:i], e.participants[i+1:]...)
			return
		}
	}
}

func (e *roomEntry) allFinished() bool {
	for _, p := range e.participants {
		if !p.Finished {
			return false
		}
	}
	return len(e.participants) > 0
}

// refreshSummary republishes the list projection. Caller holds e.mu.
func (e *roomEntry) refreshSummary() *model.RoomSummary {
	r := e.room
	s := &model.RoomSummary{
		ID:               r.ID,
		Name:             r.Name,
		Slug:             r.Slug,
		DurationMinutes:  r.DurationMinutes,
		MinRating:        r.MinRating,
		MaxRating:        r.MaxRating,
		Visibility:       r.Visibility,
		HostID:           r.HostID,
		Status:           r.Status,
		ParticipantCount: len(e.participants),
		Capacity:         model.RoomCapacity,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
	}
	e.summary.Store(s)
	return s
}

func (e *roomEntry) view() model.RoomView {
	v := model.RoomView{Room: e.room, Participants: make([]model.Participant, 0, len(e.participants))}
	v.Room.ProblemIDs = append([]string(nil), e.room.ProblemIDs...)
	for _, p := range e.participants {
		v.Participants = append(v.Participants, p.Participant)
	}
	return v
}

// lockRoom finds a room and locks it. The caller must unlock.
func (a *Arena) lockRoom(roomID string) (*roomEntry, error) {
	a.mu.RLock()
	e, ok := a.rooms[roomID]
	a.mu.RUnlock()
	if !ok {
		return nil, common.ErrRoomNotFound
	}
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return nil, common.ErrRoomNotFound
	}
	return e, nil
}

func (a *Arena) insert(e *roomEntry) {
	a.mu.Lock()
	a.rooms[e.room.ID] = e
	a.mu.Unlock()
	metrics.ActiveRooms.WithLabelValues(string(e.room.Status)).Inc()
}

// remove drops a room from the table. Caller holds e.mu.
func (a *Arena) remove(e *roomEntry) {
	e.gone = true
	if e.deadline != nil {
		e.deadline.Stop()
	}
	a.mu.Lock()
	delete(a.rooms, e.room.ID)
	a.mu.Unlock()
	metrics.ActiveRooms.WithLabelValues(string(e.room.Status)).Dec()
}

// setStatus moves the room forward. Caller holds e.mu.
func (a *Arena) setStatus(e *roomEntry, next model.RoomStatus) bool {
	if !e.room.Status.CanTransitionTo(next) {
		return false
	}
	metrics.ActiveRooms.WithLabelValues(string(e.room.Status)).Dec()
	metrics.ActiveRooms.WithLabelValues(string(next)).Inc()
	e.room.Status = next
	return true
}

func (a *Arena) snapshotEntries() []*roomEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*roomEntry, 0, len(a.rooms))
	for _, e := range a.rooms {
		out = append(out, e)
	}
	return out
}

// publish never fails the calling operation; delivery problems are logged.
func (a *Arena) publish(ev model.Event) {
	if err := a.deps.Publisher.Publish(context.Background(), ev); err != nil {
		a.log.Warnw("event not delivered", "topic", ev.Topic, "type", ev.Type, "error", err)
	}
}

func (a *Arena) publishRoom(e *roomEntry, typ model.EventType, payload interface{}) {
	a.publish(model.NewRoomEvent(e.room.ID, typ, a.deps.Clock.Now(), payload))
}

func (a *Arena) publishGlobal(roomID string, typ model.EventType, payload interface{}) {
	a.publish(model.NewGlobalEvent(roomID, typ, a.deps.Clock.Now(), payload))
}

// Recover closes rooms whose live state is gone: the ones this instance owned
// before it restarted, plus matches and lobbies abandoned by instances that
// never came back. Rooms another live instance is running are left alone.
func (a *Arena) Recover(ctx context.Context) error {
	now := a.deps.Clock.Now()
	n, err := a.deps.Rooms.CloseStaleRooms(ctx, now, repository.StaleRoomFilter{
		OwnerID:        a.cfg.InstanceID,
		DeadlineBefore: now.Add(-a.cfg.StaleMatchGrace),
		CreatedBefore:  now.Add(-a.cfg.StaleLobbyAge),
	})
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Infow("closed abandoned rooms", "count", n)
	}
	return nil
}

// Wait blocks until background settlement work (profile updates) is done.
func (a *Arena) Wait() {
	a.bg.Wait()
}

// Close stops every pending timer and waits for background work.
func (a *Arena) Close() {
	for _, e := range a.snapshotEntries() {
		e.mu.Lock()
		if e.deadline != nil {
			e.deadline.Stop()
		}
		e.mu.Unlock()
	}
	a.bg.Wait()
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
