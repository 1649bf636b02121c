package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/domain/repository"
	"tle_arena/internal/platform/clock"
	"tle_arena/internal/platform/judge"
	"tle_arena/internal/platform/memstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeGrader accepts a test case when the source contains "<stdin>".
// Source "boom" fails the run. When gate is set every run waits on it.
type fakeGrader struct {
	gate chan struct{}
}

func (g *fakeGrader) Run(ctx context.Context, req judge.Request) (*judge.Result, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if req.SourceCode == "boom" {
		return nil, fmt.Errorf("judge gave up: %w", common.ErrGradingTimeout)
	}
	status := model.StatusWrongAnswer
	if strings.Contains(req.SourceCode, "<"+req.Stdin+">") {
		status = model.StatusAccepted
	}
	return &judge.Result{Status: status}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(typ model.EventType) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) types(topic string) []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EventType
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fakeRetryQueue struct {
	mu   sync.Mutex
	jobs []model.ProfileRetryJob
}

func (q *fakeRetryQueue) Enqueue(_ context.Context, job model.ProfileRetryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

// countingProfiles records every ApplyMatchResult call, including the ones
// the store would ignore as repeats.
type countingProfiles struct {
	next  repository.ProfileUpdater
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingProfiles) ApplyMatchResult(ctx context.Context, res model.MatchResult) (bool, error) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[res.UserID]++
	c.mu.Unlock()
	return c.next.ApplyMatchResult(ctx, res)
}

func (c *countingProfiles) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.calls))
	for k, v := range c.calls {
		out[k] = v
	}
	return out
}

type failingProfiles struct{}

func (failingProfiles) ApplyMatchResult(context.Context, model.MatchResult) (bool, error) {
	return false, errors.New("profile store down")
}

type harness struct {
	store  *memstore.Store
	clock  *clock.Fake
	events *recorder
	grader *fakeGrader
	arena  *Arena
	rooms  *RoomService
	match  *MatchService
}

func newHarness(t *testing.T, mutate ...func(*ArenaConfig, *Deps)) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		clock:  clock.NewFake(t0),
		events: &recorder{},
		grader: &fakeGrader{},
	}
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		h.store.PutUser(model.UserRating{UserID: u, Username: u, Rating: 1500})
	}
	h.store.PutProblem(model.Problem{ID: "p1", Title: "Sum", Slug: "sum", RuntimeLimitMs: 1000, MemoryLimitKb: 65536}, []model.TestCase{
		{ID: "t1", ProblemID: "p1", Input: "1", ExpectedOutput: "1", SortOrder: 1},
		{ID: "t2", ProblemID: "p1", Input: "2", ExpectedOutput: "2", SortOrder: 2},
		{ID: "t3", ProblemID: "p1", Input: "3", ExpectedOutput: "3", SortOrder: 3},
	})
	h.store.PutLanguage(model.Language{ID: "go", Name: "Go", Slug: "go", JudgeID: 60, IsActive: true})

	cfg := ArenaConfig{InstanceID: "node-a", ProblemCount: 3, GradingParallelism: 2, ProfileUpdateAttempts: 2}
	deps := Deps{
		Rooms:       h.store,
		Submissions: h.store,
		Problems:    h.store,
		Ratings:     h.store,
		Profiles:    h.store,
		Grader:      h.grader,
		Publisher:   h.events,
		Clock:       h.clock,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	h.arena = NewArena(cfg, deps)
	h.rooms = NewRoomService(h.arena)
	h.match = NewMatchService(h.arena)
	t.Cleanup(h.arena.Close)
	return h
}

// startedRoom creates a public 1-minute room hosted by the first user,
// joins the rest and starts the match.
func (h *harness) startedRoom(t *testing.T, users ...string) string {
	t.Helper()
	ctx := context.Background()
	v, err := h.rooms.CreateRoom(ctx, users[0], CreateRoomRequest{DurationMinutes: 1, MinRating: 1000, MaxRating: 2000})
	require.NoError(t, err)
	for _, u := range users[1:] {
		h.clock.Advance(time.Second)
		_, err := h.rooms.JoinRoom(ctx, u, v.Room.ID, "")
		require.NoError(t, err)
	}
	_, err = h.rooms.StartMatch(ctx, users[0], v.Room.ID)
	require.NoError(t, err)
	return v.Room.ID
}

func (h *harness) submit(t *testing.T, user, roomID, code string) *model.SubmitResult {
	t.Helper()
	res, err := h.match.Submit(context.Background(), user, roomID, SubmitRequest{ProblemID: "p1", Language: "go", Code: code})
	require.NoError(t, err)
	return res
}

func TestTimeoutSettlementRanksByEarliestImprovement(t *testing.T) {
	h := newHarness(t)
	roomID := h.startedRoom(t, "alice", "bob", "carol")

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 4, h.submit(t, "alice", roomID, "<1><2>").Total)
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 4, h.submit(t, "bob", roomID, "<2><3>").Total)

	h.clock.Advance(time.Minute)
	h.arena.Wait()

	settled := h.events.ofType(model.EventRoomSettled)
	require.Len(t, settled, 1)
	payload := settled[0].Payload.(model.RoomSettledPayload)
	assert.Equal(t, model.TriggerTimeout, payload.Trigger)
	require.Len(t, payload.Placements, 3)

	want := []struct {
		user   string
		score  int
		change int
		exp    int
		streak int
	}{
		{"alice", 4, 32, 24, 1},
		{"bob", 4, 0, 14, 0},
		{"carol", 0, -16, 0, 0},
	}
	for i, w := range want {
		pl := payload.Placements[i]
		assert.Equal(t, w.user, pl.UserID)
		assert.Equal(t, i+1, pl.Placement)
		assert.Equal(t, w.score, pl.Score)
		assert.Equal(t, w.change, pl.RatingChange, w.user)
		assert.Equal(t, w.exp, pl.ExpEarned, w.user)
		assert.Equal(t, w.streak, pl.WinStreakAfter, w.user)
	}

	// carol never finished by hand, settlement does it for her
	finished := h.events.ofType(model.EventMatchFinished)
	assert.Len(t, finished, 3)

	apps := h.store.Applications(roomID)
	require.Len(t, apps, 3)
	assert.Equal(t, model.StreakIncrement, apps[0].Streak)
	alice, err := h.store.GetRating(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1532, alice.Rating)
	assert.Equal(t, 1, alice.WinStreak)
	assert.Equal(t, 24, alice.Points)

	room, _, ok := h.store.Room(roomID)
	require.True(t, ok)
	assert.Equal(t, model.RoomStatusFinished, room.Status)
}

func TestRoomEventsInCommitOrder(t *testing.T) {
	h := newHarness(t)
	roomID := h.startedRoom(t, "alice", "bob")
	h.submit(t, "alice", roomID, "<1>")
	require.NoError(t, h.match.Finish(context.Background(), "alice", roomID))
	require.NoError(t, h.match.Finish(context.Background(), "bob", roomID))
	h.arena.Wait()

	assert.Equal(t, []model.EventType{
		model.EventUserJoined,
		model.EventMatchStarted,
		model.EventSubmissionJudged,
		model.EventScoreUpdated,
		model.EventMatchFinished,
		model.EventMatchFinished,
		model.EventRoomSettled,
	}, h.events.types(model.RoomTopic(roomID)))
}

func TestJoinPrivateRoomWithWrongPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.rooms.CreateRoom(ctx, "alice", CreateRoomRequest{
		DurationMinutes: 30, MinRating: 0, MaxRating: 3000,
		Visibility: model.VisibilityPrivate, Password: "hunter2",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, v.Room.PasswordHash)

	_, err = h.rooms.JoinRoom(ctx, "bob", v.Room.ID, "hunter3")
	assert.ErrorIs(t, err, common.ErrWrongPassword)

	joined, err := h.rooms.JoinRoom(ctx, "bob", v.Room.ID, "hunter2")
	require.NoError(t, err)
	assert.Len(t, joined.Participants, 2)
}

func TestHostlessRoomCannotBeStarted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.rooms.CreateRoom(ctx, "alice", CreateRoomRequest{DurationMinutes: 10, MaxRating: 3000})
	require.NoError(t, err)
	roomID := v.Room.ID
	for _, u := range []string{"bob", "carol"} {
		_, err := h.rooms.JoinRoom(ctx, u, roomID, "")
		require.NoError(t, err)
	}

	require.NoError(t, h.rooms.LeaveRoom(ctx, "alice", roomID))
	room, err := h.rooms.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, room.Room.HostID)

	_, err = h.rooms.StartMatch(ctx, "bob", roomID)
	assert.ErrorIs(t, err, common.ErrNotHost)
}

func TestStartNeedsTwoPlayers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.rooms.CreateRoom(ctx, "alice", CreateRoomRequest{DurationMinutes: 10, MaxRating: 3000})
	require.NoError(t, err)

	_, err = h.rooms.StartMatch(ctx, "alice", v.Room.ID)
	assert.ErrorIs(t, err, common.ErrInsufficientParticipants)
}

func TestLastPlayerLeavingDeletesRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.rooms.CreateRoom(ctx, "alice", CreateRoomRequest{DurationMinutes: 10, MaxRating: 3000})
	require.NoError(t, err)

	require.NoError(t, h.rooms.LeaveRoom(ctx, "alice", v.Room.ID))
	_, err = h.rooms.GetRoom(ctx, v.Room.ID)
	assert.ErrorIs(t, err, common.ErrRoomNotFound)
	assert.Len(t, h.events.ofType(model.EventRoomDeleted), 1)
}

func TestJoinRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.startedRoom(t, "alice", "bob")

	_, err := h.rooms.JoinRoom(ctx, "carol", roomID, "")
	assert.ErrorIs(t, err, common.ErrRoomNotJoinable)

	_, err = h.rooms.JoinRoom(ctx, "carol", "missing", "")
	assert.ErrorIs(t, err, common.ErrRoomNotFound)

	v, err := h.rooms.CreateRoom(ctx, "carol", CreateRoomRequest{DurationMinutes: 10, MaxRating: 3000})
	require.NoError(t, err)
	_, err = h.rooms.JoinRoom(ctx, "carol", v.Room.ID, "")
	assert.ErrorIs(t, err, common.ErrAlreadyJoined)
}

func TestRoomIsFullAtCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	for _, u := range users {
		h.store.PutUser(model.UserRating{UserID: u, Username: u, Rating: 1200})
	}
	v, err := h.rooms.CreateRoom(ctx, users[0], CreateRoomRequest{DurationMinutes: 10, MaxRating: 3000})
	require.NoError(t, err)
	for _, u := range users[1:model.RoomCapacity] {
		_, err := h.rooms.JoinRoom(ctx, u, v.Room.ID, "")
		require.NoError(t, err)
	}
	_, err = h.rooms.JoinRoom(ctx, users[model.RoomCapacity], v.Room.ID, "")
	assert.ErrorIs(t, err, common.ErrRoomFull)
}

func TestFinishVersusTimeoutSettlesOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		profiles := &countingProfiles{}
		h := newHarness(t, func(_ *ArenaConfig, deps *Deps) {
			profiles.next = deps.Profiles
			deps.Profiles = profiles
		})
		roomID := h.startedRoom(t, "alice", "bob", "carol")
		ctx := context.Background()
		require.NoError(t, h.match.Finish(ctx, "alice", roomID))
		require.NoError(t, h.match.Finish(ctx, "bob", roomID))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			// losing to the timer means carol was already finished by settlement
			err := h.match.Finish(ctx, "carol", roomID)
			if err != nil {
				assert.True(t, errors.Is(err, common.ErrAlreadyFinished) || errors.Is(err, common.ErrMatchNotActive), err)
			}
		}()
		go func() {
			defer wg.Done()
			h.clock.Advance(time.Minute)
		}()
		wg.Wait()
		h.arena.Wait()

		settled := h.events.ofType(model.EventRoomSettled)
		require.Len(t, settled, 1, "iteration %d", i)
		assert.Len(t, h.store.Applications(roomID), 3)
		assert.Equal(t, map[string]int{"alice": 1, "bob": 1, "carol": 1}, profiles.snapshot(), "iteration %d", i)

		placements := settled[0].Payload.(model.RoomSettledPayload).Placements
		seen := map[int]bool{}
		for _, pl := range placements {
			seen[pl.Placement] = true
		}
		assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, seen)
	}
}

func TestSubmitKeepsBestScore(t *testing.T) {
	h := newHarness(t)
	roomID := h.startedRoom(t, "alice", "bob")

	first := h.submit(t, "alice", roomID, "<1><2><3>")
	assert.True(t, first.Improved)
	assert.Equal(t, 6, first.Total)
	assert.Equal(t, model.StatusAccepted, first.Submission.Status)

	second := h.submit(t, "alice", roomID, "<1>")
	assert.False(t, second.Improved)
	assert.Equal(t, 6, second.Total)
	assert.Equal(t, model.StatusWrongAnswer, second.Submission.Status)
	assert.Equal(t, 2, second.Submission.Score)

	view, err := h.match.FetchMatch(context.Background(), "alice", roomID)
	require.NoError(t, err)
	require.Len(t, view.Submissions, 2)
	assert.Empty(t, view.Submissions[0].Code)
	require.NotEmpty(t, view.Scoreboard)
	assert.Equal(t, "alice", view.Scoreboard[0].UserID)
	assert.Equal(t, 6, view.Scoreboard[0].Problems["p1"].Best)
	assert.Equal(t, 2, view.Scoreboard[0].Problems["p1"].Attempts)
	assert.Equal(t, t0.Add(time.Second).Add(time.Minute), view.Deadline)
}

func TestConcurrentSubmissionsKeepHighestScore(t *testing.T) {
	h := newHarness(t)
	roomID := h.startedRoom(t, "alice", "bob")
	h.grader.gate = make(chan struct{})

	var wg sync.WaitGroup
	for _, code := range []string{"<1>", "<1><2><3>"} {
		code := code
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.match.Submit(context.Background(), "alice", roomID, SubmitRequest{ProblemID: "p1", Language: "go", Code: code})
			assert.NoError(t, err)
		}()
	}

	// both submissions queue on the same (room, user, problem) lock
	require.Eventually(t, func() bool {
		h.arena.submitLocks.mu.Lock()
		defer h.arena.submitLocks.mu.Unlock()
		m := h.arena.submitLocks.locks[roomID+"/alice/p1"]
		return m != nil && m.refs == 2
	}, time.Second, time.Millisecond)
	close(h.grader.gate)
	wg.Wait()

	view, err := h.match.FetchMatch(context.Background(), "alice", roomID)
	require.NoError(t, err)
	require.NotEmpty(t, view.Scoreboard)
	top := view.Scoreboard[0]
	assert.Equal(t, "alice", top.UserID)
	assert.Equal(t, 6, top.Total)
	assert.Equal(t, 6, top.Problems["p1"].Best)
	assert.Equal(t, 2, top.Problems["p1"].Attempts)
	assert.Len(t, view.Submissions, 2)
}

func TestSubmitRejections(t *testing.T) {
	h := newHarness(t)
	roomID := h.startedRoom(t, "alice", "bob")
	ctx := context.Background()

	_, err := h.match.Submit(ctx, "carol", roomID, SubmitRequest{ProblemID: "p1", Language: "go", Code: "x"})
	assert.ErrorIs(t, err, common.ErrTargetNotInRoom)

	_, err = h.match.Submit(ctx, "alice", roomID, SubmitRequest{ProblemID: "p9", Language: "go", Code: "x"})
	assert.ErrorIs(t, err, common.ErrInvalidParameters)

	_, err = h.match.Submit(ctx, "alice", roomID, SubmitRequest{ProblemID: "p1", Language: "cobol", Code: "x"})
	assert.ErrorIs(t, err, common.ErrInvalidParameters)

	require.NoError(t, h.match.Finish(ctx, "alice", roomID))
	_, err = h.match.Submit(ctx, "alice", roomID, SubmitRequest{ProblemID: "p1", Language: "go", Code: "x"})
	assert.ErrorIs(t, err, common.ErrAlreadyFinished)

	assert.ErrorIs(t, h.match.Finish(ctx, "alice", roomID), common.ErrAlreadyFinished)

	h.clock.Advance(time.Minute)
	_, err = h.match.Submit(ctx, "bob", roomID, SubmitRequest{ProblemID: "p1", Language: "go", Code: "x"})
	assert.ErrorIs(t, err, common.ErrMatchNotActive)
}

func TestGradingFailureIsRecordedNotApplied(t *testing.T) {
	h := newHarness(t)
	roomID := h.startedRoom(t, "alice", "bob")

	res, err := h.match.Submit(context.Background(), "alice", roomID, SubmitRequest{ProblemID: "p1", Language: "go", Code: "boom"})
	assert.ErrorIs(t, err, common.ErrGradingTimeout)
	require.NotNil(t, res)
	assert.Equal(t, model.StatusGradingTimeout, res.Submission.Status)
	assert.False(t, res.Submission.Applied)
	assert.Zero(t, res.Total)

	subs, err := h.store.ListByRoomUser(context.Background(), roomID, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.StatusGradingTimeout, subs[0].Status)
	assert.False(t, subs[0].Applied)
	assert.Empty(t, h.events.ofType(model.EventScoreUpdated))
}

func TestResultAfterSettlementIsDiscarded(t *testing.T) {
	h := newHarness(t)
	roomID := h.startedRoom(t, "alice", "bob")
	h.grader.gate = make(chan struct{})

	type outcome struct {
		res *model.SubmitResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.match.Submit(context.Background(), "alice", roomID, SubmitRequest{ProblemID: "p1", Language: "go", Code: "<1><2><3>"})
		done <- outcome{res, err}
	}()

	// let the submission get past its checks before time runs out
	require.Eventually(t, func() bool {
		h.arena.submitLocks.mu.Lock()
		defer h.arena.submitLocks.mu.Unlock()
		return len(h.arena.submitLocks.locks) == 1
	}, time.Second, time.Millisecond)
	h.clock.Advance(time.Minute)
	close(h.grader.gate)

	out := <-done
	require.NoError(t, out.err)
	assert.False(t, out.res.Submission.Applied)
	assert.Equal(t, 6, out.res.Submission.Score)
	assert.Empty(t, h.events.ofType(model.EventSubmissionJudged))

	h.arena.Wait()
	settled := h.events.ofType(model.EventRoomSettled)
	require.Len(t, settled, 1)
	for _, pl := range settled[0].Payload.(model.RoomSettledPayload).Placements {
		assert.Zero(t, pl.Score)
	}
}

func TestLeavingRunningMatchKeepsPlayerRanked(t *testing.T) {
	h := newHarness(t)
	roomID := h.startedRoom(t, "alice", "bob")
	ctx := context.Background()

	h.submit(t, "alice", roomID, "<1>")
	require.NoError(t, h.rooms.LeaveRoom(ctx, "alice", roomID))
	require.NoError(t, h.match.Finish(ctx, "bob", roomID))
	h.arena.Wait()

	settled := h.events.ofType(model.EventRoomSettled)
	require.Len(t, settled, 1)
	payload := settled[0].Payload.(model.RoomSettledPayload)
	assert.Equal(t, model.TriggerAllFinished, payload.Trigger)
	assert.Equal(t, "alice", payload.Placements[0].UserID)
	assert.Len(t, h.events.ofType(model.EventHostChanged), 1)
}

func TestSettledRoomIsEvictedAndStillFetchable(t *testing.T) {
	h := newHarness(t, func(cfg *ArenaConfig, _ *Deps) {
		cfg.FinishedRoomRetention = 5 * time.Minute
	})
	roomID := h.startedRoom(t, "alice", "bob")
	h.clock.Advance(time.Minute)
	h.arena.Wait()

	h.clock.Advance(5 * time.Minute)
	_, err := h.rooms.GetRoom(context.Background(), roomID)
	assert.ErrorIs(t, err, common.ErrRoomNotFound)

	view, err := h.match.FetchMatch(context.Background(), "alice", roomID)
	require.NoError(t, err)
	assert.Equal(t, model.RoomStatusFinished, view.Status)
	require.NotNil(t, view.Settlement)
	assert.Len(t, view.Settlement.Placements, 2)
}

func TestFailedProfileUpdateIsQueued(t *testing.T) {
	q := &fakeRetryQueue{}
	h := newHarness(t, func(_ *ArenaConfig, deps *Deps) {
		deps.Profiles = failingProfiles{}
		deps.RetryQueue = q
	})
	roomID := h.startedRoom(t, "alice", "bob")
	h.clock.Advance(time.Minute)
	h.arena.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.jobs, 2)
	for _, job := range q.jobs {
		assert.Equal(t, roomID, job.Result.RoomID)
		assert.Equal(t, 2, job.Attempts)
		assert.Contains(t, job.LastErr, "profile store down")
	}
}

type denyGuard struct{}

func (denyGuard) Acquire(context.Context, string) (bool, error) { return false, nil }

func TestGuardDeniesSettlement(t *testing.T) {
	h := newHarness(t, func(cfg *ArenaConfig, deps *Deps) {
		deps.Guard = denyGuard{}
		cfg.FinishedRoomRetention = 5 * time.Minute
	})
	ctx := context.Background()
	roomID := h.startedRoom(t, "alice", "bob")

	// the instance that won the guard has already stored its result
	stored := model.SettlementResult{
		RoomID:    roomID,
		Trigger:   model.TriggerTimeout,
		SettledAt: t0.Add(time.Minute),
		Placements: []model.Placement{
			{UserID: "bob", Username: "bob", Placement: 1},
			{UserID: "alice", Username: "alice", Placement: 2},
		},
	}
	require.NoError(t, h.store.SaveSettlement(ctx, stored))

	h.clock.Advance(time.Minute)
	h.arena.Wait()

	assert.Empty(t, h.events.ofType(model.EventRoomSettled))
	assert.Empty(t, h.store.Applications(roomID))
	room, err := h.rooms.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, model.RoomStatusFinished, room.Room.Status)

	view, err := h.match.FetchMatch(ctx, "alice", roomID)
	require.NoError(t, err)
	require.NotNil(t, view.Settlement)
	assert.Equal(t, "bob", view.Settlement.Placements[0].UserID)

	h.clock.Advance(5 * time.Minute)
	_, err = h.rooms.GetRoom(ctx, roomID)
	assert.ErrorIs(t, err, common.ErrRoomNotFound)

	view, err = h.match.FetchMatch(ctx, "alice", roomID)
	require.NoError(t, err)
	require.NotNil(t, view.Settlement)
	assert.Len(t, view.Settlement.Placements, 2)
}

func TestListRoomsFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	name := "Friday Night Arena"
	_, err := h.rooms.CreateRoom(ctx, "alice", CreateRoomRequest{Name: &name, DurationMinutes: 10, MinRating: 1000, MaxRating: 1600})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.rooms.CreateRoom(ctx, "bob", CreateRoomRequest{DurationMinutes: 10, MinRating: 2000, MaxRating: 2400})
	require.NoError(t, err)

	all := h.rooms.ListRooms(ctx, RoomFilter{})
	assert.Equal(t, 2, all.Total)
	require.NotNil(t, all.Items[0].HostID)
	assert.Equal(t, "bob", *all.Items[0].HostID) // newest first

	rating := 1500
	byRating := h.rooms.ListRooms(ctx, RoomFilter{Rating: &rating})
	require.Equal(t, 1, byRating.Total)
	assert.Equal(t, 1, byRating.Items[0].ParticipantCount)

	bySearch := h.rooms.ListRooms(ctx, RoomFilter{Search: "night"})
	assert.Equal(t, 1, bySearch.Total)

	paged := h.rooms.ListRooms(ctx, RoomFilter{Page: 2, PageSize: 1})
	assert.Len(t, paged.Items, 1)
}

func TestRecoverClosesRoomsOfRestartedInstance(t *testing.T) {
	h := newHarness(t)
	roomID := h.startedRoom(t, "alice", "bob")

	restarted := NewArena(ArenaConfig{InstanceID: "node-a"}, Deps{Rooms: h.store, Clock: h.clock})
	require.NoError(t, restarted.Recover(context.Background()))

	room, _, ok := h.store.Room(roomID)
	require.True(t, ok)
	assert.True(t, room.Abandoned)
	assert.Equal(t, model.RoomStatusFinished, room.Status)
}

func TestRecoverOnPeerLeavesRunningMatchAlone(t *testing.T) {
	h := newHarness(t)
	roomID := h.startedRoom(t, "alice", "bob")
	h.submit(t, "alice", roomID, "<1>")

	peer := NewArena(ArenaConfig{InstanceID: "node-b"}, Deps{Rooms: h.store, Clock: h.clock})
	require.NoError(t, peer.Recover(context.Background()))

	room, _, ok := h.store.Room(roomID)
	require.True(t, ok)
	assert.False(t, room.Abandoned)
	assert.Equal(t, model.RoomStatusStarted, room.Status)

	h.clock.Advance(time.Minute)
	h.arena.Wait()

	settled := h.events.ofType(model.EventRoomSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, "alice", settled[0].Payload.(model.RoomSettledPayload).Placements[0].UserID)
	assert.Len(t, h.store.Applications(roomID), 2)
}

func TestRecoverOnPeerClosesOverdueOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	startedAt := t0.Add(-time.Hour)
	orphan := &model.Room{ID: "orphan", DurationMinutes: 10, Status: model.RoomStatusWaiting, OwnerID: "node-gone", CreatedAt: startedAt}
	require.NoError(t, h.store.CreateRoom(ctx, orphan, model.Participant{RoomID: "orphan", UserID: "alice", JoinedAt: startedAt}))
	require.NoError(t, h.store.MarkStarted(ctx, "orphan", startedAt, []string{"p1"}))

	peer := NewArena(ArenaConfig{InstanceID: "node-b"}, Deps{Rooms: h.store, Clock: h.clock})
	require.NoError(t, peer.Recover(ctx))

	room, _, ok := h.store.Room("orphan")
	require.True(t, ok)
	assert.True(t, room.Abandoned)
	assert.Equal(t, model.RoomStatusFinished, room.Status)
}
