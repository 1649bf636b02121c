package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/platform/metrics"
)

type MatchService struct {
	a *Arena
}

func NewMatchService(a *Arena) *MatchService {
	return &MatchService{a: a}
}

type SubmitRequest struct {
	ProblemID string `json:"problem_id"`
	Language  string `json:"language"` // language slug
	Code      string `json:"code"`
}

const maxSourceBytes = 64 * 1024

// Submit grades a solution and applies it to the scoreboard. Grading runs
// without the room lock; only applying the score takes it. When grading
// fails the recorded submission comes back together with the error.
func (s *MatchService) Submit(ctx context.Context, userID, roomID string, req SubmitRequest) (*model.SubmitResult, error) {
	if req.ProblemID == "" || req.Language == "" || req.Code == "" {
		return nil, fmt.Errorf("problem, language and code are required: %w", common.ErrInvalidParameters)
	}
	if len(req.Code) > maxSourceBytes {
		return nil, fmt.Errorf("source exceeds %d bytes: %w", maxSourceBytes, common.ErrInvalidParameters)
	}

	problem, err := s.a.checkCanSubmit(roomID, userID, req.ProblemID)
	if err != nil {
		return nil, err
	}

	lang, err := s.a.deps.Problems.GetLanguageBySlug(ctx, req.Language)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("unknown language %q: %w", req.Language, common.ErrInvalidParameters)
		}
		return nil, common.Errorf("failed to look up language: %w", err)
	}

	unlock := s.a.submitLocks.Lock(roomID + "/" + userID + "/" + req.ProblemID)
	defer unlock()

	// A disconnecting client must not cancel grading.
	gradeCtx := context.WithoutCancel(ctx)

	sub := &model.Submission{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		UserID:      userID,
		ProblemID:   req.ProblemID,
		Language:    lang.Slug,
		Code:        req.Code,
		Status:      model.StatusPending,
		SubmittedAt: s.a.deps.Clock.Now(),
	}

	gradeErr := s.a.grade(gradeCtx, sub, problem, *lang)
	sub.JudgedAt = s.a.deps.Clock.Now()
	metrics.Submissions.WithLabelValues(string(sub.Status)).Inc()

	result, err := s.a.applySubmission(gradeCtx, sub, gradeErr == nil)
	if err != nil {
		return nil, err
	}
	if gradeErr != nil {
		return result, fmt.Errorf("submission %s: %w", sub.ID, gradeErr)
	}
	return result, nil
}

// checkCanSubmit validates a submission against the live match.
func (a *Arena) checkCanSubmit(roomID, userID, problemID string) (model.Problem, error) {
	e, err := a.lockRoom(roomID)
	if err != nil {
		return model.Problem{}, err
	}
	defer e.mu.Unlock()

	if e.room.Status != model.RoomStatusStarted || !a.deps.Clock.Now().Before(e.match.deadline) {
		return model.Problem{}, common.ErrMatchNotActive
	}
	p := e.participant(userID)
	if p == nil {
		return model.Problem{}, common.ErrTargetNotInRoom
	}
	if p.Finished {
		return model.Problem{}, common.ErrAlreadyFinished
	}
	problem, ok := e.match.hasProblem(problemID)
	if !ok {
		return model.Problem{}, fmt.Errorf("problem %s is not part of this match: %w", problemID, common.ErrInvalidParameters)
	}
	return problem, nil
}

// applySubmission records a graded submission and, while the match is still
// running, raises the player's best score for the problem.
func (a *Arena) applySubmission(ctx context.Context, sub *model.Submission, graded bool) (*model.SubmitResult, error) {
	e, err := a.lockRoom(sub.RoomID)
	if err != nil {
		// the room is gone, keep the record anyway
		if perr := a.deps.Submissions.CreateSubmission(ctx, sub); perr != nil {
			a.log.Errorw("failed to persist late submission", "submission_id", sub.ID, "error", perr)
		}
		return &model.SubmitResult{Submission: *sub}, nil
	}
	defer e.mu.Unlock()

	active := e.room.Status == model.RoomStatusStarted && sub.JudgedAt.Before(e.match.deadline)
	p := e.participant(sub.UserID)
	if p == nil {
		active = false
	}

	result := &model.SubmitResult{}
	if active {
		p.SubmissionCount++
		sub.Applied = graded
		result.Total = p.total
	}
	if active && graded {
		best := p.scores[sub.ProblemID]
		if best == nil {
			best = &model.ProblemScore{ProblemID: sub.ProblemID}
			p.scores[sub.ProblemID] = best
		}
		best.Attempts++
		if sub.Score > best.Best {
			p.total += sub.Score - best.Best
			best.Best = sub.Score
			best.ImprovedAt = sub.JudgedAt
			p.lastImproved = sub.JudgedAt
			result.Improved = true
		}
		result.Total = p.total
	}

	if err := a.deps.Submissions.CreateSubmission(ctx, sub); err != nil {
		a.log.Errorw("failed to persist submission", "submission_id", sub.ID, "room_id", sub.RoomID, "error", err)
	}
	result.Submission = *sub

	if sub.Applied {
		a.publishRoom(e, model.EventSubmissionJudged, model.SubmissionJudgedPayload{
			UserID:       sub.UserID,
			ProblemID:    sub.ProblemID,
			SubmissionID: sub.ID,
			Status:       sub.Status,
			Score:        sub.Score,
		})
		a.publishRoom(e, model.EventScoreUpdated, model.ScoreUpdatedPayload{
			UserID:    sub.UserID,
			ProblemID: sub.ProblemID,
			NewTotal:  p.total,
		})
	}
	return result, nil
}

func (s *MatchService) Finish(ctx context.Context, userID, roomID string) error {
	e, err := s.a.lockRoom(roomID)
	if err != nil {
		return err
	}

	p := e.participant(userID)
	switch {
	case p == nil:
		e.mu.Unlock()
		return common.ErrTargetNotInRoom
	case p.Finished:
		e.mu.Unlock()
		return common.ErrAlreadyFinished
	case e.room.Status != model.RoomStatusStarted:
		e.mu.Unlock()
		return common.ErrMatchNotActive
	}

	if err := s.a.markFinished(ctx, e, p); err != nil {
		e.mu.Unlock()
		return err
	}
	var snap *settlementSnapshot
	if e.allFinished() {
		snap = s.a.beginSettlement(ctx, e, model.TriggerAllFinished)
	}
	e.mu.Unlock()

	s.a.completeSettlement(snap)
	return nil
}

// markFinished records a player's individual completion. Caller holds e.mu.
func (a *Arena) markFinished(ctx context.Context, e *roomEntry, p *participantState) error {
	now := a.deps.Clock.Now()
	if err := a.deps.Rooms.MarkParticipantFinished(ctx, e.room.ID, p.UserID, now); err != nil {
		return common.Errorf("failed to persist finish: %w", err)
	}
	p.Finished = true
	p.FinishedAt = &now
	a.publishRoom(e, model.EventMatchFinished, model.MatchFinishedPayload{UserID: p.UserID})
	return nil
}

// FetchMatch returns the match as the caller should see it on (re)load.
func (s *MatchService) FetchMatch(ctx context.Context, userID, roomID string) (*model.MatchView, error) {
	e, err := s.a.lockRoom(roomID)
	if errors.Is(err, common.ErrRoomNotFound) {
		// settled rooms are evicted from memory after a while
		settlement, serr := s.a.deps.Rooms.GetSettlement(ctx, roomID)
		if serr != nil {
			return nil, err
		}
		return &model.MatchView{RoomID: roomID, Status: model.RoomStatusFinished, Settlement: settlement, ServerTime: s.a.deps.Clock.Now()}, nil
	}
	if err != nil {
		return nil, err
	}

	if e.participant(userID) == nil {
		e.mu.Unlock()
		return nil, common.ErrTargetNotInRoom
	}
	if e.match == nil {
		e.mu.Unlock()
		return nil, common.ErrMatchNotActive
	}
	view := e.matchView(s.a.deps.Clock.Now())
	e.mu.Unlock()

	subs, err := s.a.deps.Submissions.ListByRoomUser(ctx, roomID, userID)
	if err != nil {
		return nil, common.Errorf("failed to load submissions: %w", err)
	}
	for i := range subs {
		subs[i].Code = ""
		subs[i].Verdicts = nil
	}
	view.Submissions = subs
	return view, nil
}

// matchView builds the shared part of a match view. Caller holds e.mu.
func (e *roomEntry) matchView(now time.Time) *model.MatchView {
	v := &model.MatchView{
		RoomID:          e.room.ID,
		Status:          e.room.Status,
		StartedAt:       e.match.startedAt,
		DurationMinutes: e.room.DurationMinutes,
		Deadline:        e.match.deadline,
		ServerTime:      now,
		Problems:        append([]model.Problem(nil), e.match.problems...),
		Scoreboard:      e.scoreboard(),
		Submissions:     []model.Submission{},
		Settlement:      e.settlement,
	}
	return v
}

func (e *roomEntry) scoreboard() []model.ScoreboardEntry {
	board := make([]model.ScoreboardEntry, 0, len(e.participants))
	for _, p := range e.participants {
		entry := model.ScoreboardEntry{
			UserID:   p.UserID,
			Username: p.Username,
			Total:    p.total,
			Finished: p.Finished,
			Problems: make(map[string]model.ProblemScore, len(p.scores)),
		}
		if !p.lastImproved.IsZero() {
			t := p.lastImproved
			entry.LastImprovedAt = &t
		}
		for id, sc := range p.scores {
			entry.Problems[id] = *sc
		}
		board = append(board, entry)
	}
	sort.SliceStable(board, func(i, j int) bool { return board[i].Total > board[j].Total })
	return board
}

// onDeadline is the match timer callback.
func (a *Arena) onDeadline(roomID string) {
	e, err := a.lockRoom(roomID)
	if err != nil {
		return
	}
	snap := a.beginSettlement(context.Background(), e, model.TriggerTimeout)
	e.mu.Unlock()
	a.completeSettlement(snap)
}
