package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/platform/judge"
	"tle_arena/internal/platform/metrics"
)

// Grader runs one test case. *judge.Client satisfies it.
type Grader interface {
	Run(ctx context.Context, req judge.Request) (*judge.Result, error)
}

// grade runs every hidden test case of the problem and fills in the
// submission's verdicts, status and score. On failure the submission is left
// with SystemError or GradingTimeout and a zero score.
func (a *Arena) grade(ctx context.Context, sub *model.Submission, problem model.Problem, lang model.Language) error {
	start := time.Now()
	defer metrics.ObserveGrading(start)

	cases, err := a.deps.Problems.GetTestCasesByProblemID(ctx, problem.ID)
	if err != nil || len(cases) == 0 {
		sub.Status = model.StatusSystemError
		if err == nil {
			err = fmt.Errorf("problem %s has no test cases", problem.ID)
		}
		return fmt.Errorf("grading unavailable: %v: %w", err, common.ErrGradingTimeout)
	}
	sub.TestCaseCount = len(cases)

	verdicts := make([]model.TestCaseVerdict, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.GradingParallelism)
	for i, tc := range cases {
		i, tc := i, tc
		g.Go(func() error {
			res, err := a.deps.Grader.Run(gctx, judge.Request{
				SourceCode:     sub.Code,
				LanguageID:     lang.JudgeID,
				Stdin:          tc.Input,
				ExpectedOutput: tc.ExpectedOutput,
				TimeLimitMs:    problem.RuntimeLimitMs,
				MemoryLimitKb:  problem.MemoryLimitKb,
			})
			if err != nil {
				return fmt.Errorf("test case %s: %w", tc.ID, err)
			}
			verdicts[i] = model.TestCaseVerdict{
				TestCaseID:      tc.ID,
				Status:          res.Status,
				Stdout:          res.Stdout,
				Stderr:          res.Stderr,
				ExecutionTimeMs: res.TimeMs,
				MemoryKb:        res.MemoryKb,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Warnw("grading failed", "submission_id", sub.ID, "problem_id", problem.ID, "error", err)
		if errors.Is(err, common.ErrGradingTimeout) || errors.Is(err, context.DeadlineExceeded) {
			sub.Status = model.StatusGradingTimeout
		} else {
			sub.Status = model.StatusSystemError
		}
		if !errors.Is(err, common.ErrGradingTimeout) {
			err = fmt.Errorf("%v: %w", err, common.ErrGradingTimeout)
		}
		return err
	}

	sub.Verdicts = verdicts
	sub.Status = model.AggregateStatus(verdicts)
	sub.Score, sub.PassedCount = model.ScoreVerdicts(verdicts)
	sub.ExecutionTimeMs, sub.MemoryKb = peakUsage(verdicts)
	return nil
}

func peakUsage(verdicts []model.TestCaseVerdict) (timeMs, memKb *int) {
	for _, v := range verdicts {
		if v.ExecutionTimeMs != nil && (timeMs == nil || *v.ExecutionTimeMs > *timeMs) {
			t := *v.ExecutionTimeMs
			timeMs = &t
		}
		if v.MemoryKb != nil && (memKb == nil || *v.MemoryKb > *memKb) {
			m := *v.MemoryKb
			memKb = &m
		}
	}
	return timeMs, memKb
}
