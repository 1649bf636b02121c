package repository

import (
	"context"
	"database/sql"
	"fmt"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
)

type SubmissionRepository interface {
	// CreateSubmission stores the submission and its per-test-case verdicts.
	CreateSubmission(ctx context.Context, sub *model.Submission) error
	ListByRoomUser(ctx context.Context, roomID, userID string) ([]model.Submission, error)
}

type pgSubmissionRepository struct {
	db *sql.DB
}

func NewPgSubmissionRepository(db *sql.DB) SubmissionRepository {
	return &pgSubmissionRepository{db: db}
}

func (r *pgSubmissionRepository) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgSubmissionRepository.CreateSubmission begin: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO match_submissions (id, room_id, user_id, problem_id, language, code, status, score, passed_count,
	              test_case_count, applied, execution_time_ms, memory_kb, submitted_at, judged_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = tx.ExecContext(ctx, query, sub.ID, sub.RoomID, sub.UserID, sub.ProblemID, sub.Language, sub.Code, sub.Status,
		sub.Score, sub.PassedCount, sub.TestCaseCount, sub.Applied, sub.ExecutionTimeMs, sub.MemoryKb, sub.SubmittedAt, sub.JudgedAt)
	if err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("submission %s already recorded: %w", sub.ID, common.ErrConflict)
		}
		return fmt.Errorf("pgSubmissionRepository.CreateSubmission: %w", err)
	}

	if len(sub.Verdicts) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO match_submission_results
			(submission_id, test_case_id, status, stdout, stderr, execution_time_ms, memory_kb) VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		if err != nil {
			return fmt.Errorf("pgSubmissionRepository.CreateSubmission prepare: %w", err)
		}
		defer stmt.Close()

		for _, v := range sub.Verdicts {
			if _, err := stmt.ExecContext(ctx, sub.ID, v.TestCaseID, v.Status, v.Stdout, v.Stderr, v.ExecutionTimeMs, v.MemoryKb); err != nil {
				return fmt.Errorf("pgSubmissionRepository.CreateSubmission verdict %s: %w", v.TestCaseID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgSubmissionRepository.CreateSubmission commit: %w", err)
	}
	return nil
}

func (r *pgSubmissionRepository) ListByRoomUser(ctx context.Context, roomID, userID string) ([]model.Submission, error) {
	query := `SELECT id, room_id, user_id, problem_id, language, status, score, passed_count, test_case_count, applied,
	                 execution_time_ms, memory_kb, submitted_at, judged_at
	          FROM match_submissions WHERE room_id = $1 AND user_id = $2 ORDER BY submitted_at ASC`
	rows, err := r.db.QueryContext(ctx, query, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("pgSubmissionRepository.ListByRoomUser query: %w", err)
	}
	defer rows.Close()

	subs := []model.Submission{}
	for rows.Next() {
		var s model.Submission
		if err := rows.Scan(&s.ID, &s.RoomID, &s.UserID, &s.ProblemID, &s.Language, &s.Status, &s.Score, &s.PassedCount,
			&s.TestCaseCount, &s.Applied, &s.ExecutionTimeMs, &s.MemoryKb, &s.SubmittedAt, &s.JudgedAt); err != nil {
			return nil, fmt.Errorf("pgSubmissionRepository.ListByRoomUser scan: %w", err)
		}
		subs = append(subs, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("pgSubmissionRepository.ListByRoomUser rows.Err: %w", err)
	}
	return subs, nil
}
