package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
)

// ProblemRepository is a read-only view over the problem bank.
type ProblemRepository interface {
	ListPublishedProblemIDs(ctx context.Context) ([]string, error)
	FindProblemsByIDs(ctx context.Context, ids []string) ([]model.Problem, error)
	GetTestCasesByProblemID(ctx context.Context, problemID string) ([]model.TestCase, error)
	GetLanguageBySlug(ctx context.Context, slug string) (*model.Language, error)
}

type pgProblemRepository struct {
	db *sql.DB
}

func NewPgProblemRepository(db *sql.DB) ProblemRepository {
	return &pgProblemRepository{db: db}
}

func (r *pgProblemRepository) ListPublishedProblemIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM problems WHERE status = 'Published' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("pgProblemRepository.ListPublishedProblemIDs query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgProblemRepository.ListPublishedProblemIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("pgProblemRepository.ListPublishedProblemIDs rows.Err: %w", err)
	}
	return ids, nil
}

// FindProblemsByIDs returns problems in the order of ids. Unknown ids are an error.
func (r *pgProblemRepository) FindProblemsByIDs(ctx context.Context, ids []string) ([]model.Problem, error) {
	if len(ids) == 0 {
		return []model.Problem{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT p.id, p.title, p.slug, p.difficulty, p.runtime_limit_ms, p.memory_limit_kb,
		       (SELECT COUNT(*) FROM test_cases tc WHERE tc.problem_id = p.id)
		FROM problems p WHERE p.id IN (%s)`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgProblemRepository.FindProblemsByIDs query: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]model.Problem, len(ids))
	for rows.Next() {
		var p model.Problem
		if err := rows.Scan(&p.ID, &p.Title, &p.Slug, &p.Difficulty, &p.RuntimeLimitMs, &p.MemoryLimitKb, &p.TestCaseCount); err != nil {
			return nil, fmt.Errorf("pgProblemRepository.FindProblemsByIDs scan: %w", err)
		}
		byID[p.ID] = p
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("pgProblemRepository.FindProblemsByIDs rows.Err: %w", err)
	}

	problems := make([]model.Problem, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("problem %s: %w", id, common.ErrNotFound)
		}
		problems = append(problems, p)
	}
	return problems, nil
}

func (r *pgProblemRepository) GetTestCasesByProblemID(ctx context.Context, problemID string) ([]model.TestCase, error) {
	query := `SELECT id, problem_id, input, expected_output, sort_order
	          FROM test_cases WHERE problem_id = $1 ORDER BY sort_order ASC`
	rows, err := r.db.QueryContext(ctx, query, problemID)
	if err != nil {
		return nil, fmt.Errorf("pgProblemRepository.GetTestCasesByProblemID query: %w", err)
	}
	defer rows.Close()

	var cases []model.TestCase
	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(&tc.ID, &tc.ProblemID, &tc.Input, &tc.ExpectedOutput, &tc.SortOrder); err != nil {
			return nil, fmt.Errorf("pgProblemRepository.GetTestCasesByProblemID scan: %w", err)
		}
		cases = append(cases, tc)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("pgProblemRepository.GetTestCasesByProblemID rows.Err: %w", err)
	}
	return cases, nil
}

func (r *pgProblemRepository) GetLanguageBySlug(ctx context.Context, slug string) (*model.Language, error) {
	query := `SELECT id, name, slug, judge_id, is_active FROM languages WHERE slug = $1 AND is_active = TRUE`
	lang := &model.Language{}
	err := r.db.QueryRowContext(ctx, query, slug).Scan(&lang.ID, &lang.Name, &lang.Slug, &lang.JudgeID, &lang.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgProblemRepository.GetLanguageBySlug: %w", err)
	}
	return lang, nil
}
