package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
)

// RatingDirectory looks up a player's current rating and tier.
type RatingDirectory interface {
	GetRating(ctx context.Context, userID string) (*model.UserRating, error)
}

// ProfileUpdater applies a settled match outcome to a player's profile.
// Applying the same (room, user) twice is a no-op that reports applied=false.
type ProfileUpdater interface {
	ApplyMatchResult(ctx context.Context, result model.MatchResult) (applied bool, err error)
}

type UserRepository interface {
	RatingDirectory
	ProfileUpdater
}

type pgUserRepository struct {
	db *sql.DB
}

func NewPgUserRepository(db *sql.DB) UserRepository {
	return &pgUserRepository{db: db}
}

func (r *pgUserRepository) GetRating(ctx context.Context, userID string) (*model.UserRating, error) {
	query := `SELECT u.id, u.username, u.rating, u.win_streak, u.points,
	                 COALESCE(t.name, ''), COALESCE(t.min_rating, 0), COALESCE(t.max_rating, 0)
	          FROM users u
	          LEFT JOIN rank_tiers t ON u.rating BETWEEN t.min_rating AND t.max_rating
	          WHERE u.id = $1`
	ur := &model.UserRating{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&ur.UserID, &ur.Username, &ur.Rating, &ur.WinStreak, &ur.Points,
		&ur.Rank.Name, &ur.Rank.MinRating, &ur.Rank.MaxRating,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgUserRepository.GetRating: %w", err)
	}
	return ur, nil
}

func (r *pgUserRepository) ApplyMatchResult(ctx context.Context, res model.MatchResult) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("pgUserRepository.ApplyMatchResult begin: %w", err)
	}
	defer tx.Rollback()

	ins, err := tx.ExecContext(ctx, `INSERT INTO match_result_applications (room_id, user_id, rating_delta, placement, points, streak)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (room_id, user_id) DO NOTHING`,
		res.RoomID, res.UserID, res.RatingDelta, res.Placement, res.Points, res.Streak)
	if err != nil {
		return false, fmt.Errorf("pgUserRepository.ApplyMatchResult record: %w", err)
	}
	if n, _ := ins.RowsAffected(); n == 0 {
		return false, nil
	}

	upd, err := tx.ExecContext(ctx, `UPDATE users SET
			rating = GREATEST(rating + $1, 0),
			win_streak = CASE WHEN $2 = 'increment' THEN win_streak + 1 ELSE 0 END,
			points = points + $3,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $4`,
		res.RatingDelta, string(res.Streak), res.Points, res.UserID)
	if err != nil {
		return false, fmt.Errorf("pgUserRepository.ApplyMatchResult update: %w", err)
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		return false, fmt.Errorf("user %s: %w", res.UserID, common.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("pgUserRepository.ApplyMatchResult commit: %w", err)
	}
	return true, nil
}
