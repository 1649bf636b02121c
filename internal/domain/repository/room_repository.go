package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
)

// RoomRepository persists room state written through by the room services.
// The in-memory room table stays authoritative while the process runs.
type RoomRepository interface {
	CreateRoom(ctx context.Context, room *model.Room, host model.Participant) error
	AddParticipant(ctx context.Context, p model.Participant) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	DeleteRoom(ctx context.Context, roomID string) error
	UpdateHost(ctx context.Context, roomID string, hostID *string) error
	MarkStarted(ctx context.Context, roomID string, startedAt time.Time, problemIDs []string) error
	MarkParticipantFinished(ctx context.Context, roomID, userID string, at time.Time) error
	// MarkFinished moves a Started room to Finished. It reports false when the
	// row was not in Started, so only one caller ever wins.
	MarkFinished(ctx context.Context, roomID string, at time.Time) (bool, error)
	SaveSettlement(ctx context.Context, result model.SettlementResult) error
	GetSettlement(ctx context.Context, roomID string) (*model.SettlementResult, error)
	// CloseStaleRooms marks rooms nobody can settle as Finished and abandoned.
	CloseStaleRooms(ctx context.Context, at time.Time, f StaleRoomFilter) (int64, error)
}

// StaleRoomFilter selects unfinished rooms whose live state is gone: rooms
// owned by a restarting instance, matches well past their deadline and
// lobbies nobody started for too long.
type StaleRoomFilter struct {
	OwnerID        string
	DeadlineBefore time.Time
	CreatedBefore  time.Time
}

// Matches reports whether an unfinished room is stale under f.
func (f StaleRoomFilter) Matches(room model.Room) bool {
	switch {
	case room.Status == model.RoomStatusFinished:
		return false
	case f.OwnerID != "" && room.OwnerID == f.OwnerID:
		return true
	case room.Status == model.RoomStatusStarted:
		return room.StartedAt != nil && room.Deadline().Before(f.DeadlineBefore)
	default:
		return room.CreatedAt.Before(f.CreatedBefore)
	}
}

type pgRoomRepository struct {
	db *sql.DB
}

func NewPgRoomRepository(db *sql.DB) RoomRepository {
	return &pgRoomRepository{db: db}
}

func (r *pgRoomRepository) CreateRoom(ctx context.Context, room *model.Room, host model.Participant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgRoomRepository.CreateRoom begin: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO rooms (id, name, slug, duration_minutes, min_rating, max_rating, visibility, password_hash, host_id, status, created_by, created_at, owner_id)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = tx.ExecContext(ctx, query, room.ID, room.Name, room.Slug, room.DurationMinutes, room.MinRating, room.MaxRating,
		room.Visibility, room.PasswordHash, room.HostID, room.Status, room.CreatedBy, room.CreatedAt, room.OwnerID)
	if err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("room %s already exists: %w", room.ID, common.ErrConflict)
		}
		return fmt.Errorf("pgRoomRepository.CreateRoom: %w", err)
	}

	if err := insertParticipant(ctx, tx, host); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgRoomRepository.CreateRoom commit: %w", err)
	}
	return nil
}

func insertParticipant(ctx context.Context, tx *sql.Tx, p model.Participant) error {
	query := `INSERT INTO room_participants (room_id, user_id, username, rating_at_join, joined_at)
	          VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.ExecContext(ctx, query, p.RoomID, p.UserID, p.Username, p.RatingAtJoin, p.JoinedAt); err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("user %s already in room %s: %w", p.UserID, p.RoomID, common.ErrAlreadyJoined)
		}
		return fmt.Errorf("pgRoomRepository.insertParticipant: %w", err)
	}
	return nil
}

func (r *pgRoomRepository) AddParticipant(ctx context.Context, p model.Participant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgRoomRepository.AddParticipant begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertParticipant(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *pgRoomRepository) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	query := `DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2`
	if _, err := r.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return fmt.Errorf("pgRoomRepository.RemoveParticipant: %w", err)
	}
	return nil
}

func (r *pgRoomRepository) DeleteRoom(ctx context.Context, roomID string) error {
	// room_participants and room_problems cascade
	res, err := r.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("pgRoomRepository.DeleteRoom: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrRoomNotFound
	}
	return nil
}

func (r *pgRoomRepository) UpdateHost(ctx context.Context, roomID string, hostID *string) error {
	query := `UPDATE rooms SET host_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, hostID, roomID); err != nil {
		return fmt.Errorf("pgRoomRepository.UpdateHost: %w", err)
	}
	return nil
}

func (r *pgRoomRepository) MarkStarted(ctx context.Context, roomID string, startedAt time.Time, problemIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgRoomRepository.MarkStarted begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE rooms SET status = $1, started_at = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3 AND status = $4`,
		model.RoomStatusStarted, startedAt, roomID, model.RoomStatusWaiting)
	if err != nil {
		return fmt.Errorf("pgRoomRepository.MarkStarted: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("room %s is not waiting: %w", roomID, common.ErrRoomNotJoinable)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO room_problems (room_id, problem_id, sort_order) VALUES ($1, $2, $3)`)
	if err != nil {
		return fmt.Errorf("pgRoomRepository.MarkStarted prepare: %w", err)
	}
	defer stmt.Close()

	for i, pid := range problemIDs {
		if _, err := stmt.ExecContext(ctx, roomID, pid, i+1); err != nil {
			return fmt.Errorf("pgRoomRepository.MarkStarted problem %s: %w", pid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgRoomRepository.MarkStarted commit: %w", err)
	}
	return nil
}

func (r *pgRoomRepository) MarkParticipantFinished(ctx context.Context, roomID, userID string, at time.Time) error {
	query := `UPDATE room_participants SET finished = TRUE, finished_at = $1
	          WHERE room_id = $2 AND user_id = $3 AND finished = FALSE`
	if _, err := r.db.ExecContext(ctx, query, at, roomID, userID); err != nil {
		return fmt.Errorf("pgRoomRepository.MarkParticipantFinished: %w", err)
	}
	return nil
}

func (r *pgRoomRepository) MarkFinished(ctx context.Context, roomID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE rooms SET status = $1, finished_at = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3 AND status = $4`,
		model.RoomStatusFinished, at, roomID, model.RoomStatusStarted)
	if err != nil {
		return false, fmt.Errorf("pgRoomRepository.MarkFinished: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pgRoomRepository.MarkFinished rows: %w", err)
	}
	return n == 1, nil
}

func (r *pgRoomRepository) SaveSettlement(ctx context.Context, result model.SettlementResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgRoomRepository.SaveSettlement begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO match_settlements (room_id, trigger, settled_at) VALUES ($1, $2, $3)`,
		result.RoomID, result.Trigger, result.SettledAt)
	if err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("room %s already settled: %w", result.RoomID, common.ErrConflict)
		}
		return fmt.Errorf("pgRoomRepository.SaveSettlement: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `UPDATE room_participants
		SET placement = $1, exp_earned = $2, rating_change = $3, submission_count = $4, final_score = $5,
		    rating_before = $6, win_streak_after = $7
		WHERE room_id = $8 AND user_id = $9 AND placement IS NULL`)
	if err != nil {
		return fmt.Errorf("pgRoomRepository.SaveSettlement prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range result.Placements {
		_, err := stmt.ExecContext(ctx, p.Placement, p.ExpEarned, p.RatingChange, p.SubmissionCount, p.Score,
			p.RatingBefore, p.WinStreakAfter, result.RoomID, p.UserID)
		if err != nil {
			return fmt.Errorf("pgRoomRepository.SaveSettlement participant %s: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgRoomRepository.SaveSettlement commit: %w", err)
	}
	return nil
}

func (r *pgRoomRepository) GetSettlement(ctx context.Context, roomID string) (*model.SettlementResult, error) {
	result := &model.SettlementResult{RoomID: roomID}
	err := r.db.QueryRowContext(ctx, `SELECT trigger, settled_at FROM match_settlements WHERE room_id = $1`, roomID).
		Scan(&result.Trigger, &result.SettledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgRoomRepository.GetSettlement: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, username, placement, final_score, rating_before, rating_change, exp_earned, submission_count, win_streak_after
		FROM room_participants WHERE room_id = $1 AND placement IS NOT NULL ORDER BY placement ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("pgRoomRepository.GetSettlement placements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.Placement
		if err := rows.Scan(&p.UserID, &p.Username, &p.Placement, &p.Score, &p.RatingBefore, &p.RatingChange,
			&p.ExpEarned, &p.SubmissionCount, &p.WinStreakAfter); err != nil {
			return nil, fmt.Errorf("pgRoomRepository.GetSettlement scan: %w", err)
		}
		result.Placements = append(result.Placements, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("pgRoomRepository.GetSettlement rows.Err: %w", err)
	}
	return result, nil
}

func (r *pgRoomRepository) CloseStaleRooms(ctx context.Context, at time.Time, f StaleRoomFilter) (int64, error) {
	query := `UPDATE rooms SET status = $1, finished_at = $2, abandoned = TRUE, updated_at = CURRENT_TIMESTAMP
	          WHERE status <> $1 AND (
	              ($3 <> '' AND owner_id = $3)
	              OR (status = $4 AND started_at + make_interval(mins => duration_minutes) < $5)
	              OR (status = $6 AND created_at < $7))`
	res, err := r.db.ExecContext(ctx, query, model.RoomStatusFinished, at,
		f.OwnerID, model.RoomStatusStarted, f.DeadlineBefore, model.RoomStatusWaiting, f.CreatedBefore)
	if err != nil {
		return 0, fmt.Errorf("pgRoomRepository.CloseStaleRooms: %w", err)
	}
	return res.RowsAffected()
}
