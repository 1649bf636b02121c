package common

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound           = errors.New("requested resource not found")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrForbidden          = errors.New("forbidden access")
	ErrBadRequest         = errors.New("bad request")
	ErrConflict           = errors.New("resource conflict")
	ErrInternalServer     = errors.New("internal server error")
	ErrServiceUnavailable = errors.New("service unavailable") // e.g. judge down
	ErrJobLockFailed      = errors.New("failed to acquire job lock")
)

// Room and match errors.
var (
	ErrInvalidParameters        = errors.New("invalid room parameters")
	ErrRoomNotFound             = errors.New("room not found")
	ErrRoomFull                 = errors.New("room is full")
	ErrRoomNotJoinable          = errors.New("room is not accepting players")
	ErrWrongPassword            = errors.New("wrong room password")
	ErrAlreadyJoined            = errors.New("user already joined this room")
	ErrNotHost                  = errors.New("only the room host can do this")
	ErrTargetNotInRoom          = errors.New("user is not a participant of this room")
	ErrInsufficientParticipants = errors.New("not enough participants to start")
	ErrMatchNotActive           = errors.New("match is not active")
	ErrAlreadyFinished          = errors.New("user already finished this match")
	ErrRoomClosed               = errors.New("room is closed")
	ErrGradingTimeout           = errors.New("grading timed out")
	ErrProfileUpdate            = errors.New("profile update failed")
)

// HTTPStatusFromError maps domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrWrongPassword):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotHost), errors.Is(err, ErrTargetNotInRoom):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrRoomFull),
		errors.Is(err, ErrRoomNotJoinable),
		errors.Is(err, ErrAlreadyJoined),
		errors.Is(err, ErrInsufficientParticipants),
		errors.Is(err, ErrMatchNotActive),
		errors.Is(err, ErrAlreadyFinished),
		errors.Is(err, ErrJobLockFailed):
		return http.StatusConflict
	case errors.Is(err, ErrRoomClosed):
		return http.StatusGone
	case errors.Is(err, ErrGradingTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrProfileUpdate):
		return http.StatusServiceUnavailable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // Unique violation
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}

// Errorf creates a new error with formatting, useful for wrapping.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
