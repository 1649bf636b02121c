package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tle_arena/internal/api/middleware"
	"tle_arena/internal/app/service"
	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
)

type RoomHandler struct {
	roomService *service.RoomService
}

func NewRoomHandler(rs *service.RoomService) *RoomHandler {
	return &RoomHandler{roomService: rs}
}

// RegisterRoutes mounts the room lobby routes. Match routes share the
// /rooms prefix and are registered by MatchHandler.
func (h *RoomHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.listRooms)
	r.Post("/", h.createRoom)
	r.Get("/{roomID}", h.getRoom)
	r.Post("/{roomID}/join", h.joinRoom)
	r.Post("/{roomID}/leave", h.leaveRoom)
	r.Post("/{roomID}/host", h.passHost)
	r.Post("/{roomID}/start", h.startMatch)
}

func (h *RoomHandler) listRooms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := service.RoomFilter{
		Visibility: model.RoomVisibility(q.Get("visibility")),
		Status:     model.RoomStatus(q.Get("status")),
		Search:     q.Get("q"),
		Sort:       service.RoomSort(q.Get("sort")),
	}

	var err error
	if filter.Rating, err = optionalInt(q.Get("rating")); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "rating must be an integer")
		return
	}
	if filter.MinRating, err = optionalInt(q.Get("min_rating")); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "min_rating must be an integer")
		return
	}
	if filter.MaxRating, err = optionalInt(q.Get("max_rating")); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "max_rating must be an integer")
		return
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	common.RespondWithJSON(w, http.StatusOK, h.roomService.ListRooms(r.Context(), filter))
}

func (h *RoomHandler) createRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req service.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	defer r.Body.Close()

	room, err := h.roomService.CreateRoom(r.Context(), userID, req)
	if err != nil {
		common.RespondWithAppError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, room)
}

func (h *RoomHandler) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.roomService.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		common.RespondWithAppError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, room)
}

type joinRoomRequest struct {
	Password string `json:"password"`
}

func (h *RoomHandler) joinRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req joinRoomRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			common.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
			return
		}
		defer r.Body.Close()
	}

	room, err := h.roomService.JoinRoom(r.Context(), userID, chi.URLParam(r, "roomID"), req.Password)
	if err != nil {
		common.RespondWithAppError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, room)
}

func (h *RoomHandler) leaveRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	if err := h.roomService.LeaveRoom(r.Context(), userID, chi.URLParam(r, "roomID")); err != nil {
		common.RespondWithAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type passHostRequest struct {
	UserID string `json:"user_id"`
}

func (h *RoomHandler) passHost(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req passHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		common.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	defer r.Body.Close()

	if err := h.roomService.PassHost(r.Context(), userID, chi.URLParam(r, "roomID"), req.UserID); err != nil {
		common.RespondWithAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) startMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	match, err := h.roomService.StartMatch(r.Context(), userID, chi.URLParam(r, "roomID"))
	if err != nil {
		common.RespondWithAppError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, match)
}

func optionalInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
