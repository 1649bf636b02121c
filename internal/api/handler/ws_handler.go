package handler

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tle_arena/internal/api/middleware"
	"tle_arena/internal/app/broadcast"
	"tle_arena/internal/app/service"
	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/platform/logger"
)

// WSHandler upgrades subscribers of the room list and of single rooms.
type WSHandler struct {
	hub            *broadcast.Hub
	roomService    *service.RoomService
	originPatterns []string
	log            *zap.SugaredLogger
}

// NewWSHandler accepts upgrades from originPatterns; none means same-origin only.
func NewWSHandler(hub *broadcast.Hub, rs *service.RoomService, originPatterns []string) *WSHandler {
	return &WSHandler{
		hub:            hub,
		roomService:    rs,
		originPatterns: originPatterns,
		log:            logger.NewNamedLogger("ws"),
	}
}

func (h *WSHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.serveRoomList)
	r.Get("/{roomID}/ws", h.serveRoom)
}

func (h *WSHandler) serveRoomList(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, model.GlobalTopic)
}

func (h *WSHandler) serveRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if _, err := h.roomService.GetRoom(r.Context(), roomID); err != nil {
		common.RespondWithAppError(w, err)
		return
	}
	h.serve(w, r, model.RoomTopic(roomID))
}

func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, topic string) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept already wrote the response
		h.log.Debugw("websocket upgrade failed", "topic", topic, "user_id", userID, "error", err)
		return
	}
	defer conn.CloseNow()

	h.hub.Serve(r.Context(), conn, topic, userID)
}
