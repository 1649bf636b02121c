package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tle_arena/internal/api/middleware"
	"tle_arena/internal/app/service"
	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
)

type MatchHandler struct {
	matchService *service.MatchService
}

func NewMatchHandler(ms *service.MatchService) *MatchHandler {
	return &MatchHandler{matchService: ms}
}

func (h *MatchHandler) RegisterRoutes(r chi.Router) {
	r.Post("/{roomID}/submissions", h.submit)
	r.Get("/{roomID}/match", h.fetchMatch)
	r.Post("/{roomID}/finish", h.finish)
}

func (h *MatchHandler) submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	defer r.Body.Close()

	result, err := h.matchService.Submit(r.Context(), userID, chi.URLParam(r, "roomID"), req)
	if err != nil {
		if result == nil {
			common.RespondWithAppError(w, err)
			return
		}
		// graded but failed: the submitter still gets the recorded verdict
		result.Submission.Code = ""
		common.RespondWithJSON(w, common.HTTPStatusFromError(err), failedSubmission{
			Error:      err.Error(),
			Submission: result.Submission,
		})
		return
	}
	result.Submission.Code = ""
	common.RespondWithJSON(w, http.StatusOK, result)
}

type failedSubmission struct {
	Error      string           `json:"error"`
	Submission model.Submission `json:"submission"`
}

func (h *MatchHandler) fetchMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	view, err := h.matchService.FetchMatch(r.Context(), userID, chi.URLParam(r, "roomID"))
	if err != nil {
		common.RespondWithAppError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, view)
}

func (h *MatchHandler) finish(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	if err := h.matchService.Finish(r.Context(), userID, chi.URLParam(r, "roomID")); err != nil {
		common.RespondWithAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
