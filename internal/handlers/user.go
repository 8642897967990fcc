package handlers

import (
	"encoding/json"
	"net/http"

	"wasteland-tarot/internal/middleware"
	"wasteland-tarot/internal/repository"
)

type UserHandler struct {
	userRepo *repository.UserRepo
}

func NewUserHandler(userRepo *repository.UserRepo) *UserHandler {
	return &UserHandler{userRepo: userRepo}
}

func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	user, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "User not found", r))
		return
	}

	writeJSON(w, http.StatusOK, user)
}

var validKarma = map[string]bool{"good": true, "neutral": true, "evil": true}

func (h *UserHandler) UpdateKarma(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KarmaLevel string `json:"karma_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	if !validKarma[req.KarmaLevel] {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"karma_level": "Karma must be good, neutral, or evil"}, r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	if err := h.userRepo.UpdateKarma(r.Context(), userID, req.KarmaLevel); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to update karma", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"karma_level": req.KarmaLevel})
}
