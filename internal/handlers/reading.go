package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"wasteland-tarot/internal/middleware"
	"wasteland-tarot/internal/models"
	"wasteland-tarot/internal/repository"
)

type ReadingHandler struct {
	readingRepo *repository.ReadingRepo
}

func NewReadingHandler(readingRepo *repository.ReadingRepo) *ReadingHandler {
	return &ReadingHandler{readingRepo: readingRepo}
}

func (h *ReadingHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	if limit <= 0 || limit > 50 {
		limit = 20
	}

	readings, total, err := h.readingRepo.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to fetch readings", r))
		return
	}

	writeJSON(w, http.StatusOK, models.ReadingListResponse{
		Readings: readings,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (h *ReadingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid reading ID", r))
		return
	}

	reading, err := h.readingRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Reading not found", r))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to fetch reading", r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	if reading.UserID != userID {
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "Access denied", r))
		return
	}

	writeJSON(w, http.StatusOK, reading)
}

func (h *ReadingHandler) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid reading ID", r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	if err := h.readingRepo.ToggleFavorite(r.Context(), id, userID); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to update favorite", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Favorite toggled"})
}

func (h *ReadingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid reading ID", r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	if err := h.readingRepo.Delete(r.Context(), id, userID); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to delete reading", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Reading deleted"})
}
