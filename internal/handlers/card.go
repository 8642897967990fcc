package handlers

import (
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"wasteland-tarot/internal/models"
	"wasteland-tarot/internal/repository"
)

type CardHandler struct {
	cardRepo *repository.CardRepo
}

func NewCardHandler(cardRepo *repository.CardRepo) *CardHandler {
	return &CardHandler{cardRepo: cardRepo}
}

func (h *CardHandler) List(w http.ResponseWriter, r *http.Request) {
	suit := r.URL.Query().Get("suit")

	cards, err := h.cardRepo.List(r.Context(), suit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to fetch cards", r))
		return
	}

	writeJSON(w, http.StatusOK, models.CardListResponse{Cards: cards, Total: len(cards)})
}

func (h *CardHandler) Get(w http.ResponseWriter, r *http.Request) {
	card, err := h.cardRepo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Card not found", r))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to fetch card", r))
		return
	}

	writeJSON(w, http.StatusOK, card)
}

// Draw pulls random cards from the deck and assigns orientations.
func (h *CardHandler) Draw(w http.ResponseWriter, r *http.Request) {
	var req models.DrawCardsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	if req.Count < 1 || req.Count > 10 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"count": "Count must be between 1 and 10"}, r))
		return
	}

	cards, err := h.cardRepo.DrawRandom(r.Context(), req.Count)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to draw cards", r))
		return
	}

	draws := make([]models.CardDraw, len(cards))
	for i, card := range cards {
		orientation := "upright"
		if req.AllowReversed && rand.Intn(2) == 1 {
			orientation = "reversed"
		}
		draws[i] = models.CardDraw{
			CardID:      card.ID,
			Name:        card.Name,
			Suit:        card.Suit,
			Orientation: orientation,
			DrawnAt:     time.Now().UTC(),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"draws": draws})
}
