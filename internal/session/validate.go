package session

import (
	"github.com/google/uuid"

	"wasteland-tarot/internal/models"
)

func validateCreate(userID uuid.UUID, spreadType, question string, state models.SessionState) error {
	fields := make(map[string]string)

	if userID == uuid.Nil {
		fields["user_id"] = "user_id is required"
	}
	if spreadType == "" {
		fields["spread_type"] = "spread_type is required"
	}
	if question == "" {
		fields["question"] = "question is required"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return validateState(state)
}

// validateState checks that the card index stays within
// [0, len(cards_drawn)] and the interpretation pointer never exceeds
// the card total.
func validateState(state models.SessionState) error {
	fields := make(map[string]string)

	if state.CurrentCardIndex < 0 || state.CurrentCardIndex > len(state.CardsDrawn) {
		fields["current_card_index"] = "current_card_index must be within [0, len(cards_drawn)]"
	}
	if state.Interpretation.CurrentCard > state.Interpretation.TotalCards {
		fields["interpretation_progress"] = "current_card must not exceed total_cards"
	}
	for _, draw := range state.CardsDrawn {
		if draw.Orientation != "upright" && draw.Orientation != "reversed" {
			fields["cards_drawn"] = "orientation must be upright or reversed"
			break
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// applyUpdate merges only the provided fields into the session.
func applyUpdate(sess *models.ReadingSession, req models.SessionUpdateRequest) {
	if req.Question != nil {
		sess.Question = *req.Question
	}
	if req.SpreadConfig != nil {
		sess.SpreadConfig = req.SpreadConfig
	}
	if req.SessionState != nil {
		sess.SessionState = *req.SessionState
	}
	if req.Status != nil {
		sess.Status = *req.Status
	}
}
