package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Reading is the permanent record created when a session completes. Unlike
// a session it is immutable apart from the favorite flag.
type Reading struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	SessionID      string          `json:"session_id"`
	SpreadType     string          `json:"spread_type"`
	Question       string          `json:"question"`
	CardsJSON      json.RawMessage `json:"cards"`
	Interpretation *string         `json:"interpretation"`
	IsFavorite     bool            `json:"is_favorite"`
	CreatedAt      time.Time       `json:"created_at"`
}

type ReadingListResponse struct {
	Readings []*Reading `json:"readings"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}
