package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session lifecycle statuses. Complete is terminal.
const (
	SessionActive   = "active"
	SessionPaused   = "paused"
	SessionComplete = "complete"
)

type ReadingSession struct {
	ID           string          `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	SpreadType   string          `json:"spread_type"`
	SpreadConfig json.RawMessage `json:"spread_config,omitempty"`
	Question     string          `json:"question"`
	SessionState SessionState    `json:"session_state"`
	Status       string          `json:"status"`

	// AI interpretation, populated once generation has run.
	Interpretation      *string  `json:"interpretation,omitempty"`
	InterpretationScore *float64 `json:"interpretation_score,omitempty"`
	InterpretationModel *string  `json:"interpretation_model,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// Client-only sync flags. Stripped before any network write; the
	// server never sees or stores them.
	Offline     bool `json:"_offline,omitempty"`
	PendingSync bool `json:"_pending_sync,omitempty"`
	Conflict    bool `json:"_conflict,omitempty"`
	LocalOnly   bool `json:"_local_only,omitempty"`
}

// StripClientFlags returns a copy safe to send over the wire.
func (s ReadingSession) StripClientFlags() ReadingSession {
	s.Offline = false
	s.PendingSync = false
	s.Conflict = false
	s.LocalOnly = false
	return s
}

type SessionState struct {
	CardsDrawn       []CardDraw             `json:"cards_drawn"`
	CurrentCardIndex int                    `json:"current_card_index"`
	Interpretation   InterpretationProgress `json:"interpretation_progress"`

	// Opaque UI/user context carried for resume. No validation beyond
	// being JSON-serializable.
	ScrollPosition   *float64        `json:"scroll_position,omitempty"`
	ActiveTab        *string         `json:"active_tab,omitempty"`
	KarmaLevel       *string         `json:"karma_level,omitempty"`
	FactionAlignment json.RawMessage `json:"faction_alignment,omitempty"`
	AIProvider       *string         `json:"ai_provider,omitempty"`
}

type CardDraw struct {
	CardID          string    `json:"card_id"`
	Name            string    `json:"name"`
	Suit            string    `json:"suit"`
	Orientation     string    `json:"orientation"` // "upright" | "reversed"
	DrawnAt         time.Time `json:"drawn_at"`
	PositionName    *string   `json:"position_name,omitempty"`
	PositionMeaning *string   `json:"position_meaning,omitempty"`
}

type InterpretationProgress struct {
	CurrentCard     int            `json:"current_card"`
	TotalCards      int            `json:"total_cards"`
	Interpretations map[int]string `json:"interpretations,omitempty"`
	Streaming       bool           `json:"streaming"`
	StreamPosition  int            `json:"stream_position"`
}

// SessionMetadata is the lightweight projection used by incomplete-session
// listings; it never carries the full session_state payload.
type SessionMetadata struct {
	ID         string    `json:"id"`
	SpreadType string    `json:"spread_type"`
	Question   string    `json:"question"`
	Status     string    `json:"status"`
	CardCount  int       `json:"card_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type SessionCreateRequest struct {
	SpreadType   string          `json:"spread_type"`
	SpreadConfig json.RawMessage `json:"spread_config,omitempty"`
	Question     string          `json:"question"`
	SessionState SessionState    `json:"session_state"`

	// Set only when an offline-born session is being promoted; the server
	// honors the client id so queued updates keep targeting it.
	ClientID string `json:"client_id,omitempty"`
}

type SessionUpdateRequest struct {
	SpreadConfig json.RawMessage `json:"spread_config,omitempty"`
	Question     *string         `json:"question,omitempty"`
	SessionState *SessionState   `json:"session_state,omitempty"`
	Status       *string         `json:"status,omitempty"`

	// Last updated_at the client saw; the server rejects the write with a
	// conflict when its copy is newer and fields diverge.
	BaseUpdatedAt *time.Time `json:"base_updated_at,omitempty"`
}

type SessionListResponse struct {
	Sessions []SessionMetadata `json:"sessions"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

type SessionCompletionResult struct {
	Session   ReadingSession `json:"session"`
	ReadingID uuid.UUID      `json:"reading_id"`
}

// OfflineSessionSync is the reconciliation request for a session mutated
// while disconnected.
type OfflineSessionSync struct {
	Session ReadingSession `json:"session"`
}

type ConflictInfo struct {
	Field           string          `json:"field"`
	ServerValue     json.RawMessage `json:"server_value"`
	ClientValue     json.RawMessage `json:"client_value"`
	ServerUpdatedAt time.Time       `json:"server_updated_at"`
	ClientUpdatedAt time.Time       `json:"client_updated_at"`
}

type SyncResponse struct {
	Status    string          `json:"status"` // "synced" | "conflict"
	Session   *ReadingSession `json:"session,omitempty"`
	Conflicts []ConflictInfo  `json:"conflicts,omitempty"`
}
