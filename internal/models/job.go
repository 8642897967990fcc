package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Job struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	Type         string          `json:"type"` // "interpretation-generation"
	SessionID    string          `json:"session_id"`
	ConfigJSON   json.RawMessage `json:"config"`
	Status       string          `json:"status"` // "pending" | "processing" | "completed" | "failed"
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ErrorMessage *string         `json:"error_message"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
}

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type StatusUpdate struct {
	JobID     uuid.UUID `json:"job_id"`
	SessionID string    `json:"session_id"`
	Step      int       `json:"step"`
	StepName  string    `json:"step_name"`
}

// InterpretationChunk streams a partial interpretation for one card
// position while generation is in flight.
type InterpretationChunk struct {
	JobID        uuid.UUID `json:"job_id"`
	SessionID    string    `json:"session_id"`
	CardPosition int       `json:"card_position"`
	Chunk        string    `json:"chunk"`
	ChunksSent   int       `json:"chunks_sent"`
}

type CompletedEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	SessionID string    `json:"session_id"`
}

type ErrorEvent struct {
	JobID        uuid.UUID `json:"job_id"`
	SessionID    string    `json:"session_id"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
