package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"wasteland-tarot/internal/middleware"
	"wasteland-tarot/internal/models"
	"wasteland-tarot/internal/repository"
	"wasteland-tarot/internal/session"
)

type SessionHandler struct {
	sessionRepo sessionRepository
	jobRepo     *repository.JobRepo
	redis       *redis.Client
}

type sessionRepository interface {
	Create(ctx context.Context, s *models.ReadingSession) error
	GetByID(ctx context.Context, id string, userID uuid.UUID) (*models.ReadingSession, error)
	Update(ctx context.Context, s *models.ReadingSession) error
	ListIncomplete(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.SessionMetadata, int, error)
	Delete(ctx context.Context, id string, userID uuid.UUID) error
	Complete(ctx context.Context, s *models.ReadingSession) (uuid.UUID, error)
}

func NewSessionHandler(sessionRepo sessionRepository, jobRepo *repository.JobRepo, redisClient *redis.Client) *SessionHandler {
	return &SessionHandler{
		sessionRepo: sessionRepo,
		jobRepo:     jobRepo,
		redis:       redisClient,
	}
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.SessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	userID := middleware.GetUserID(r.Context())

	fields := make(map[string]string)
	if req.SpreadType == "" {
		fields["spread_type"] = "Spread type is required"
	}
	if req.Question == "" {
		fields["question"] = "Question is required"
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fields, r))
		return
	}

	id := uuid.New().String()
	if req.ClientID != "" {
		// Offline-born session being promoted. Honor the client id so
		// queued updates keep targeting it, and make replays idempotent.
		if existing, err := h.sessionRepo.GetByID(r.Context(), req.ClientID, userID); err == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		id = req.ClientID
	}

	sess := &models.ReadingSession{
		ID:           id,
		UserID:       userID,
		SpreadType:   req.SpreadType,
		SpreadConfig: req.SpreadConfig,
		Question:     req.Question,
		SessionState: req.SessionState,
	}

	if err := h.sessionRepo.Create(r.Context(), sess); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to create session", r))
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	sess, err := h.sessionRepo.GetByID(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to fetch session", r))
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	if limit <= 0 || limit > 50 {
		limit = 20
	}

	sessions, total, err := h.sessionRepo.ListIncomplete(r.Context(), userID, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to fetch sessions", r))
		return
	}

	writeJSON(w, http.StatusOK, models.SessionListResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.SessionUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	userID := middleware.GetUserID(r.Context())

	current, err := h.sessionRepo.GetByID(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to fetch session", r))
		return
	}

	if current.Status == models.SessionComplete {
		writeJSON(w, http.StatusConflict, errorResp("INVALID_STATE", "Completed sessions cannot be modified", r))
		return
	}

	if req.Status != nil && !validStatusTransition(current.Status, *req.Status) {
		writeJSON(w, http.StatusConflict, errorResp("INVALID_STATE", "Invalid status transition", r))
		return
	}

	// Stale-copy detection. When the client's base timestamp is older than
	// the stored row, the write only goes through if no updated field
	// actually diverges.
	if req.BaseUpdatedAt != nil && current.UpdatedAt.Truncate(time.Millisecond).After(req.BaseUpdatedAt.Truncate(time.Millisecond)) {
		incoming := buildUpdated(current, req)
		incoming.UpdatedAt = *req.BaseUpdatedAt
		if conflicts := session.DetectConflicts(current, incoming); len(conflicts) > 0 {
			writeConflict(w, r, "Session was modified by another writer", conflicts)
			return
		}
	}

	updated := buildUpdated(current, req)
	if err := h.sessionRepo.Update(r.Context(), updated); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to update session", r))
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.sessionRepo.Delete(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to delete session", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted"})
}

func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	sess, err := h.sessionRepo.GetByID(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to fetch session", r))
		return
	}

	if sess.Status == models.SessionComplete {
		writeJSON(w, http.StatusConflict, errorResp("INVALID_STATE", "Session is already complete", r))
		return
	}

	readingID, err := h.sessionRepo.Complete(r.Context(), sess)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusConflict, errorResp("INVALID_STATE", "Session is already complete", r))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to complete session", r))
		return
	}

	writeJSON(w, http.StatusOK, models.SessionCompletionResult{
		Session:   *sess,
		ReadingID: readingID,
	})
}

// Sync reconciles a session mutated while the client was offline. A
// divergent server copy comes back as status "conflict" with per-field
// details; the client resolves and resubmits.
func (h *SessionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req models.OfflineSessionSync
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	incoming := req.Session.StripClientFlags()
	incoming.UserID = userID

	if incoming.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Session id is required", r))
		return
	}

	current, err := h.sessionRepo.GetByID(r.Context(), incoming.ID, userID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to fetch session", r))
			return
		}
		// First time the server sees this session.
		if err := h.sessionRepo.Create(r.Context(), &incoming); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to create session", r))
			return
		}
		writeJSON(w, http.StatusOK, models.SyncResponse{Status: "synced", Session: &incoming})
		return
	}

	if conflicts := session.DetectConflicts(current, &incoming); len(conflicts) > 0 && current.UpdatedAt.After(incoming.UpdatedAt) {
		writeJSON(w, http.StatusOK, models.SyncResponse{Status: "conflict", Session: current, Conflicts: conflicts})
		return
	}

	if err := h.sessionRepo.Update(r.Context(), &incoming); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to update session", r))
		return
	}

	writeJSON(w, http.StatusOK, models.SyncResponse{Status: "synced", Session: &incoming})
}

// Interpret queues AI interpretation for the session's drawn cards.
func (h *SessionHandler) Interpret(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")

	sess, err := h.sessionRepo.GetByID(r.Context(), id, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to fetch session", r))
		return
	}

	if len(sess.SessionState.CardsDrawn) == 0 {
		writeJSON(w, http.StatusConflict, errorResp("INVALID_STATE", "No cards drawn yet", r))
		return
	}

	var config struct {
		Tone       string `json:"tone"`
		KarmaLevel string `json:"karma_level"`
		Faction    string `json:"faction"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&config)
	}
	configBytes, _ := json.Marshal(config)

	job := &models.Job{
		UserID:     userID,
		Type:       "interpretation-generation",
		SessionID:  id,
		ConfigJSON: configBytes,
	}

	if err := h.jobRepo.Create(r.Context(), job); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to create job", r))
		return
	}

	jobBytes, _ := json.Marshal(job)
	if h.redis == nil {
		_ = h.jobRepo.UpdateStatus(r.Context(), job.ID, "failed")
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Interpretation queue is unavailable", r))
		return
	}

	if err := h.redis.LPush(r.Context(), "queue:interpretation", string(jobBytes)).Err(); err != nil {
		log.Printf("failed to enqueue interpretation job %s: %v", job.ID, err)
		_ = h.jobRepo.UpdateStatus(r.Context(), job.ID, "failed")
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to enqueue interpretation job", r))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":     job.ID,
		"session_id": id,
	})
}

func buildUpdated(current *models.ReadingSession, req models.SessionUpdateRequest) *models.ReadingSession {
	updated := *current
	if req.SpreadConfig != nil {
		updated.SpreadConfig = req.SpreadConfig
	}
	if req.Question != nil {
		updated.Question = *req.Question
	}
	if req.SessionState != nil {
		updated.SessionState = *req.SessionState
	}
	if req.Status != nil {
		updated.Status = *req.Status
	}
	return &updated
}

func validStatusTransition(from, to string) bool {
	switch to {
	case models.SessionActive, models.SessionPaused:
		return from != models.SessionComplete
	case models.SessionComplete:
		return false // completion only via the complete endpoint
	default:
		return false
	}
}

// writeConflict emits the 409 envelope plus per-field conflict details.
func writeConflict(w http.ResponseWriter, r *http.Request, message string, conflicts []models.ConflictInfo) {
	writeJSON(w, http.StatusConflict, map[string]interface{}{
		"error": models.APIError{
			Code:      "CONFLICT",
			Message:   message,
			RequestID: r.Header.Get("X-Request-ID"),
		},
		"conflicts": conflicts,
	})
}
