package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"wasteland-tarot/internal/middleware"
	"wasteland-tarot/internal/models"
)

type stubSessionRepo struct {
	sessions map[string]*models.ReadingSession
	created  []string
	updated  []string
	deleted  []string
}

func newStubSessionRepo() *stubSessionRepo {
	return &stubSessionRepo{sessions: make(map[string]*models.ReadingSession)}
}

func (s *stubSessionRepo) Create(ctx context.Context, sess *models.ReadingSession) error {
	now := time.Now().UTC()
	sess.Status = models.SessionActive
	sess.CreatedAt = now
	sess.UpdatedAt = now
	copied := *sess
	s.sessions[sess.ID] = &copied
	s.created = append(s.created, sess.ID)
	return nil
}

func (s *stubSessionRepo) GetByID(ctx context.Context, id string, userID uuid.UUID) (*models.ReadingSession, error) {
	sess, ok := s.sessions[id]
	if !ok || sess.UserID != userID {
		return nil, pgx.ErrNoRows
	}
	copied := *sess
	return &copied, nil
}

func (s *stubSessionRepo) Update(ctx context.Context, sess *models.ReadingSession) error {
	sess.UpdatedAt = time.Now().UTC()
	copied := *sess
	s.sessions[sess.ID] = &copied
	s.updated = append(s.updated, sess.ID)
	return nil
}

func (s *stubSessionRepo) ListIncomplete(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.SessionMetadata, int, error) {
	var out []models.SessionMetadata
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Status != models.SessionComplete {
			out = append(out, models.SessionMetadata{ID: sess.ID, SpreadType: sess.SpreadType, Status: sess.Status})
		}
	}
	return out, len(out), nil
}

func (s *stubSessionRepo) Delete(ctx context.Context, id string, userID uuid.UUID) error {
	delete(s.sessions, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubSessionRepo) Complete(ctx context.Context, sess *models.ReadingSession) (uuid.UUID, error) {
	stored, ok := s.sessions[sess.ID]
	if !ok || stored.Status == models.SessionComplete {
		return uuid.Nil, pgx.ErrNoRows
	}
	stored.Status = models.SessionComplete
	sess.Status = models.SessionComplete
	return uuid.New(), nil
}

func authedRequest(method, target string, body []byte, userID uuid.UUID, urlParams map[string]string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Content-Type", "application/json")

	rctx := chi.NewRouteContext()
	for k, v := range urlParams {
		rctx.URLParams.Add(k, v)
	}
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
	return req
}

func seedSession(repo *stubSessionRepo, userID uuid.UUID, id string) *models.ReadingSession {
	sess := &models.ReadingSession{
		ID:         id,
		UserID:     userID,
		SpreadType: "three_card",
		Question:   "Should I trust the caravan?",
		Status:     models.SessionActive,
		UpdatedAt:  time.Now().UTC().Add(-time.Minute),
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	repo.sessions[id] = sess
	return sess
}

func TestSessionHandler_CreateValidation(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}

	body, _ := json.Marshal(models.SessionCreateRequest{Question: "What waits at Vault 101?"})
	req := authedRequest(http.MethodPost, "/api/v1/sessions", body, uuid.New(), nil)

	rr := httptest.NewRecorder()
	h.Create(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if len(repo.created) != 0 {
		t.Fatalf("no session should be created on validation failure")
	}

	var resp models.ErrorResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error code %q", resp.Error.Code)
	}
	if _, ok := resp.Error.Fields["spread_type"]; !ok {
		t.Fatalf("expected spread_type field error, got %v", resp.Error.Fields)
	}
}

func TestSessionHandler_CreateHonorsClientID(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}
	userID := uuid.New()

	body, _ := json.Marshal(models.SessionCreateRequest{
		SpreadType: "single_card",
		Question:   "Is the water chip out there?",
		ClientID:   "local-" + uuid.New().String(),
	})
	req := authedRequest(http.MethodPost, "/api/v1/sessions", body, userID, nil)

	rr := httptest.NewRecorder()
	h.Create(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, rr.Code)
	}

	var sess models.ReadingSession
	if err := json.NewDecoder(rr.Body).Decode(&sess); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(sess.ID) < 6 || sess.ID[:6] != "local-" {
		t.Fatalf("expected client id to be honored, got %q", sess.ID)
	}
}

func TestSessionHandler_CreateReplayIsIdempotent(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}
	userID := uuid.New()
	clientID := "local-" + uuid.New().String()
	seedSession(repo, userID, clientID)

	body, _ := json.Marshal(models.SessionCreateRequest{
		SpreadType: "three_card",
		Question:   "Should I trust the caravan?",
		ClientID:   clientID,
	})
	req := authedRequest(http.MethodPost, "/api/v1/sessions", body, userID, nil)

	rr := httptest.NewRecorder()
	h.Create(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d for replay, got %d", http.StatusOK, rr.Code)
	}
	if len(repo.created) != 0 {
		t.Fatalf("replayed create should not insert a second row")
	}
}

func TestSessionHandler_UpdateCompletedSessionRejected(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}
	userID := uuid.New()
	sess := seedSession(repo, userID, uuid.New().String())
	sess.Status = models.SessionComplete

	question := "Changed my mind"
	body, _ := json.Marshal(models.SessionUpdateRequest{Question: &question})
	req := authedRequest(http.MethodPatch, "/api/v1/sessions/"+sess.ID, body, userID, map[string]string{"id": sess.ID})

	rr := httptest.NewRecorder()
	h.Update(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rr.Code)
	}

	var resp models.ErrorResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Error.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %q", resp.Error.Code)
	}
	if len(repo.updated) != 0 {
		t.Fatalf("completed session must not be updated")
	}
}

func TestSessionHandler_UpdateStaleCopyConflict(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}
	userID := uuid.New()
	sess := seedSession(repo, userID, uuid.New().String())

	// Client saw the session an hour ago; the server copy changed since.
	base := sess.UpdatedAt.Add(-time.Hour)
	question := "A different question entirely"
	body, _ := json.Marshal(models.SessionUpdateRequest{Question: &question, BaseUpdatedAt: &base})
	req := authedRequest(http.MethodPatch, "/api/v1/sessions/"+sess.ID, body, userID, map[string]string{"id": sess.ID})

	rr := httptest.NewRecorder()
	h.Update(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rr.Code)
	}

	var resp struct {
		Error     models.APIError       `json:"error"`
		Conflicts []models.ConflictInfo `json:"conflicts"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %q", resp.Error.Code)
	}
	if len(resp.Conflicts) == 0 {
		t.Fatalf("expected per-field conflict details")
	}
	if resp.Conflicts[0].Field != "question" {
		t.Fatalf("expected question conflict, got %q", resp.Conflicts[0].Field)
	}
}

func TestSessionHandler_UpdateStaleCopySameValuesSucceeds(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}
	userID := uuid.New()
	sess := seedSession(repo, userID, uuid.New().String())

	// Stale base but the submitted value matches the server copy.
	base := sess.UpdatedAt.Add(-time.Hour)
	question := sess.Question
	body, _ := json.Marshal(models.SessionUpdateRequest{Question: &question, BaseUpdatedAt: &base})
	req := authedRequest(http.MethodPatch, "/api/v1/sessions/"+sess.ID, body, userID, map[string]string{"id": sess.ID})

	rr := httptest.NewRecorder()
	h.Update(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestSessionHandler_CompleteAlreadyComplete(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}
	userID := uuid.New()
	sess := seedSession(repo, userID, uuid.New().String())
	sess.Status = models.SessionComplete

	req := authedRequest(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/complete", nil, userID, map[string]string{"id": sess.ID})

	rr := httptest.NewRecorder()
	h.Complete(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rr.Code)
	}
}

func TestSessionHandler_CompleteReturnsReadingID(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}
	userID := uuid.New()
	sess := seedSession(repo, userID, uuid.New().String())

	req := authedRequest(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/complete", nil, userID, map[string]string{"id": sess.ID})

	rr := httptest.NewRecorder()
	h.Complete(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var result models.SessionCompletionResult
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.ReadingID == uuid.Nil {
		t.Fatalf("expected a reading id")
	}
	if result.Session.Status != models.SessionComplete {
		t.Fatalf("expected complete status, got %q", result.Session.Status)
	}
}

func TestSessionHandler_GetScopedToOwner(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}
	ownerID := uuid.New()
	sess := seedSession(repo, ownerID, uuid.New().String())

	req := authedRequest(http.MethodGet, "/api/v1/sessions/"+sess.ID, nil, uuid.New(), map[string]string{"id": sess.ID})

	rr := httptest.NewRecorder()
	h.Get(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d for non-owner, got %d", http.StatusNotFound, rr.Code)
	}
}

func TestSessionHandler_SyncCreatesUnknownSession(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}
	userID := uuid.New()

	local := models.ReadingSession{
		ID:          "local-" + uuid.New().String(),
		SpreadType:  "single_card",
		Question:    "Where did my pip-boy go?",
		Status:      models.SessionActive,
		UpdatedAt:   time.Now().UTC(),
		Offline:     true,
		PendingSync: true,
	}
	body, _ := json.Marshal(models.OfflineSessionSync{Session: local})
	req := authedRequest(http.MethodPost, "/api/v1/sessions/sync", body, userID, nil)

	rr := httptest.NewRecorder()
	h.Sync(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp models.SyncResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "synced" {
		t.Fatalf("expected synced, got %q", resp.Status)
	}

	stored := repo.sessions[local.ID]
	if stored == nil {
		t.Fatalf("session should be created on first sync")
	}
	if stored.Offline || stored.PendingSync {
		t.Fatalf("client-only flags must not be persisted")
	}
}

func TestSessionHandler_SyncReportsConflict(t *testing.T) {
	repo := newStubSessionRepo()
	h := &SessionHandler{sessionRepo: repo}
	userID := uuid.New()
	sess := seedSession(repo, userID, uuid.New().String())
	sess.UpdatedAt = time.Now().UTC() // server copy is newer

	local := *sess
	local.Question = "An offline edit"
	local.UpdatedAt = sess.UpdatedAt.Add(-time.Hour)

	body, _ := json.Marshal(models.OfflineSessionSync{Session: local})
	req := authedRequest(http.MethodPost, "/api/v1/sessions/sync", body, userID, nil)

	rr := httptest.NewRecorder()
	h.Sync(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp models.SyncResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "conflict" {
		t.Fatalf("expected conflict, got %q", resp.Status)
	}
	if len(resp.Conflicts) == 0 {
		t.Fatalf("expected conflict details")
	}
	if len(repo.updated) != 0 {
		t.Fatalf("conflicting sync must not overwrite the server copy")
	}
}
