package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"wasteland-tarot/internal/models"
)

// fakeAPI implements API with overridable behavior and call recording.
type fakeAPI struct {
	mu       sync.Mutex
	sessions map[string]*models.ReadingSession
	calls    []string
	offline  bool
	seq      int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{sessions: make(map[string]*models.ReadingSession)}
}

func (f *fakeAPI) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) CreateSession(ctx context.Context, req models.SessionCreateRequest) (*models.ReadingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create:" + req.ClientID)
	if f.offline {
		return nil, &NetworkError{Message: "offline"}
	}
	f.seq++
	now := time.Now()
	s := &models.ReadingSession{
		ID:           fmt.Sprintf("srv-%d", f.seq),
		SpreadType:   req.SpreadType,
		SpreadConfig: req.SpreadConfig,
		Question:     req.Question,
		SessionState: req.SessionState,
		Status:       models.SessionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.sessions[s.ID] = s
	copied := *s
	return &copied, nil
}

func (f *fakeAPI) GetSession(ctx context.Context, id string) (*models.ReadingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get:" + id)
	if f.offline {
		return nil, &NetworkError{Message: "offline"}
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (f *fakeAPI) UpdateSession(ctx context.Context, id string, req models.SessionUpdateRequest) (*models.ReadingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update:" + id)
	if f.offline {
		return nil, &NetworkError{Message: "offline"}
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, &NotFoundError{Message: "session not found"}
	}
	if req.BaseUpdatedAt != nil && s.UpdatedAt.After(*req.BaseUpdatedAt) {
		client := *s
		applyUpdate(&client, req)
		client.UpdatedAt = *req.BaseUpdatedAt
		return nil, &ConflictError{
			Message:   "session was modified on the server",
			Conflicts: DetectConflicts(s, &client),
		}
	}
	applyUpdate(s, req)
	s.UpdatedAt = time.Now()
	copied := *s
	return &copied, nil
}

func (f *fakeAPI) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete:" + id)
	if f.offline {
		return &NetworkError{Message: "offline"}
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeAPI) CompleteSession(ctx context.Context, id string) (*models.SessionCompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("complete:" + id)
	if f.offline {
		return nil, &NetworkError{Message: "offline"}
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, &NotFoundError{Message: "session not found"}
	}
	if s.Status == models.SessionComplete {
		return nil, &InvalidStateError{Message: "session is already complete"}
	}
	s.Status = models.SessionComplete
	s.UpdatedAt = time.Now()
	copied := *s
	return &models.SessionCompletionResult{Session: copied, ReadingID: uuid.New()}, nil
}

func (f *fakeAPI) ListIncomplete(ctx context.Context, limit, offset int) (*models.SessionListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	if f.offline {
		return nil, &NetworkError{Message: "offline"}
	}
	resp := &models.SessionListResponse{Limit: limit, Offset: offset}
	for _, s := range f.sessions {
		if s.Status == models.SessionComplete {
			continue
		}
		resp.Sessions = append(resp.Sessions, models.SessionMetadata{
			ID:         s.ID,
			SpreadType: s.SpreadType,
			Question:   s.Question,
			Status:     s.Status,
			CardCount:  len(s.SessionState.CardsDrawn),
			CreatedAt:  s.CreatedAt,
			UpdatedAt:  s.UpdatedAt,
		})
	}
	resp.Total = len(resp.Sessions)
	return resp, nil
}

func (f *fakeAPI) SyncSession(ctx context.Context, req models.OfflineSessionSync) (*models.SyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("sync:" + req.Session.ID)
	if f.offline {
		return nil, &NetworkError{Message: "offline"}
	}

	existing, ok := f.sessions[req.Session.ID]
	if !ok {
		f.seq++
		s := req.Session
		s.ID = fmt.Sprintf("srv-%d", f.seq)
		s.UpdatedAt = time.Now()
		f.sessions[s.ID] = &s
		copied := s
		return &models.SyncResponse{Status: "synced", Session: &copied}, nil
	}

	client := req.Session
	if conflicts := DetectConflicts(existing, &client); len(conflicts) > 0 && existing.UpdatedAt.After(client.UpdatedAt) {
		serverCopy := *existing
		return &models.SyncResponse{Status: "conflict", Session: &serverCopy, Conflicts: conflicts}, nil
	}

	client.UpdatedAt = time.Now()
	f.sessions[client.ID] = &client
	copied := client
	return &models.SyncResponse{Status: "synced", Session: &copied}, nil
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func newTestStore(api API) *Store {
	return NewStore(api, uuid.New())
}

func emptyState() models.SessionState {
	return models.SessionState{CardsDrawn: []models.CardDraw{}}
}

func TestCreateSessionRoundTrip(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	created, err := store.CreateSession(context.Background(), "three_card", "What should I focus on?", emptyState())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Expected server-assigned id")
	}

	got, err := store.GetSession(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected session, got nil")
	}
	if got.SpreadType != "three_card" {
		t.Errorf("Expected spread_type 'three_card', got %q", got.SpreadType)
	}
	if got.Question != "What should I focus on?" {
		t.Errorf("Expected question preserved, got %q", got.Question)
	}
	if len(got.SessionState.CardsDrawn) != 0 {
		t.Errorf("Expected empty cards_drawn, got %d", len(got.SessionState.CardsDrawn))
	}
}

func TestCreateSessionValidation(t *testing.T) {
	tests := []struct {
		name       string
		spreadType string
		question   string
		state      models.SessionState
		wantField  string
	}{
		{"missing spread_type", "", "q", emptyState(), "spread_type"},
		{"missing question", "single_card", "", emptyState(), "question"},
		{"card index out of range", "single_card", "q", models.SessionState{CurrentCardIndex: 3}, "current_card_index"},
		{"interpretation past total", "single_card", "q", models.SessionState{
			Interpretation: models.InterpretationProgress{CurrentCard: 4, TotalCards: 3},
		}, "interpretation_progress"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeAPI()
			store := newTestStore(api)

			_, err := store.CreateSession(context.Background(), tc.spreadType, tc.question, tc.state)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if _, ok := ve.Fields[tc.wantField]; !ok {
				t.Errorf("Expected error on field %q, got %v", tc.wantField, ve.Fields)
			}
			if len(api.callLog()) != 0 {
				t.Error("Validation must fail before any network call")
			}
		})
	}
}

func TestGetSessionNotFound(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	got, err := store.GetSession(context.Background(), "srv-missing")
	if err != nil {
		t.Fatalf("Not-found must not raise: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil, got %+v", got)
	}
}

func TestDeleteSessionIdempotent(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	created, err := store.CreateSession(context.Background(), "single_card", "q", emptyState())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := store.DeleteSession(context.Background(), created.ID); err != nil {
		t.Fatalf("First delete failed: %v", err)
	}
	if err := store.DeleteSession(context.Background(), created.ID); err != nil {
		t.Fatalf("Second delete must be a no-op, got: %v", err)
	}
}

func TestCompleteSessionTerminal(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	created, err := store.CreateSession(context.Background(), "single_card", "q", emptyState())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	result, err := store.CompleteSession(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	if result.Session.Status != models.SessionComplete {
		t.Errorf("Expected status complete, got %q", result.Session.Status)
	}
	if result.ReadingID == uuid.Nil {
		t.Error("Expected a reading id")
	}

	// Complete is terminal: further mutation is rejected.
	var ise *InvalidStateError

	_, err = store.CompleteSession(context.Background(), created.ID)
	if !errors.As(err, &ise) {
		t.Fatalf("Expected InvalidStateError on second complete, got %v", err)
	}

	q := "changed"
	_, err = store.UpdateSession(context.Background(), created.ID, models.SessionUpdateRequest{Question: &q})
	if !errors.As(err, &ise) {
		t.Fatalf("Expected InvalidStateError on update after complete, got %v", err)
	}
}

func TestUpdateSessionStaleCopyConflict(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	created, err := store.CreateSession(context.Background(), "single_card", "original question", emptyState())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Another client updates the server behind our back.
	api.mu.Lock()
	api.sessions[created.ID].Question = "changed elsewhere"
	api.sessions[created.ID].UpdatedAt = time.Now().Add(1 * time.Minute)
	api.mu.Unlock()

	q := "my stale edit"
	_, err = store.UpdateSession(context.Background(), created.ID, models.SessionUpdateRequest{Question: &q})

	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConflictError, got %v", err)
	}
	found := false
	for _, c := range ce.Conflicts {
		if c.Field == "question" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a ConflictInfo entry for question, got %+v", ce.Conflicts)
	}

	st := store.Snapshot()
	if len(st.Conflicts) == 0 {
		t.Error("Conflict must be surfaced on store state")
	}
}

func TestCreateSessionOfflineQueues(t *testing.T) {
	api := newFakeAPI()
	api.setOffline(true)
	store := newTestStore(api)

	local, err := store.CreateSession(context.Background(), "three_card", "q", emptyState())
	if err != nil {
		t.Fatalf("Offline create must not drop the session: %v", err)
	}
	if !local.LocalOnly || !local.PendingSync {
		t.Errorf("Expected _local_only and _pending_sync, got %+v", local)
	}
	if !ParseIdentity(local.ID).IsLocal() {
		t.Errorf("Expected client-generated local id, got %q", local.ID)
	}

	st := store.Snapshot()
	if st.QueueLength != 1 {
		t.Errorf("Expected 1 queued item, got %d", st.QueueLength)
	}
	if st.IsOnline {
		t.Error("Store should have flipped offline")
	}
}

func TestOfflineToOnlineDrainsQueueInOrder(t *testing.T) {
	api := newFakeAPI()
	api.setOffline(true)
	store := newTestStore(api)

	// Three offline creates enqueue three items.
	var locals []string
	for i := 0; i < 3; i++ {
		local, err := store.CreateSession(context.Background(), "single_card", fmt.Sprintf("q%d", i), emptyState())
		if err != nil {
			t.Fatalf("Offline create %d failed: %v", i, err)
		}
		locals = append(locals, local.ID)
	}
	if got := store.Snapshot().QueueLength; got != 3 {
		t.Fatalf("Expected 3 queued items, got %d", got)
	}

	api.setOffline(false)
	api.mu.Lock()
	api.calls = nil
	api.mu.Unlock()

	store.SetOnline(context.Background(), true)

	calls := api.callLog()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 sync attempts, got %d: %v", len(calls), calls)
	}
	for i, id := range locals {
		if calls[i] != "create:"+id {
			t.Errorf("Item %d attempted out of order: expected create:%s, got %s", i, id, calls[i])
		}
	}
	if got := store.Snapshot().QueueLength; got != 0 {
		t.Errorf("Expected drained queue, got %d items", got)
	}
}

func TestSyncQueueRetryCeiling(t *testing.T) {
	api := newFakeAPI()
	api.setOffline(true)
	store := newTestStore(api)

	if _, err := store.CreateSession(context.Background(), "single_card", "q", emptyState()); err != nil {
		t.Fatalf("Offline create failed: %v", err)
	}

	// Fail server-side (not offline) so the drain keeps retrying the item.
	base := time.Now()
	elapsed := time.Duration(0)
	store.now = func() time.Time { return base.Add(elapsed) }

	api.mu.Lock()
	api.offline = true
	api.mu.Unlock()
	store.mu.Lock()
	store.isOnline = true
	store.mu.Unlock()

	for i := 0; i < maxSyncRetries; i++ {
		elapsed += 2 * syncBackoffMax
		store.ProcessSyncQueue(context.Background())
		store.mu.Lock()
		store.isOnline = true
		store.mu.Unlock()
	}

	if got := store.Snapshot().QueueLength; got != 0 {
		t.Errorf("Expected item dropped after %d retries, got %d queued", maxSyncRetries, got)
	}
	if store.Snapshot().Err == nil {
		t.Error("Dropped item must leave its last error on store state")
	}
}

func TestPromotedCreateLeavesQueueSettled(t *testing.T) {
	api := newFakeAPI()
	api.setOffline(true)
	store := newTestStore(api)

	local, err := store.CreateSession(context.Background(), "single_card", "q", emptyState())
	if err != nil {
		t.Fatalf("Offline create failed: %v", err)
	}

	api.setOffline(false)
	api.mu.Lock()
	api.calls = nil
	api.mu.Unlock()

	store.SetOnline(context.Background(), true)
	if got := store.Snapshot().QueueLength; got != 0 {
		t.Fatalf("Expected settled queue after promotion, got %d items", got)
	}

	// A second drain must not replay the create against the server id.
	store.ProcessSyncQueue(context.Background())
	creates := 0
	for _, c := range api.callLog() {
		if c == "create:"+local.ID {
			creates++
		}
	}
	if creates != 1 {
		t.Errorf("Expected exactly one create for %s, got %d", local.ID, creates)
	}
}

func TestAutoSavePromotionSettlesQueuedCreate(t *testing.T) {
	api := newFakeAPI()
	api.setOffline(true)
	store := newTestStore(api)

	local, err := store.CreateSession(context.Background(), "single_card", "q", emptyState())
	if err != nil {
		t.Fatalf("Offline create failed: %v", err)
	}

	api.setOffline(false)
	if err := store.TriggerAutoSave(context.Background()); err != nil {
		t.Fatalf("TriggerAutoSave failed: %v", err)
	}

	st := store.Snapshot()
	if st.QueueLength != 0 {
		t.Errorf("Promotion must settle the queued create, got %d items", st.QueueLength)
	}
	if st.ActiveSession == nil || ParseIdentity(st.ActiveSession.ID).IsLocal() {
		t.Fatalf("Expected active session promoted to a server id, got %+v", st.ActiveSession)
	}

	// The old local id still resolves to the promoted row.
	got, err := store.GetSession(context.Background(), local.ID)
	if err != nil || got == nil {
		t.Fatalf("Promoted session must stay reachable by its local id: %v", err)
	}
}

func TestReconnectDrainRetriesFailedItem(t *testing.T) {
	api := newFakeAPI()
	api.setOffline(true)
	store := newTestStore(api)

	if _, err := store.CreateSession(context.Background(), "single_card", "q", emptyState()); err != nil {
		t.Fatalf("Offline create failed: %v", err)
	}

	base := time.Now()
	elapsed := time.Duration(0)
	store.now = func() time.Time { return base.Add(elapsed) }

	// A drain while still unreachable fails the item but keeps it queued.
	store.ProcessSyncQueue(context.Background())
	if got := store.Snapshot().QueueLength; got != 1 {
		t.Fatalf("Expected item kept after offline failure, got %d", got)
	}

	// Reconnection replays it once its backoff window has elapsed.
	elapsed += 2 * syncBackoffBase
	api.setOffline(false)
	store.SetOnline(context.Background(), true)

	if got := store.Snapshot().QueueLength; got != 0 {
		t.Errorf("Reconnect drain must replay the queued create, got %d items left", got)
	}
}

func TestStoreCacheDoesNotAliasServerRows(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	created, err := store.CreateSession(context.Background(), "single_card", "original", emptyState())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// A server-side write must not leak into the cached copy.
	api.mu.Lock()
	api.sessions[created.ID].Question = "changed elsewhere"
	api.mu.Unlock()

	got, err := store.GetSession(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Question != "original" {
		t.Errorf("Cached copy aliases the server row: got %q", got.Question)
	}
}

func TestTriggerAutoSaveUpdatesStatus(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	created, err := store.CreateSession(context.Background(), "three_card", "What should I focus on?", emptyState())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Draw one card, then save.
	state := created.SessionState
	state.CardsDrawn = append(state.CardsDrawn, models.CardDraw{
		CardID: "major-00", Name: "The Wanderer", Orientation: "upright", DrawnAt: time.Now(),
	})
	state.CurrentCardIndex = 0
	if _, err := store.UpdateSession(context.Background(), created.ID, models.SessionUpdateRequest{SessionState: &state}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	if err := store.TriggerAutoSave(context.Background()); err != nil {
		t.Fatalf("TriggerAutoSave failed: %v", err)
	}

	st := store.Snapshot()
	if st.AutoSaveStatus != StatusSaved {
		t.Errorf("Expected status saved, got %q", st.AutoSaveStatus)
	}
	if st.LastSavedAt.IsZero() {
		t.Error("Expected lastSavedAt to be set")
	}
}

func TestTriggerAutoSaveNoActiveSessionIsNoop(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	if err := store.TriggerAutoSave(context.Background()); err != nil {
		t.Fatalf("Expected no-op, got %v", err)
	}
	if len(api.callLog()) != 0 {
		t.Error("No network call expected without an active session")
	}

	created, _ := store.CreateSession(context.Background(), "single_card", "q", emptyState())
	store.DisableAutoSave()
	api.mu.Lock()
	api.calls = nil
	api.mu.Unlock()

	if err := store.TriggerAutoSave(context.Background()); err != nil {
		t.Fatalf("Expected no-op when disabled, got %v", err)
	}
	if len(api.callLog()) != 0 {
		t.Errorf("No network call expected when auto-save disabled (session %s)", created.ID)
	}
}

func TestPauseAndResumeSession(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	created, err := store.CreateSession(context.Background(), "single_card", "q", emptyState())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	store.PauseSession()
	if store.HasActiveSession() {
		t.Error("Pause must clear the active pointer")
	}

	resumed, err := store.ResumeSession(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("ResumeSession failed: %v", err)
	}
	if resumed.Status != models.SessionActive {
		t.Errorf("Expected resumed session active, got %q", resumed.Status)
	}
	if !store.HasActiveSession() {
		t.Error("Resume must set the active pointer")
	}
}

func TestLoadIncompleteSessionsLeavesActiveAlone(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	created, err := store.CreateSession(context.Background(), "three_card", "active one", emptyState())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := store.LoadIncompleteSessions(context.Background(), 10, 0); err != nil {
		t.Fatalf("LoadIncompleteSessions failed: %v", err)
	}

	st := store.Snapshot()
	if len(st.Sessions) != 1 {
		t.Errorf("Expected 1 incomplete session, got %d", len(st.Sessions))
	}
	if st.ActiveSession == nil || st.ActiveSession.ID != created.ID {
		t.Error("Listing must not mutate the active session")
	}
}
