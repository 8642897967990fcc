package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wasteland-tarot/internal/models"
)

// Status is the auto-save indicator exposed to consumers.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSaving  Status = "saving"
	StatusSaved   Status = "saved"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

const (
	maxSyncRetries  = 5
	syncBackoffBase = 1 * time.Second
	syncBackoffMax  = 60 * time.Second
)

// SyncQueueItem is one pending mutation awaiting server confirmation.
type SyncQueueItem struct {
	Action        string // "create" | "update" | "delete"
	SessionID     string
	RetryCount    int
	LastError     string
	EnqueuedAt    time.Time
	NextAttemptAt time.Time

	// Marks an item already tried in the current drain, so one invocation
	// attempts each item at most once.
	attempted bool
}

// State is a read-only snapshot of the store. Consumers render from this;
// all mutations go through store operations.
type State struct {
	ActiveSession   *models.ReadingSession
	Sessions        []models.SessionMetadata
	QueueLength     int
	IsOnline        bool
	AutoSaveEnabled bool
	AutoSaveStatus  Status
	LastSavedAt     time.Time
	Conflicts       []models.ConflictInfo
	IsLoading       bool
	IsCreating      bool
	IsUpdating      bool
	IsDeleting      bool
	Err             error
}

// Store owns the active reading session, the incomplete-session list, and
// the offline sync queue. The remote API is the system of record; the
// store reconciles toward it.
type Store struct {
	mu  sync.Mutex
	api API

	userID uuid.UUID
	now    func() time.Time

	active   *models.ReadingSession
	sessions []models.SessionMetadata
	cache    map[string]*models.ReadingSession
	queue    []SyncQueueItem

	// Offline-born ids that have since been promoted to server ids.
	promoted map[string]string

	isOnline        bool
	autoSaveEnabled bool
	autoSaveStatus  Status
	lastSavedAt     time.Time

	conflicts      []models.ConflictInfo
	conflictServer *models.ReadingSession
	conflictClient *models.ReadingSession

	isLoading  bool
	isCreating bool
	isUpdating bool
	isDeleting bool
	err        error

	// Serializes persist calls per session id so two writes never race on
	// updated_at.
	inflight map[string]*sync.Mutex
}

func NewStore(api API, userID uuid.UUID) *Store {
	return &Store{
		api:             api,
		userID:          userID,
		now:             time.Now,
		cache:           make(map[string]*models.ReadingSession),
		promoted:        make(map[string]string),
		inflight:        make(map[string]*sync.Mutex),
		isOnline:        true,
		autoSaveEnabled: true,
		autoSaveStatus:  StatusIdle,
	}
}

// Snapshot returns a copy of the observable store state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Sessions:        append([]models.SessionMetadata(nil), s.sessions...),
		QueueLength:     len(s.queue),
		IsOnline:        s.isOnline,
		AutoSaveEnabled: s.autoSaveEnabled,
		AutoSaveStatus:  s.autoSaveStatus,
		LastSavedAt:     s.lastSavedAt,
		Conflicts:       append([]models.ConflictInfo(nil), s.conflicts...),
		IsLoading:       s.isLoading,
		IsCreating:      s.isCreating,
		IsUpdating:      s.isUpdating,
		IsDeleting:      s.isDeleting,
		Err:             s.err,
	}
	if s.active != nil {
		active := *s.active
		st.ActiveSession = &active
	}
	return st
}

// sessionLock returns the per-id mutex used to serialize persist calls.
func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.inflight[id]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.inflight[id] = m
	return m
}

func (s *Store) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// CreateSession creates a new reading session. When the remote call cannot
// complete, the session is kept locally with a client-generated id and
// queued for sync instead of being dropped.
func (s *Store) CreateSession(ctx context.Context, spreadType, question string, state models.SessionState) (*models.ReadingSession, error) {
	if err := validateCreate(s.userID, spreadType, question, state); err != nil {
		s.setErr(err)
		return nil, err
	}

	s.mu.Lock()
	s.isCreating = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isCreating = false
		s.mu.Unlock()
	}()

	created, err := s.api.CreateSession(ctx, models.SessionCreateRequest{
		SpreadType:   spreadType,
		Question:     question,
		SessionState: state,
	})
	if err != nil {
		if IsOfflineError(err) {
			local := s.createLocal(spreadType, question, state)
			return local, nil
		}
		s.setErr(err)
		return nil, err
	}

	s.mu.Lock()
	s.cache[created.ID] = created
	s.active = created
	s.err = nil
	s.mu.Unlock()
	return created, nil
}

// createLocal builds an offline-born session and queues its creation.
func (s *Store) createLocal(spreadType, question string, state models.SessionState) *models.ReadingSession {
	now := s.now()
	local := &models.ReadingSession{
		ID:           NewLocalIdentity().ID,
		UserID:       s.userID,
		SpreadType:   spreadType,
		Question:     question,
		SessionState: state,
		Status:       models.SessionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		Offline:      true,
		PendingSync:  true,
		LocalOnly:    true,
	}

	s.mu.Lock()
	s.cache[local.ID] = local
	s.active = local
	s.isOnline = false
	s.autoSaveStatus = StatusOffline
	s.enqueueLocked("create", local.ID)
	s.mu.Unlock()
	return local
}

// GetSession returns the session or nil when the id is unknown. Transport
// failure is the only error path.
func (s *Store) GetSession(ctx context.Context, id string) (*models.ReadingSession, error) {
	id = s.resolveID(id)

	s.mu.Lock()
	if cached, ok := s.cache[id]; ok {
		copied := *cached
		s.mu.Unlock()
		return &copied, nil
	}
	s.mu.Unlock()

	if ParseIdentity(id).IsLocal() {
		return nil, nil
	}

	fetched, err := s.api.GetSession(ctx, id)
	if err != nil {
		s.setErr(err)
		return nil, err
	}
	if fetched == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.cache[fetched.ID] = fetched
	s.mu.Unlock()
	copied := *fetched
	return &copied, nil
}

// UpdateSession merges the provided fields into the session. A server copy
// with a newer updated_at and diverging fields surfaces a ConflictError
// with per-field ConflictInfo entries; nothing is auto-resolved.
func (s *Store) UpdateSession(ctx context.Context, id string, req models.SessionUpdateRequest) (*models.ReadingSession, error) {
	id = s.resolveID(id)

	s.mu.Lock()
	cached, inCache := s.cache[id]
	var isComplete, isLocalOnly bool
	var base time.Time
	if inCache {
		isComplete = cached.Status == models.SessionComplete
		isLocalOnly = cached.LocalOnly
		base = cached.UpdatedAt
	}
	s.isUpdating = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isUpdating = false
		s.mu.Unlock()
	}()

	if isComplete {
		err := &InvalidStateError{Message: "session is complete and can no longer be modified"}
		s.setErr(err)
		return nil, err
	}
	if req.SessionState != nil {
		if err := validateState(*req.SessionState); err != nil {
			s.setErr(err)
			return nil, err
		}
	}

	// Offline-born sessions merge locally; the queued create carries the
	// full state when it syncs.
	if isLocalOnly {
		s.mu.Lock()
		applyUpdate(cached, req)
		cached.UpdatedAt = s.now()
		copied := *cached
		s.err = nil
		s.mu.Unlock()
		return &copied, nil
	}

	if inCache {
		req.BaseUpdatedAt = &base
	}

	lock := s.sessionLock(id)
	lock.Lock()
	updated, err := s.api.UpdateSession(ctx, id, req)
	lock.Unlock()

	if err != nil {
		switch e := err.(type) {
		case *ConflictError:
			s.recordConflict(id, e.Conflicts)
			s.setErr(err)
			return nil, err
		case *NotFoundError:
			if !inCache {
				s.setErr(err)
				return nil, err
			}
		}
		if IsOfflineError(err) && inCache {
			s.mu.Lock()
			applyUpdate(cached, req)
			cached.UpdatedAt = s.now()
			cached.Offline = true
			cached.PendingSync = true
			s.isOnline = false
			s.autoSaveStatus = StatusOffline
			s.enqueueLocked("update", id)
			copied := *cached
			s.mu.Unlock()
			return &copied, nil
		}
		s.setErr(err)
		return nil, err
	}

	s.mu.Lock()
	s.cache[updated.ID] = updated
	if s.active != nil && s.active.ID == updated.ID {
		s.active = updated
		s.lastSavedAt = s.now()
	}
	s.err = nil
	s.mu.Unlock()
	copied := *updated
	return &copied, nil
}

// DeleteSession removes the session. Deleting an already-absent id is not
// an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	id = s.resolveID(id)

	s.mu.Lock()
	cached, inCache := s.cache[id]
	localOnly := inCache && cached.LocalOnly
	s.isDeleting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isDeleting = false
		s.mu.Unlock()
	}()

	if !localOnly && !ParseIdentity(id).IsLocal() {
		lock := s.sessionLock(id)
		lock.Lock()
		err := s.api.DeleteSession(ctx, id)
		lock.Unlock()
		if err != nil {
			if IsOfflineError(err) {
				s.mu.Lock()
				s.removeLocalLocked(id)
				s.isOnline = false
				s.enqueueLocked("delete", id)
				s.mu.Unlock()
				return nil
			}
			s.setErr(err)
			return err
		}
	}

	s.mu.Lock()
	s.removeLocalLocked(id)
	if localOnly {
		// The server never saw this session, so drop its queued mutations.
		s.dropQueuedLocked(id)
	}
	s.err = nil
	s.mu.Unlock()
	return nil
}

func (s *Store) removeLocalLocked(id string) {
	delete(s.cache, id)
	if s.active != nil && s.active.ID == id {
		s.active = nil
	}
	kept := s.sessions[:0]
	for _, m := range s.sessions {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	s.sessions = kept
}

func (s *Store) dropQueuedLocked(id string) {
	kept := s.queue[:0]
	for _, item := range s.queue {
		if item.SessionID != id {
			kept = append(kept, item)
		}
	}
	s.queue = kept
}

// CompleteSession finalizes the session, producing the permanent reading
// record. Complete is terminal; completing twice is an InvalidStateError.
func (s *Store) CompleteSession(ctx context.Context, id string) (*models.SessionCompletionResult, error) {
	id = s.resolveID(id)

	s.mu.Lock()
	cached, inCache := s.cache[id]
	var isComplete, isLocalOnly bool
	if inCache {
		isComplete = cached.Status == models.SessionComplete
		isLocalOnly = cached.LocalOnly
	}
	s.mu.Unlock()

	if isComplete {
		err := &InvalidStateError{Message: "session is already complete"}
		s.setErr(err)
		return nil, err
	}
	if isLocalOnly {
		err := &NetworkError{Message: "session has not been synced yet; completion requires the server"}
		s.setErr(err)
		return nil, err
	}

	lock := s.sessionLock(id)
	lock.Lock()
	result, err := s.api.CompleteSession(ctx, id)
	lock.Unlock()
	if err != nil {
		s.setErr(err)
		return nil, err
	}

	s.mu.Lock()
	completed := result.Session
	s.cache[completed.ID] = &completed
	if s.active != nil && s.active.ID == completed.ID {
		s.active = &completed
	}
	s.removeFromListLocked(completed.ID)
	s.err = nil
	s.mu.Unlock()
	return result, nil
}

func (s *Store) removeFromListLocked(id string) {
	kept := s.sessions[:0]
	for _, m := range s.sessions {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	s.sessions = kept
}

// LoadIncompleteSessions appends a page of incomplete-session summaries to
// the in-memory list. The active session is never touched.
func (s *Store) LoadIncompleteSessions(ctx context.Context, limit, offset int) error {
	return s.loadSessions(ctx, limit, offset, true)
}

// RefreshSessions replaces the list with the first page.
func (s *Store) RefreshSessions(ctx context.Context) error {
	return s.loadSessions(ctx, 20, 0, false)
}

func (s *Store) loadSessions(ctx context.Context, limit, offset int, appendTo bool) error {
	s.mu.Lock()
	s.isLoading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isLoading = false
		s.mu.Unlock()
	}()

	list, err := s.api.ListIncomplete(ctx, limit, offset)
	if err != nil {
		s.setErr(err)
		return err
	}

	s.mu.Lock()
	if appendTo {
		s.sessions = append(s.sessions, list.Sessions...)
	} else {
		s.sessions = list.Sessions
	}
	s.err = nil
	s.mu.Unlock()
	return nil
}

// SetActiveSession points the store at the given session.
func (s *Store) SetActiveSession(sess *models.ReadingSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess != nil {
		s.cache[sess.ID] = sess
	}
	s.active = sess
}

// ResumeSession makes the session active, fetching it first when it is not
// already cached. A paused session transitions back to active.
func (s *Store) ResumeSession(ctx context.Context, id string) (*models.ReadingSession, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		err := &NotFoundError{Message: fmt.Sprintf("session %s not found", id)}
		s.setErr(err)
		return nil, err
	}
	if sess.Status == models.SessionComplete {
		err := &InvalidStateError{Message: "cannot resume a completed session"}
		s.setErr(err)
		return nil, err
	}

	s.mu.Lock()
	cached, ok := s.cache[s.resolveIDLocked(id)]
	if !ok {
		cached = sess
		s.cache[sess.ID] = sess
	}
	if cached.Status == models.SessionPaused {
		cached.Status = models.SessionActive
	}
	now := s.now()
	cached.LastAccessedAt = &now
	s.active = cached
	copied := *cached
	s.mu.Unlock()
	return &copied, nil
}

// PauseSession parks the active session and clears the pointer.
func (s *Store) PauseSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	if s.active.Status == models.SessionActive {
		s.active.Status = models.SessionPaused
	}
	s.active = nil
}

func (s *Store) EnableAutoSave() {
	s.mu.Lock()
	s.autoSaveEnabled = true
	s.mu.Unlock()
}

func (s *Store) DisableAutoSave() {
	s.mu.Lock()
	s.autoSaveEnabled = false
	s.mu.Unlock()
}

func (s *Store) AutoSaveEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoSaveEnabled
}

func (s *Store) HasActiveSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *Store) LastSavedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSavedAt
}

// TriggerAutoSave persists the active session. It is a no-op when there is
// no active session or auto-save is disabled.
func (s *Store) TriggerAutoSave(ctx context.Context) error {
	s.mu.Lock()
	if s.active == nil || !s.autoSaveEnabled {
		s.mu.Unlock()
		return nil
	}
	active := s.active
	id := active.ID
	s.autoSaveStatus = StatusSaving
	s.mu.Unlock()

	// Offline-born sessions persist through the sync path, not PATCH.
	if ParseIdentity(id).IsLocal() {
		return s.persistLocal(ctx, id)
	}

	s.mu.Lock()
	state := active.SessionState
	question := active.Question
	base := active.UpdatedAt
	s.mu.Unlock()

	req := models.SessionUpdateRequest{
		Question:      &question,
		SessionState:  &state,
		BaseUpdatedAt: &base,
	}

	lock := s.sessionLock(id)
	lock.Lock()
	updated, err := s.api.UpdateSession(ctx, id, req)
	lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if IsOfflineError(err) {
			s.isOnline = false
			s.autoSaveStatus = StatusOffline
			if cached, ok := s.cache[id]; ok {
				cached.Offline = true
				cached.PendingSync = true
			}
			s.enqueueLocked("update", id)
			return err
		}
		if ce, ok := err.(*ConflictError); ok {
			s.recordConflictLocked(id, ce.Conflicts)
		}
		s.autoSaveStatus = StatusError
		s.err = err
		return err
	}

	s.cache[updated.ID] = updated
	if s.active != nil && s.active.ID == updated.ID {
		s.active = updated
	}
	s.autoSaveStatus = StatusSaved
	s.lastSavedAt = s.now()
	s.err = nil
	return nil
}

// persistLocal promotes an offline-born session by creating it remotely.
func (s *Store) persistLocal(ctx context.Context, localID string) error {
	s.mu.Lock()
	cached, ok := s.cache[localID]
	if !ok {
		s.autoSaveStatus = StatusIdle
		s.mu.Unlock()
		return nil
	}
	req := models.SessionCreateRequest{
		SpreadType:   cached.SpreadType,
		SpreadConfig: cached.SpreadConfig,
		Question:     cached.Question,
		SessionState: cached.SessionState,
		ClientID:     localID,
	}
	s.mu.Unlock()

	lock := s.sessionLock(localID)
	lock.Lock()
	created, err := s.api.CreateSession(ctx, req)
	lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if IsOfflineError(err) {
			s.isOnline = false
			s.autoSaveStatus = StatusOffline
			s.enqueueLocked("create", localID)
			return err
		}
		s.autoSaveStatus = StatusError
		s.err = err
		return err
	}

	s.promoteLocked(localID, created)
	s.autoSaveStatus = StatusSaved
	s.lastSavedAt = s.now()
	s.err = nil
	return nil
}

// promoteLocked swaps a local identity for the server-assigned one. The
// queued create is settled by the promotion itself and leaves the queue
// here; later mutations follow the server id.
func (s *Store) promoteLocked(localID string, created *models.ReadingSession) {
	delete(s.cache, localID)
	s.cache[created.ID] = created
	s.promoted[localID] = created.ID
	if s.active != nil && s.active.ID == localID {
		s.active = created
	}
	kept := s.queue[:0]
	for _, item := range s.queue {
		if item.Action == "create" && item.SessionID == localID {
			continue
		}
		if item.SessionID == localID {
			item.SessionID = created.ID
		}
		kept = append(kept, item)
	}
	s.queue = kept
}

func (s *Store) resolveID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveIDLocked(id)
}

func (s *Store) resolveIDLocked(id string) string {
	if remote, ok := s.promoted[id]; ok {
		return remote
	}
	return id
}

// SetOnline flips the connectivity flag. Coming back online drains the
// sync queue and clears an offline auto-save status.
func (s *Store) SetOnline(ctx context.Context, online bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = online
	if online && s.autoSaveStatus == StatusOffline {
		s.autoSaveStatus = StatusIdle
	}
	s.mu.Unlock()

	if online && !wasOnline {
		s.ProcessSyncQueue(ctx)
	}
}

func (s *Store) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOnline
}
