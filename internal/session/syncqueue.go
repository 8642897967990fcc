package session

import (
	"context"

	"wasteland-tarot/internal/models"
)

// enqueueLocked appends a pending mutation, collapsing duplicates: a
// second failed save of the same session should not double it in the
// queue. Caller holds s.mu.
func (s *Store) enqueueLocked(action, sessionID string) {
	for _, item := range s.queue {
		if item.Action == action && item.SessionID == sessionID {
			return
		}
	}
	s.queue = append(s.queue, SyncQueueItem{
		Action:     action,
		SessionID:  sessionID,
		EnqueuedAt: s.now(),
	})
}

// ProcessSyncQueue drains pending mutations in FIFO order. Each eligible
// item is attempted exactly once per invocation, and item N+1 is not
// started until item N has settled, preserving causal ordering against a
// single session. Failed items stay queued with an incremented retry count
// until the retry ceiling drops them.
func (s *Store) ProcessSyncQueue(ctx context.Context) {
	for {
		s.mu.Lock()
		item, ok := s.nextEligibleLocked()
		s.mu.Unlock()
		if !ok {
			return
		}

		err := s.processItem(ctx, item)

		s.mu.Lock()
		if err == nil {
			s.removeItemLocked(item)
			s.mu.Unlock()
			continue
		}

		// Conflicts are not retryable; they wait for explicit resolution.
		if ce, isConflict := err.(*ConflictError); isConflict {
			s.recordConflictLocked(item.SessionID, ce.Conflicts)
			s.removeItemLocked(item)
			s.err = err
			s.mu.Unlock()
			continue
		}

		s.failItemLocked(item, err)
		s.err = err
		if IsOfflineError(err) {
			// No point attempting the rest of the queue while unreachable,
			// but the next drain starts fresh.
			s.isOnline = false
			s.resetAttemptsLocked()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// nextEligibleLocked finds the first queued item whose backoff window has
// elapsed and marks it in-progress by stamping the attempt time.
func (s *Store) nextEligibleLocked() (SyncQueueItem, bool) {
	now := s.now()
	for i := range s.queue {
		if s.queue[i].attempted {
			continue
		}
		if s.queue[i].NextAttemptAt.After(now) {
			continue
		}
		s.queue[i].attempted = true
		return s.queue[i], true
	}
	s.resetAttemptsLocked()
	return SyncQueueItem{}, false
}

// resetAttemptsLocked clears the per-drain attempt marks so the next
// invocation sees a fresh queue. Caller holds s.mu.
func (s *Store) resetAttemptsLocked() {
	for i := range s.queue {
		s.queue[i].attempted = false
	}
}

func (s *Store) removeItemLocked(item SyncQueueItem) {
	for i := range s.queue {
		if s.queue[i].Action == item.Action && s.queue[i].SessionID == item.SessionID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// failItemLocked bumps the retry counter and either reschedules with
// exponential backoff or drops the item once the ceiling is hit. The last
// error is preserved either way so a dropped mutation is never silent.
func (s *Store) failItemLocked(item SyncQueueItem, err error) {
	for i := range s.queue {
		if s.queue[i].Action != item.Action || s.queue[i].SessionID != item.SessionID {
			continue
		}
		s.queue[i].RetryCount++
		s.queue[i].LastError = err.Error()
		if s.queue[i].RetryCount >= maxSyncRetries {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
		backoff := syncBackoffBase << (s.queue[i].RetryCount - 1)
		if backoff > syncBackoffMax {
			backoff = syncBackoffMax
		}
		s.queue[i].NextAttemptAt = s.now().Add(backoff)
		return
	}
}

func (s *Store) processItem(ctx context.Context, item SyncQueueItem) error {
	switch item.Action {
	case "create":
		return s.processCreate(ctx, item.SessionID)
	case "update":
		return s.processUpdate(ctx, item.SessionID)
	case "delete":
		lock := s.sessionLock(item.SessionID)
		lock.Lock()
		defer lock.Unlock()
		return s.api.DeleteSession(ctx, item.SessionID)
	default:
		return nil
	}
}

func (s *Store) processCreate(ctx context.Context, localID string) error {
	s.mu.Lock()
	cached, ok := s.cache[localID]
	if !ok {
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
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.promoteLocked(localID, created)
	s.mu.Unlock()
	return nil
}

func (s *Store) processUpdate(ctx context.Context, id string) error {
	s.mu.Lock()
	id = s.resolveIDLocked(id)
	cached, ok := s.cache[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	question := cached.Question
	state := cached.SessionState
	base := cached.UpdatedAt
	req := models.SessionUpdateRequest{
		Question:      &question,
		SessionState:  &state,
		BaseUpdatedAt: &base,
	}
	s.mu.Unlock()

	lock := s.sessionLock(id)
	lock.Lock()
	updated, err := s.api.UpdateSession(ctx, id, req)
	lock.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	updated.PendingSync = false
	updated.Offline = false
	s.cache[updated.ID] = updated
	if s.active != nil && s.active.ID == updated.ID {
		s.active = updated
		s.lastSavedAt = s.now()
	}
	s.mu.Unlock()
	return nil
}
