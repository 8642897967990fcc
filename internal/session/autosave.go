package session

import (
	"context"
	"sync"
	"time"
)

const DefaultDebounce = 2 * time.Second

// Scheduler decides when the store's persist operation runs: debounced for
// routine edits, immediate for critical events (card drawn, interpretation
// finished). It holds an explicit cancellable timer rather than relying on
// closure capture, so the save always uses the state present at fire time.
type Scheduler struct {
	mu       sync.Mutex
	store    *Store
	debounce time.Duration
	timer    *time.Timer
	enabled  bool
	closed   bool

	// Invoked with the save error; the scheduler never retries on its own.
	// The next TriggerSave or SaveNow is the retry path.
	onSaveError func(error)
}

func NewScheduler(store *Store, debounce time.Duration, onSaveError func(error)) *Scheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{
		store:       store,
		debounce:    debounce,
		enabled:     true,
		onSaveError: onSaveError,
	}
}

func (s *Scheduler) Enable() {
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
}

func (s *Scheduler) Disable() {
	s.mu.Lock()
	s.enabled = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// active reports whether the scheduler may create timers or trigger saves.
func (s *Scheduler) active() bool {
	s.mu.Lock()
	enabled := s.enabled && !s.closed
	s.mu.Unlock()
	return enabled && s.store.AutoSaveEnabled() && s.store.HasActiveSession()
}

// TriggerSave (re)starts the debounce window. N calls within the window
// collapse to exactly one save after it elapses, using the session state
// at fire time.
func (s *Scheduler) TriggerSave() {
	if !s.active() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.timer = nil
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.save()
	})
}

// SaveNow cancels any pending debounce and saves immediately.
func (s *Scheduler) SaveNow() {
	if !s.active() {
		return
	}
	s.cancelTimer()
	s.save()
}

// Flush performs a best-effort immediate save of anything pending. Used on
// teardown; a save lost to an abrupt exit is an accepted failure mode.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	pending := s.timer != nil
	s.mu.Unlock()
	if pending {
		s.SaveNow()
	}
}

// ShouldSave is a pure time check: true once at least the debounce
// interval has elapsed since the last successful save. Callers use it to
// avoid redundant scheduling; TriggerSave does not enforce it.
func (s *Scheduler) ShouldSave() bool {
	last := s.store.LastSavedAt()
	if last.IsZero() {
		return true
	}
	return time.Since(last) >= s.debounce
}

// Close cancels any pending timer so a stale save cannot fire after the
// consumer is gone.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

func (s *Scheduler) cancelTimer() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

func (s *Scheduler) save() {
	if err := s.store.TriggerAutoSave(context.Background()); err != nil {
		if s.onSaveError != nil {
			s.onSaveError(err)
		}
	}
}
