package session

import (
	"bytes"
	"context"
	"encoding/json"

	"wasteland-tarot/internal/models"
)

// Conflict resolution strategies.
const (
	LastWriteWins = "last-write-wins"
	ServerWins    = "server-wins"
	ClientWins    = "client-wins"
)

// DetectConflicts compares the divergent fields of a server-held and a
// client-held copy of the same session. Both sides' updated_at stamps ride
// along so last-write-wins can pick per field.
func DetectConflicts(server, client *models.ReadingSession) []models.ConflictInfo {
	var conflicts []models.ConflictInfo

	add := func(field string, serverVal, clientVal interface{}) {
		sv, _ := json.Marshal(serverVal)
		cv, _ := json.Marshal(clientVal)
		if bytes.Equal(sv, cv) {
			return
		}
		conflicts = append(conflicts, models.ConflictInfo{
			Field:           field,
			ServerValue:     sv,
			ClientValue:     cv,
			ServerUpdatedAt: server.UpdatedAt,
			ClientUpdatedAt: client.UpdatedAt,
		})
	}

	add("question", server.Question, client.Question)
	add("spread_config", server.SpreadConfig, client.SpreadConfig)
	add("session_state", server.SessionState, client.SessionState)
	add("status", server.Status, client.Status)
	return conflicts
}

// ResolveConflicts merges the two copies field by field according to the
// strategy. last-write-wins picks, per field, whichever side carries the
// more recent timestamp; there is no single global winner.
func ResolveConflicts(strategy string, conflicts []models.ConflictInfo, server, client *models.ReadingSession) (*models.ReadingSession, error) {
	merged := *client
	merged.ID = server.ID
	merged.UpdatedAt = server.UpdatedAt

	for _, c := range conflicts {
		var value json.RawMessage
		switch strategy {
		case ServerWins:
			value = c.ServerValue
		case ClientWins:
			value = c.ClientValue
		case LastWriteWins:
			if c.ServerUpdatedAt.After(c.ClientUpdatedAt) {
				value = c.ServerValue
			} else {
				value = c.ClientValue
			}
		default:
			return nil, &ValidationError{Fields: map[string]string{
				"strategy": "must be last-write-wins, server-wins, or client-wins",
			}}
		}
		if err := applyField(&merged, c.Field, value); err != nil {
			return nil, err
		}
	}
	return &merged, nil
}

func applyField(sess *models.ReadingSession, field string, value json.RawMessage) error {
	switch field {
	case "question":
		return json.Unmarshal(value, &sess.Question)
	case "spread_config":
		sess.SpreadConfig = value
		return nil
	case "session_state":
		return json.Unmarshal(value, &sess.SessionState)
	case "status":
		return json.Unmarshal(value, &sess.Status)
	default:
		// Unknown fields are pass-through context; nothing to merge.
		return nil
	}
}

func (s *Store) recordConflict(id string, conflicts []models.ConflictInfo) {
	s.mu.Lock()
	s.recordConflictLocked(id, conflicts)
	s.mu.Unlock()
}

func (s *Store) recordConflictLocked(id string, conflicts []models.ConflictInfo) {
	s.conflicts = conflicts
	cached, ok := s.cache[id]
	if !ok {
		return
	}
	cached.Conflict = true

	// Reconstruct the server's copy from the per-field conflict payload so
	// resolution has both sides even when the error carried no full body.
	server := *cached
	for _, c := range conflicts {
		applyField(&server, c.Field, c.ServerValue)
		server.UpdatedAt = c.ServerUpdatedAt
	}
	client := *cached
	s.conflictServer = &server
	s.conflictClient = &client
}

// SyncOfflineSession submits a client-originated offline session for
// reconciliation. On conflict the local copy stays marked until resolved.
func (s *Store) SyncOfflineSession(ctx context.Context, sess *models.ReadingSession) (*models.SyncResponse, error) {
	wire := sess.StripClientFlags()

	lock := s.sessionLock(sess.ID)
	lock.Lock()
	resp, err := s.api.SyncSession(ctx, models.OfflineSessionSync{Session: wire})
	lock.Unlock()
	if err != nil {
		s.setErr(err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.Status == "conflict" {
		s.conflicts = resp.Conflicts
		s.conflictServer = resp.Session
		client := *sess
		client.Conflict = true
		s.conflictClient = &client
		if cached, ok := s.cache[sess.ID]; ok {
			cached.Conflict = true
		}
		return resp, nil
	}

	if resp.Session != nil {
		canonical := *resp.Session
		if ParseIdentity(sess.ID).IsLocal() && canonical.ID != sess.ID {
			s.promoteLocked(sess.ID, &canonical)
		} else {
			s.cache[canonical.ID] = &canonical
			if s.active != nil && s.active.ID == canonical.ID {
				s.active = &canonical
			}
		}
		s.lastSavedAt = s.now()
	}
	s.conflicts = nil
	s.err = nil
	return resp, nil
}

// ResolveConflict applies the strategy to the recorded conflict and
// re-submits the merged session.
func (s *Store) ResolveConflict(ctx context.Context, strategy string) (*models.SyncResponse, error) {
	s.mu.Lock()
	if len(s.conflicts) == 0 || s.conflictServer == nil || s.conflictClient == nil {
		s.mu.Unlock()
		err := &InvalidStateError{Message: "no conflict to resolve"}
		s.setErr(err)
		return nil, err
	}
	conflicts := append([]models.ConflictInfo(nil), s.conflicts...)
	server := *s.conflictServer
	client := *s.conflictClient
	s.mu.Unlock()

	merged, err := ResolveConflicts(strategy, conflicts, &server, &client)
	if err != nil {
		s.setErr(err)
		return nil, err
	}

	resp, err := s.SyncOfflineSession(ctx, merged)
	if err != nil {
		return nil, err
	}

	if resp.Status == "synced" {
		s.mu.Lock()
		s.conflicts = nil
		s.conflictServer = nil
		s.conflictClient = nil
		if cached, ok := s.cache[merged.ID]; ok {
			cached.Conflict = false
		}
		s.mu.Unlock()
	}
	return resp, nil
}
