package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"wasteland-tarot/internal/models"
)

func conflictPair(t *testing.T) (*models.ReadingSession, *models.ReadingSession) {
	t.Helper()
	now := time.Now()
	server := &models.ReadingSession{
		ID:        "srv-1",
		Question:  "server question",
		Status:    models.SessionActive,
		UpdatedAt: now.Add(1 * time.Minute),
	}
	client := &models.ReadingSession{
		ID:        "srv-1",
		Question:  "client question",
		Status:    models.SessionActive,
		UpdatedAt: now,
	}
	return server, client
}

func TestDetectConflicts(t *testing.T) {
	server, client := conflictPair(t)

	conflicts := DetectConflicts(server, client)
	if len(conflicts) != 1 {
		t.Fatalf("Expected 1 conflict, got %d: %+v", len(conflicts), conflicts)
	}
	c := conflicts[0]
	if c.Field != "question" {
		t.Errorf("Expected conflict on question, got %q", c.Field)
	}
	var sv, cv string
	json.Unmarshal(c.ServerValue, &sv)
	json.Unmarshal(c.ClientValue, &cv)
	if sv != "server question" || cv != "client question" {
		t.Errorf("Conflict values wrong: server %q, client %q", sv, cv)
	}
	if !c.ServerUpdatedAt.After(c.ClientUpdatedAt) {
		t.Error("Expected server timestamp to be newer")
	}
}

func TestDetectConflictsIdenticalSessions(t *testing.T) {
	server, _ := conflictPair(t)
	clone := *server

	if conflicts := DetectConflicts(server, &clone); len(conflicts) != 0 {
		t.Errorf("Identical sessions must not conflict, got %+v", conflicts)
	}
}

func TestResolveConflictsStrategies(t *testing.T) {
	tests := []struct {
		name         string
		strategy     string
		serverNewer  bool
		wantQuestion string
	}{
		{"server-wins", ServerWins, true, "server question"},
		{"client-wins", ClientWins, true, "client question"},
		{"last-write-wins picks newer server", LastWriteWins, true, "server question"},
		{"last-write-wins picks newer client", LastWriteWins, false, "client question"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server, client := conflictPair(t)
			if !tc.serverNewer {
				client.UpdatedAt = server.UpdatedAt.Add(1 * time.Minute)
			}

			conflicts := DetectConflicts(server, client)
			merged, err := ResolveConflicts(tc.strategy, conflicts, server, client)
			if err != nil {
				t.Fatalf("ResolveConflicts failed: %v", err)
			}
			if merged.Question != tc.wantQuestion {
				t.Errorf("Expected question %q, got %q", tc.wantQuestion, merged.Question)
			}
		})
	}
}

func TestResolveConflictsPerFieldNotGlobal(t *testing.T) {
	// Two conflicting fields with opposite newer sides: last-write-wins
	// must pick per field, not a single global winner.
	now := time.Now()
	server, client := conflictPair(t)

	conflicts := []models.ConflictInfo{
		{
			Field:           "question",
			ServerValue:     json.RawMessage(`"server question"`),
			ClientValue:     json.RawMessage(`"client question"`),
			ServerUpdatedAt: now.Add(time.Minute),
			ClientUpdatedAt: now,
		},
		{
			Field:           "status",
			ServerValue:     json.RawMessage(`"active"`),
			ClientValue:     json.RawMessage(`"paused"`),
			ServerUpdatedAt: now,
			ClientUpdatedAt: now.Add(time.Minute),
		},
	}

	merged, err := ResolveConflicts(LastWriteWins, conflicts, server, client)
	if err != nil {
		t.Fatalf("ResolveConflicts failed: %v", err)
	}
	if merged.Question != "server question" {
		t.Errorf("Expected server to win question, got %q", merged.Question)
	}
	if merged.Status != models.SessionPaused {
		t.Errorf("Expected client to win status, got %q", merged.Status)
	}
}

func TestResolveConflictsUnknownStrategy(t *testing.T) {
	server, client := conflictPair(t)
	conflicts := DetectConflicts(server, client)

	if _, err := ResolveConflicts("coin-flip", conflicts, server, client); err == nil {
		t.Fatal("Expected error for unknown strategy")
	}
}

func TestSyncOfflineSessionConflictAndResolve(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api)

	created, err := store.CreateSession(context.Background(), "single_card", "original", emptyState())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Server moves on while the client edits offline.
	api.mu.Lock()
	api.sessions[created.ID].Question = "server edit"
	api.sessions[created.ID].UpdatedAt = time.Now().Add(time.Minute)
	api.mu.Unlock()

	offline := *created
	offline.Question = "offline edit"
	offline.PendingSync = true
	offline.Offline = true

	resp, err := store.SyncOfflineSession(context.Background(), &offline)
	if err != nil {
		t.Fatalf("SyncOfflineSession failed: %v", err)
	}
	if resp.Status != "conflict" {
		t.Fatalf("Expected conflict, got %q", resp.Status)
	}
	if len(store.Snapshot().Conflicts) == 0 {
		t.Fatal("Conflict must be recorded on store state")
	}

	// Server's copy is newer, so last-write-wins takes the server value.
	resolved, err := store.ResolveConflict(context.Background(), LastWriteWins)
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if resolved.Status != "synced" {
		t.Fatalf("Expected synced after resolution, got %q", resolved.Status)
	}
	if resolved.Session.Question != "server edit" {
		t.Errorf("Expected server value after last-write-wins, got %q", resolved.Session.Question)
	}
	if len(store.Snapshot().Conflicts) != 0 {
		t.Error("Resolution must clear recorded conflicts")
	}
}

func TestStripClientFlagsBeforeWire(t *testing.T) {
	s := models.ReadingSession{
		ID:          "srv-9",
		Offline:     true,
		PendingSync: true,
		Conflict:    true,
		LocalOnly:   true,
	}
	wire := s.StripClientFlags()
	if wire.Offline || wire.PendingSync || wire.Conflict || wire.LocalOnly {
		t.Errorf("Client-only flags must never go over the wire: %+v", wire)
	}
}
