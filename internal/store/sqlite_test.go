// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers agent CRUD, token rotation state, registration codes, and audit log

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAgent(id string) *Agent {
	now := time.Now().UTC().Truncate(time.Second)
	return &Agent{
		ID:             id,
		ServerID:       "srv-" + id,
		Status:         StatusPending,
		TokenHash:      "hash-" + id,
		Version:        "1.0.0",
		RegisteredAt:   now,
		TokenIssuedAt:  now,
		TokenExpiresAt: now.Add(30 * 24 * time.Hour),
	}
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := testAgent("agent-1")
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}

	if got.ID != agent.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, agent.ID)
	}
	if got.ServerID != agent.ServerID {
		t.Errorf("ServerID mismatch: got %q, want %q", got.ServerID, agent.ServerID)
	}
	if got.Status != StatusPending {
		t.Errorf("Status mismatch: got %q, want %q", got.Status, StatusPending)
	}
	if got.TokenHash != agent.TokenHash {
		t.Errorf("TokenHash mismatch: got %q, want %q", got.TokenHash, agent.TokenHash)
	}
	if got.PendingTokenHash != "" {
		t.Errorf("PendingTokenHash should be empty, got %q", got.PendingTokenHash)
	}
	if got.LastSeen != nil {
		t.Errorf("LastSeen should be nil, got %v", got.LastSeen)
	}
	if !got.RegisteredAt.Equal(agent.RegisteredAt) {
		t.Errorf("RegisteredAt mismatch: got %v, want %v", got.RegisteredAt, agent.RegisteredAt)
	}
	if !got.TokenExpiresAt.Equal(agent.TokenExpiresAt) {
		t.Errorf("TokenExpiresAt mismatch: got %v, want %v", got.TokenExpiresAt, agent.TokenExpiresAt)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAgent(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAgentLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := testAgent("agent-1")
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	byServer, err := s.GetAgentByServer(ctx, "srv-agent-1")
	if err != nil {
		t.Fatalf("GetAgentByServer failed: %v", err)
	}
	if byServer.ID != "agent-1" {
		t.Errorf("expected agent-1, got %s", byServer.ID)
	}

	byHash, err := s.GetAgentByTokenHash(ctx, "hash-agent-1")
	if err != nil {
		t.Fatalf("GetAgentByTokenHash failed: %v", err)
	}
	if byHash.ID != "agent-1" {
		t.Errorf("expected agent-1, got %s", byHash.ID)
	}

	if _, err := s.GetAgentByPendingTokenHash(ctx, "no-such-hash"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListAgentsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 3; i >= 1; i-- {
		a := testAgent(fmt.Sprintf("agent-%d", i))
		a.RegisteredAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateAgent(ctx, a); err != nil {
			t.Fatalf("CreateAgent failed: %v", err)
		}
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	for i, want := range []string{"agent-1", "agent-2", "agent-3"} {
		if agents[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, agents[i].ID, want)
		}
	}
}

func TestAgentUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, testAgent("agent-1")); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	if err := s.UpdateAgentStatus(ctx, "agent-1", StatusConnected); err != nil {
		t.Fatalf("UpdateAgentStatus failed: %v", err)
	}

	seen := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateAgentLastSeen(ctx, "agent-1", seen); err != nil {
		t.Fatalf("UpdateAgentLastSeen failed: %v", err)
	}

	if err := s.UpdateAgentVersion(ctx, "agent-1", "1.1.0"); err != nil {
		t.Fatalf("UpdateAgentVersion failed: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Status != StatusConnected {
		t.Errorf("Status: got %q, want %q", got.Status, StatusConnected)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("LastSeen: got %v, want %v", got.LastSeen, seen)
	}
	if got.Version != "1.1.0" {
		t.Errorf("Version: got %q, want %q", got.Version, "1.1.0")
	}

	// Updates against missing agents surface ErrNotFound.
	if err := s.UpdateAgentStatus(ctx, "nobody", StatusConnected); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTokenRotationState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, testAgent("agent-1")); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	if err := s.SetPendingTokenHash(ctx, "agent-1", "pending-hash"); err != nil {
		t.Fatalf("SetPendingTokenHash failed: %v", err)
	}

	got, err := s.GetAgentByPendingTokenHash(ctx, "pending-hash")
	if err != nil {
		t.Fatalf("GetAgentByPendingTokenHash failed: %v", err)
	}
	if got.TokenHash != "hash-agent-1" {
		t.Error("current token hash must survive opening a rotation window")
	}

	issued := time.Now().UTC().Truncate(time.Second)
	expires := issued.Add(30 * 24 * time.Hour)
	if err := s.CommitPendingToken(ctx, "agent-1", issued, expires); err != nil {
		t.Fatalf("CommitPendingToken failed: %v", err)
	}

	got, err = s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.TokenHash != "pending-hash" {
		t.Errorf("TokenHash: got %q, want %q", got.TokenHash, "pending-hash")
	}
	if got.PendingTokenHash != "" {
		t.Errorf("PendingTokenHash should be cleared, got %q", got.PendingTokenHash)
	}
	if !got.TokenIssuedAt.Equal(issued) {
		t.Errorf("TokenIssuedAt: got %v, want %v", got.TokenIssuedAt, issued)
	}

	// Committing with no window open fails.
	if err := s.CommitPendingToken(ctx, "agent-1", issued, expires); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClearPendingToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, testAgent("agent-1")); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if err := s.SetPendingTokenHash(ctx, "agent-1", "pending-hash"); err != nil {
		t.Fatalf("SetPendingTokenHash failed: %v", err)
	}
	if err := s.ClearPendingToken(ctx, "agent-1"); err != nil {
		t.Fatalf("ClearPendingToken failed: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.PendingTokenHash != "" {
		t.Errorf("PendingTokenHash should be cleared, got %q", got.PendingTokenHash)
	}
	if got.TokenHash != "hash-agent-1" {
		t.Error("current token hash must survive a cancelled rotation")
	}
}

func TestListAgentsWithTokenIssuedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testAgent("agent-old")
	old.TokenIssuedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	if err := s.CreateAgent(ctx, old); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	rotating := testAgent("agent-rotating")
	rotating.TokenIssuedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	rotating.PendingTokenHash = "already-pending"
	if err := s.CreateAgent(ctx, rotating); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	fresh := testAgent("agent-fresh")
	if err := s.CreateAgent(ctx, fresh); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	due, err := s.ListAgentsWithTokenIssuedBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListAgentsWithTokenIssuedBefore failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due agent, got %d", len(due))
	}
	if due[0].ID != "agent-old" {
		t.Errorf("expected agent-old, got %s", due[0].ID)
	}
}

func TestRegistrationCodeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	code := &RegistrationCode{
		ID:        "code-1",
		AgentID:   "agent-1",
		CodeHash:  "digest",
		ExpiresAt: now.Add(15 * time.Minute),
		CreatedAt: now,
	}
	if err := s.CreateRegistrationCode(ctx, code); err != nil {
		t.Fatalf("CreateRegistrationCode failed: %v", err)
	}

	expired := &RegistrationCode{
		ID:        "code-expired",
		AgentID:   "agent-2",
		CodeHash:  "digest2",
		ExpiresAt: now.Add(-time.Minute),
		CreatedAt: now.Add(-time.Hour),
	}
	if err := s.CreateRegistrationCode(ctx, expired); err != nil {
		t.Fatalf("CreateRegistrationCode failed: %v", err)
	}

	active, err := s.ListActiveRegistrationCodes(ctx)
	if err != nil {
		t.Fatalf("ListActiveRegistrationCodes failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active code, got %d", len(active))
	}
	if active[0].ID != "code-1" {
		t.Errorf("expected code-1, got %s", active[0].ID)
	}

	if err := s.MarkRegistrationCodeUsed(ctx, "code-1"); err != nil {
		t.Fatalf("MarkRegistrationCodeUsed failed: %v", err)
	}

	// Second consumption fails.
	if err := s.MarkRegistrationCodeUsed(ctx, "code-1"); !errors.Is(err, ErrCodeUsed) {
		t.Errorf("expected ErrCodeUsed, got %v", err)
	}

	active, err = s.ListActiveRegistrationCodes(ctx)
	if err != nil {
		t.Fatalf("ListActiveRegistrationCodes failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected 0 active codes after use, got %d", len(active))
	}
}

func TestAuditLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []*AuditEntry{
		{AgentID: "agent-1", Action: AuditAgentRegistered, Detail: map[string]any{"version": "1.0.0"}},
		{AgentID: "agent-1", Action: AuditAgentConnected},
		{AgentID: "agent-2", Action: AuditAgentConnected},
		{AgentID: "agent-1", Action: AuditTokenRotated},
	}
	for i, e := range entries {
		// Spread timestamps so ordering is deterministic.
		e.Timestamp = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
		if e.ID == "" {
			t.Error("AppendAudit should generate an ID")
		}
	}

	got, err := s.ListAuditByAgent(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("ListAuditByAgent failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries for agent-1, got %d", len(got))
	}
	if got[0].Action != AuditTokenRotated {
		t.Errorf("expected newest entry first, got %s", got[0].Action)
	}
	if got[2].Detail["version"] != "1.0.0" {
		t.Errorf("detail round-trip failed: %v", got[2].Detail)
	}

	limited, err := s.ListAuditByAgent(ctx, "agent-1", 1)
	if err != nil {
		t.Fatalf("ListAuditByAgent failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 entry with limit 1, got %d", len(limited))
	}
}
