// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and supports fault injection

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
//
// Err* fields, when set, are returned by the corresponding method so
// tests can exercise persistence-failure paths.
type MockStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	codes  map[string]*RegistrationCode
	audit  []*AuditEntry

	ErrUpdateStatus   error
	ErrUpdateLastSeen error
	ErrListAgents     error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents: make(map[string]*Agent),
		codes:  make(map[string]*RegistrationCode),
	}
}

// CreateAgent stores a new agent record.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy to avoid external modification
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// GetAgentByServer retrieves the agent assigned to a server.
func (m *MockStore) GetAgentByServer(ctx context.Context, serverID string) (*Agent, error) {
	return m.findAgent(func(a *Agent) bool { return a.ServerID == serverID })
}

// GetAgentByTokenHash retrieves an agent by its current token hash.
func (m *MockStore) GetAgentByTokenHash(ctx context.Context, hash string) (*Agent, error) {
	return m.findAgent(func(a *Agent) bool { return a.TokenHash == hash })
}

// GetAgentByPendingTokenHash retrieves an agent by its pending token hash.
func (m *MockStore) GetAgentByPendingTokenHash(ctx context.Context, hash string) (*Agent, error) {
	return m.findAgent(func(a *Agent) bool {
		return a.PendingTokenHash != "" && a.PendingTokenHash == hash
	})
}

func (m *MockStore) findAgent(match func(*Agent) bool) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if match(a) {
			result := *a
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListAgents returns all agent records ordered by registration time.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ErrListAgents != nil {
		return nil, m.ErrListAgents
	}

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		result := *a
		agents = append(agents, &result)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
	return agents, nil
}

// ListAgentsWithTokenIssuedBefore returns agents with tokens older than
// the cutoff and no rotation pending.
func (m *MockStore) ListAgentsWithTokenIssuedBefore(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []*Agent
	for _, a := range m.agents {
		if a.TokenIssuedAt.Before(cutoff) && a.PendingTokenHash == "" {
			result := *a
			agents = append(agents, &result)
		}
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].TokenIssuedAt.Before(agents[j].TokenIssuedAt)
	})
	return agents, nil
}

// UpdateAgentStatus sets the status of an agent.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	if m.ErrUpdateStatus != nil {
		return m.ErrUpdateStatus
	}
	return m.mutateAgent(id, func(a *Agent) { a.Status = status })
}

// UpdateAgentLastSeen sets the last-seen timestamp of an agent.
func (m *MockStore) UpdateAgentLastSeen(ctx context.Context, id string, t time.Time) error {
	if m.ErrUpdateLastSeen != nil {
		return m.ErrUpdateLastSeen
	}
	return m.mutateAgent(id, func(a *Agent) {
		ts := t
		a.LastSeen = &ts
	})
}

// UpdateAgentVersion records the version an agent reported.
func (m *MockStore) UpdateAgentVersion(ctx context.Context, id string, version string) error {
	return m.mutateAgent(id, func(a *Agent) { a.Version = version })
}

// SetAgentToken replaces the current token hash and timestamps.
func (m *MockStore) SetAgentToken(ctx context.Context, id, tokenHash string, issuedAt, expiresAt time.Time) error {
	return m.mutateAgent(id, func(a *Agent) {
		a.TokenHash = tokenHash
		a.TokenIssuedAt = issuedAt
		a.TokenExpiresAt = expiresAt
	})
}

// SetPendingTokenHash opens a rotation window.
func (m *MockStore) SetPendingTokenHash(ctx context.Context, id, hash string) error {
	return m.mutateAgent(id, func(a *Agent) { a.PendingTokenHash = hash })
}

// CommitPendingToken promotes the pending hash to current.
func (m *MockStore) CommitPendingToken(ctx context.Context, id string, issuedAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok || a.PendingTokenHash == "" {
		return ErrNotFound
	}
	a.TokenHash = a.PendingTokenHash
	a.PendingTokenHash = ""
	a.TokenIssuedAt = issuedAt
	a.TokenExpiresAt = expiresAt
	return nil
}

// ClearPendingToken cancels an open rotation window.
func (m *MockStore) ClearPendingToken(ctx context.Context, id string) error {
	return m.mutateAgent(id, func(a *Agent) { a.PendingTokenHash = "" })
}

func (m *MockStore) mutateAgent(id string, mutate func(*Agent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	mutate(a)
	return nil
}

// CreateRegistrationCode stores a new registration code.
func (m *MockStore) CreateRegistrationCode(ctx context.Context, code *RegistrationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *code
	m.codes[c.ID] = &c
	return nil
}

// ListActiveRegistrationCodes returns unused, unexpired codes.
func (m *MockStore) ListActiveRegistrationCodes(ctx context.Context) ([]*RegistrationCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var codes []*RegistrationCode
	for _, c := range m.codes {
		if c.UsedAt == nil && c.ExpiresAt.After(now) {
			result := *c
			codes = append(codes, &result)
		}
	}
	sort.Slice(codes, func(i, j int) bool {
		return codes[i].CreatedAt.Before(codes[j].CreatedAt)
	})
	return codes, nil
}

// MarkRegistrationCodeUsed stamps a code as consumed.
func (m *MockStore) MarkRegistrationCodeUsed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[id]
	if !ok {
		return ErrNotFound
	}
	if c.UsedAt != nil {
		return ErrCodeUsed
	}
	now := time.Now().UTC()
	c.UsedAt = &now
	return nil
}

// AppendAudit appends an audit entry.
func (m *MockStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := *e
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, &entry)
	return nil
}

// ListAuditByAgent returns audit entries for an agent, newest first.
func (m *MockStore) ListAuditByAgent(ctx context.Context, agentID string, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var entries []*AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		if m.audit[i].AgentID == agentID {
			result := *m.audit[i]
			entries = append(entries, &result)
		}
	}
	return entries, nil
}

// AuditEntries returns a snapshot of all recorded audit entries.
func (m *MockStore) AuditEntries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*AuditEntry, len(m.audit))
	copy(entries, m.audit)
	return entries
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
