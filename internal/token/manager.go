// ABOUTME: Token rotation protocol and agent provisioning via registration codes
// ABOUTME: Implements dual-valid credentials with a grace window and lazy completion

package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/store"
)

// ErrInvalidToken indicates the presented token matched neither the
// current nor the pending hash of any agent.
var ErrInvalidToken = errors.New("invalid token")

// ErrInvalidCode indicates the presented registration code matched no
// active code.
var ErrInvalidCode = errors.New("invalid registration code")

// ErrAgentNotConnected indicates a rotation was requested for an agent
// with no live connection. Rotations are only delivered live, never
// queued.
var ErrAgentNotConnected = errors.New("agent not connected")

// rotateDeliveryTimeout bounds the agent.rotate_token push.
const rotateDeliveryTimeout = 30 * time.Second

// Commander is the slice of the RPC engine the rotation protocol needs.
// Implemented by agent.Registry.
type Commander interface {
	IsConnected(agentID string) bool
	SendCommand(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Manager implements agent credential issuance and rotation.
type Manager struct {
	store     store.Store
	commander Commander
	logger    *slog.Logger

	rotationEvery time.Duration
	gracePeriod   time.Duration
	codeTTL       time.Duration
}

// NewManager creates a token Manager. rotationEvery is the policy age
// after which a token should rotate; gracePeriod is how long old and
// new tokens are both valid during rotation.
func NewManager(st store.Store, commander Commander, rotationEvery, gracePeriod, codeTTL time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:         st,
		commander:     commander,
		logger:        logger.With("component", "token"),
		rotationEvery: rotationEvery,
		gracePeriod:   gracePeriod,
		codeTTL:       codeTTL,
	}
}

// tokenExpiry is when a token issued now stops being acceptable: one
// rotation interval plus the grace window.
func (m *Manager) tokenExpiry(issuedAt time.Time) time.Time {
	return issuedAt.Add(m.rotationEvery + m.gracePeriod)
}

// IssueRegistrationCode mints a single-use provisioning code for an
// agent that has not connected yet. Only the bcrypt digest is stored;
// the plaintext is returned once for delivery to the installer.
func (m *Manager) IssueRegistrationCode(ctx context.Context, agentID string) (string, error) {
	code, err := NewCode()
	if err != nil {
		return "", err
	}
	digest, err := HashCode(code)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	err = m.store.CreateRegistrationCode(ctx, &store.RegistrationCode{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		CodeHash:  digest,
		ExpiresAt: now.Add(m.codeTTL),
		CreatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("storing registration code: %w", err)
	}

	m.logger.Info("registration code issued", "agent_id", agentID, "ttl", m.codeTTL)
	return code, nil
}

// Redeem consumes a registration code and mints the agent's first
// token. The agent record is created if it does not exist (server id
// defaults to the agent id until an operator assigns one). Returns the
// agent record and the plaintext token, which is delivered to the agent
// exactly once.
func (m *Manager) Redeem(ctx context.Context, code, version string) (*store.Agent, string, error) {
	active, err := m.store.ListActiveRegistrationCodes(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("listing registration codes: %w", err)
	}

	var match *store.RegistrationCode
	for _, c := range active {
		if MatchCode(c.CodeHash, code) {
			match = c
			break
		}
	}
	if match == nil {
		return nil, "", ErrInvalidCode
	}

	// Consume before minting; a concurrent redeem of the same code
	// loses here.
	if err := m.store.MarkRegistrationCodeUsed(ctx, match.ID); err != nil {
		return nil, "", fmt.Errorf("consuming registration code: %w", err)
	}

	plaintext, err := New()
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	hash := Hash(plaintext)

	agent, err := m.store.GetAgent(ctx, match.AgentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		agent = &store.Agent{
			ID:             match.AgentID,
			ServerID:       match.AgentID,
			Status:         store.StatusPending,
			TokenHash:      hash,
			Version:        version,
			RegisteredAt:   now,
			TokenIssuedAt:  now,
			TokenExpiresAt: m.tokenExpiry(now),
		}
		if err := m.store.CreateAgent(ctx, agent); err != nil {
			return nil, "", fmt.Errorf("creating agent record: %w", err)
		}
	case err != nil:
		return nil, "", fmt.Errorf("loading agent record: %w", err)
	default:
		if err := m.store.SetAgentToken(ctx, agent.ID, hash, now, m.tokenExpiry(now)); err != nil {
			return nil, "", fmt.Errorf("storing first token: %w", err)
		}
		agent.TokenHash = hash
		agent.TokenIssuedAt = now
		agent.TokenExpiresAt = m.tokenExpiry(now)
	}

	m.audit(ctx, agent.ID, store.AuditAgentRegistered, map[string]any{"version": version})
	m.logger.Info("registration code redeemed", "agent_id", agent.ID)
	return agent, plaintext, nil
}

// ValidateToken authenticates a presented token. The current token hash
// is checked first. A match on the pending hash completes the rotation
// as a side effect: the pending hash becomes current, timestamps
// refresh, and the old token stops working. Disconnected agents still
// authenticate; reconnecting after an outage must work.
func (m *Manager) ValidateToken(ctx context.Context, presented string) (*store.Agent, error) {
	hash := Hash(presented)

	agent, err := m.store.GetAgentByTokenHash(ctx, hash)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up token: %w", err)
	}

	agent, err = m.store.GetAgentByPendingTokenHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("looking up pending token: %w", err)
	}

	// Lazy rotation completion: first successful use of the new token
	// commits it.
	now := time.Now().UTC()
	if err := m.store.CommitPendingToken(ctx, agent.ID, now, m.tokenExpiry(now)); err != nil {
		return nil, fmt.Errorf("committing rotated token: %w", err)
	}
	m.audit(ctx, agent.ID, store.AuditTokenRotated, nil)
	m.logger.Info("token rotation completed", "agent_id", agent.ID)

	agent, err = m.store.GetAgent(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading agent after rotation: %w", err)
	}
	return agent, nil
}

// InitiateRotation opens a rotation window for a connected agent: a new
// token is generated, its hash stored as pending (the current token
// stays valid), and the plaintext pushed to the agent. Any delivery
// failure rolls the pending hash back before returning. An agent must
// never end up trusting only a token it never received.
func (m *Manager) InitiateRotation(ctx context.Context, agentID string) (string, error) {
	if !m.commander.IsConnected(agentID) {
		return "", fmt.Errorf("rotating %s: %w", agentID, ErrAgentNotConnected)
	}

	plaintext, err := New()
	if err != nil {
		return "", err
	}

	if err := m.store.SetPendingTokenHash(ctx, agentID, Hash(plaintext)); err != nil {
		return "", fmt.Errorf("storing pending token: %w", err)
	}

	params := map[string]any{
		"new_token":            plaintext,
		"grace_period_seconds": int(m.gracePeriod.Seconds()),
	}
	if _, err := m.commander.SendCommand(ctx, agentID, "agent.rotate_token", params, rotateDeliveryTimeout); err != nil {
		if rbErr := m.store.ClearPendingToken(ctx, agentID); rbErr != nil {
			m.logger.Error("rolling back failed rotation", "agent_id", agentID, "error", rbErr)
		}
		return "", fmt.Errorf("delivering rotation to %s: %w", agentID, err)
	}

	m.logger.Info("rotation initiated", "agent_id", agentID, "grace_period", m.gracePeriod)
	return plaintext, nil
}

// CancelRotation closes an open rotation window without committing.
// The current token remains valid and unaffected.
func (m *Manager) CancelRotation(ctx context.Context, agentID string) error {
	if err := m.store.ClearPendingToken(ctx, agentID); err != nil {
		return fmt.Errorf("cancelling rotation for %s: %w", agentID, err)
	}
	m.audit(ctx, agentID, store.AuditRotationCancelled, nil)
	m.logger.Info("rotation cancelled", "agent_id", agentID)
	return nil
}

// AgentsNeedingRotation returns agents whose current token is older
// than the rotation interval and that have no rotation pending.
func (m *Manager) AgentsNeedingRotation(ctx context.Context) ([]*store.Agent, error) {
	cutoff := time.Now().UTC().Add(-m.rotationEvery)
	return m.store.ListAgentsWithTokenIssuedBefore(ctx, cutoff)
}

// CheckTokenExpiry returns agents whose token has passed its hard
// expiry. These agents missed the rotation window entirely and will
// need re-provisioning.
func (m *Manager) CheckTokenExpiry(ctx context.Context) ([]*store.Agent, error) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	now := time.Now().UTC()
	var expired []*store.Agent
	for _, a := range agents {
		if a.TokenExpiresAt.Before(now) {
			expired = append(expired, a)
		}
	}
	return expired, nil
}

func (m *Manager) audit(ctx context.Context, agentID string, action store.AuditAction, detail map[string]any) {
	err := m.store.AppendAudit(ctx, &store.AuditEntry{
		AgentID: agentID,
		Action:  action,
		Detail:  detail,
	})
	if err != nil {
		m.logger.Debug("appending audit entry", "agent_id", agentID, "error", err)
	}
}
