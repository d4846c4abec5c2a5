// ABOUTME: Store interface and data types for fleet-gateway persistence
// ABOUTME: Defines Agent, RegistrationCode structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrCodeUsed is returned when redeeming a registration code that was
// already consumed.
var ErrCodeUsed = errors.New("registration code already used")

// ErrCodeExpired is returned when redeeming a registration code past its
// expiry.
var ErrCodeExpired = errors.New("registration code expired")

// AgentStatus represents the lifecycle state of an agent record.
type AgentStatus string

const (
	StatusPending      AgentStatus = "pending"
	StatusConnected    AgentStatus = "connected"
	StatusDisconnected AgentStatus = "disconnected"
	StatusUpdating     AgentStatus = "updating"
)

// Agent is the persisted record for a managed agent daemon.
//
// TokenHash is the SHA-256 hex digest of the agent's current token.
// PendingTokenHash is non-empty only while a rotation window is open;
// exactly one of the two becomes the token hash when the window closes.
type Agent struct {
	ID               string
	ServerID         string
	Status           AgentStatus
	TokenHash        string
	PendingTokenHash string
	Version          string
	LastSeen         *time.Time
	RegisteredAt     time.Time
	TokenIssuedAt    time.Time
	TokenExpiresAt   time.Time
}

// RegistrationCode is a single-use provisioning code. The plaintext code
// is never stored; CodeHash is its bcrypt digest.
type RegistrationCode struct {
	ID        string
	AgentID   string
	CodeHash  string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Store defines the interface for agent, registration-code, and audit
// persistence.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByServer(ctx context.Context, serverID string) (*Agent, error)
	GetAgentByTokenHash(ctx context.Context, hash string) (*Agent, error)
	GetAgentByPendingTokenHash(ctx context.Context, hash string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
	UpdateAgentLastSeen(ctx context.Context, id string, t time.Time) error
	UpdateAgentVersion(ctx context.Context, id string, version string) error

	// Token rotation state
	SetAgentToken(ctx context.Context, id, tokenHash string, issuedAt, expiresAt time.Time) error
	SetPendingTokenHash(ctx context.Context, id, hash string) error
	CommitPendingToken(ctx context.Context, id string, issuedAt, expiresAt time.Time) error
	ClearPendingToken(ctx context.Context, id string) error
	ListAgentsWithTokenIssuedBefore(ctx context.Context, cutoff time.Time) ([]*Agent, error)

	// Registration codes
	CreateRegistrationCode(ctx context.Context, code *RegistrationCode) error
	ListActiveRegistrationCodes(ctx context.Context) ([]*RegistrationCode, error)
	MarkRegistrationCodeUsed(ctx context.Context, id string) error

	// Audit log
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAuditByAgent(ctx context.Context, agentID string, limit int) ([]*AuditEntry, error)

	// Close releases any resources held by the store
	Close() error
}
