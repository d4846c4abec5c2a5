// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/registration-code/audit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                 TEXT PRIMARY KEY,
			server_id          TEXT NOT NULL,
			status             TEXT NOT NULL,
			token_hash         TEXT NOT NULL,
			pending_token_hash TEXT,
			version            TEXT NOT NULL DEFAULT '',
			last_seen          TEXT,
			registered_at      TEXT NOT NULL,
			token_issued_at    TEXT NOT NULL,
			token_expires_at   TEXT NOT NULL,

			CHECK (status IN ('pending', 'connected', 'disconnected', 'updating'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_server_id ON agents(server_id);
		CREATE INDEX IF NOT EXISTS idx_agents_token_hash ON agents(token_hash);
		CREATE INDEX IF NOT EXISTS idx_agents_pending_token_hash ON agents(pending_token_hash);

		CREATE TABLE IF NOT EXISTS registration_codes (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			code_hash  TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			used_at    TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_codes_agent_id ON registration_codes(agent_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_agent_ts ON audit_log(agent_id, ts);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateAgent inserts a new agent record.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, server_id, status, token_hash, pending_token_hash,
			version, last_seen, registered_at, token_issued_at, token_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.ServerID,
		string(agent.Status),
		agent.TokenHash,
		nullableString(agent.PendingTokenHash),
		agent.Version,
		nullableTime(agent.LastSeen),
		formatTime(agent.RegisteredAt),
		formatTime(agent.TokenIssuedAt),
		formatTime(agent.TokenExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.getAgentWhere(ctx, "id = ?", id)
}

// GetAgentByServer retrieves the agent assigned to a server.
func (s *SQLiteStore) GetAgentByServer(ctx context.Context, serverID string) (*Agent, error) {
	return s.getAgentWhere(ctx, "server_id = ?", serverID)
}

// GetAgentByTokenHash retrieves an agent by its current token hash.
func (s *SQLiteStore) GetAgentByTokenHash(ctx context.Context, hash string) (*Agent, error) {
	return s.getAgentWhere(ctx, "token_hash = ?", hash)
}

// GetAgentByPendingTokenHash retrieves an agent by its pending token hash.
func (s *SQLiteStore) GetAgentByPendingTokenHash(ctx context.Context, hash string) (*Agent, error) {
	return s.getAgentWhere(ctx, "pending_token_hash = ?", hash)
}

const agentColumns = `id, server_id, status, token_hash, pending_token_hash,
	version, last_seen, registered_at, token_issued_at, token_expires_at`

func (s *SQLiteStore) getAgentWhere(ctx context.Context, where string, arg any) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE "+where, arg)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agent records ordered by registration time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY registered_at")
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	return collectAgents(rows)
}

// ListAgentsWithTokenIssuedBefore returns agents whose current token was
// issued before the cutoff and that have no rotation already pending.
func (s *SQLiteStore) ListAgentsWithTokenIssuedBefore(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	query := "SELECT " + agentColumns + ` FROM agents
		WHERE token_issued_at < ? AND (pending_token_hash IS NULL OR pending_token_hash = '')
		ORDER BY token_issued_at`
	rows, err := s.db.QueryContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("listing agents by token age: %w", err)
	}
	defer rows.Close()

	return collectAgents(rows)
}

// UpdateAgentStatus sets the status of an agent.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	return s.updateAgent(ctx, id, "UPDATE agents SET status = ? WHERE id = ?", string(status), id)
}

// UpdateAgentLastSeen sets the last-seen timestamp of an agent.
func (s *SQLiteStore) UpdateAgentLastSeen(ctx context.Context, id string, t time.Time) error {
	return s.updateAgent(ctx, id, "UPDATE agents SET last_seen = ? WHERE id = ?", formatTime(t), id)
}

// UpdateAgentVersion records the version an agent reported at handshake.
func (s *SQLiteStore) UpdateAgentVersion(ctx context.Context, id string, version string) error {
	return s.updateAgent(ctx, id, "UPDATE agents SET version = ? WHERE id = ?", version, id)
}

// SetAgentToken replaces the current token hash and refreshes its issue
// and expiry timestamps.
func (s *SQLiteStore) SetAgentToken(ctx context.Context, id, tokenHash string, issuedAt, expiresAt time.Time) error {
	return s.updateAgent(ctx, id,
		"UPDATE agents SET token_hash = ?, token_issued_at = ?, token_expires_at = ? WHERE id = ?",
		tokenHash, formatTime(issuedAt), formatTime(expiresAt), id)
}

// SetPendingTokenHash opens a rotation window by storing the candidate
// token hash alongside the still-valid current hash.
func (s *SQLiteStore) SetPendingTokenHash(ctx context.Context, id, hash string) error {
	return s.updateAgent(ctx, id, "UPDATE agents SET pending_token_hash = ? WHERE id = ?", hash, id)
}

// CommitPendingToken promotes the pending hash to the current token hash
// and clears the pending slot in a single statement.
func (s *SQLiteStore) CommitPendingToken(ctx context.Context, id string, issuedAt, expiresAt time.Time) error {
	query := `
		UPDATE agents
		SET token_hash = pending_token_hash,
		    pending_token_hash = NULL,
		    token_issued_at = ?,
		    token_expires_at = ?
		WHERE id = ? AND pending_token_hash IS NOT NULL AND pending_token_hash != ''
	`
	result, err := s.db.ExecContext(ctx, query, formatTime(issuedAt), formatTime(expiresAt), id)
	if err != nil {
		return fmt.Errorf("committing pending token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearPendingToken cancels an open rotation window. The current token
// hash is untouched.
func (s *SQLiteStore) ClearPendingToken(ctx context.Context, id string) error {
	return s.updateAgent(ctx, id, "UPDATE agents SET pending_token_hash = NULL WHERE id = ?", id)
}

func (s *SQLiteStore) updateAgent(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRegistrationCode inserts a new registration code record.
func (s *SQLiteStore) CreateRegistrationCode(ctx context.Context, code *RegistrationCode) error {
	query := `
		INSERT INTO registration_codes (id, agent_id, code_hash, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		code.ID,
		code.AgentID,
		code.CodeHash,
		formatTime(code.ExpiresAt),
		nullableTime(code.UsedAt),
		formatTime(code.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting registration code: %w", err)
	}
	return nil
}

// ListActiveRegistrationCodes returns unused, unexpired codes.
func (s *SQLiteStore) ListActiveRegistrationCodes(ctx context.Context) ([]*RegistrationCode, error) {
	query := `
		SELECT id, agent_id, code_hash, expires_at, used_at, created_at
		FROM registration_codes
		WHERE used_at IS NULL AND expires_at > ?
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, formatTime(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("listing registration codes: %w", err)
	}
	defer rows.Close()

	var codes []*RegistrationCode
	for rows.Next() {
		var (
			c         RegistrationCode
			expiresAt string
			usedAt    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.AgentID, &c.CodeHash, &expiresAt, &usedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning registration code: %w", err)
		}
		if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if usedAt.Valid {
			t, err := parseTime(usedAt.String)
			if err != nil {
				return nil, err
			}
			c.UsedAt = &t
		}
		codes = append(codes, &c)
	}
	return codes, rows.Err()
}

// MarkRegistrationCodeUsed stamps a code as consumed. Returns ErrCodeUsed
// if the code was already consumed.
func (s *SQLiteStore) MarkRegistrationCodeUsed(ctx context.Context, id string) error {
	query := "UPDATE registration_codes SET used_at = ? WHERE id = ? AND used_at IS NULL"
	result, err := s.db.ExecContext(ctx, query, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("marking registration code used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrCodeUsed
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var (
		a              Agent
		status         string
		pendingHash    sql.NullString
		lastSeen       sql.NullString
		registeredAt   string
		tokenIssuedAt  string
		tokenExpiresAt string
	)
	err := row.Scan(&a.ID, &a.ServerID, &status, &a.TokenHash, &pendingHash,
		&a.Version, &lastSeen, &registeredAt, &tokenIssuedAt, &tokenExpiresAt)
	if err != nil {
		return nil, err
	}

	a.Status = AgentStatus(status)
	a.PendingTokenHash = pendingHash.String

	if a.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, err
	}
	if a.TokenIssuedAt, err = parseTime(tokenIssuedAt); err != nil {
		return nil, err
	}
	if a.TokenExpiresAt, err = parseTime(tokenExpiresAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, err
		}
		a.LastSeen = &t
	}
	return &a, nil
}

func collectAgents(rows *sql.Rows) ([]*Agent, error) {
	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
