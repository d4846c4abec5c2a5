// ABOUTME: Audit log entity and store methods for tracking agent lifecycle events
// ABOUTME: Records registrations, connections, rotations, and auth failures for debugging

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable lifecycle event.
type AuditAction string

const (
	AuditAgentRegistered   AuditAction = "agent_registered"
	AuditAgentConnected    AuditAction = "agent_connected"
	AuditAgentDisconnected AuditAction = "agent_disconnected"
	AuditTokenRotated      AuditAction = "token_rotated"
	AuditRotationCancelled AuditAction = "rotation_cancelled"
	AuditUpdateTriggered   AuditAction = "update_triggered"
	AuditShutdownReceived  AuditAction = "shutdown_received"
	AuditAuthFailed        AuditAction = "auth_failed"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID        string
	AgentID   string
	Action    AuditAction
	Timestamp time.Time
	Detail    map[string]any
}

// AppendAudit appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, agent_id, action, ts, detail_json)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.AgentID,
		string(e.Action),
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"agent_id", e.AgentID,
		"action", e.Action,
	)
	return nil
}

// ListAuditByAgent returns the most recent audit entries for an agent,
// newest first. Limit defaults to 100 when non-positive.
func (s *SQLiteStore) ListAuditByAgent(ctx context.Context, agentID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT audit_id, agent_id, action, ts, detail_json
		FROM audit_log
		WHERE agent_id = ?
		ORDER BY ts DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e      AuditEntry
			action string
			ts     string
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &action, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(action)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
