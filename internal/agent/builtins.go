// ABOUTME: Built-in notification handlers for heartbeat, shutdown, and rotation events
// ABOUTME: Bridges inbound agent notifications to the liveness monitor

package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/2389/fleet-gateway/internal/monitor"
	"github.com/2389/fleet-gateway/internal/store"
)

// Built-in notification methods consumed from agents.
const (
	MethodHeartbeat        = "agent.heartbeat"
	MethodShutdown         = "agent.shutdown"
	MethodRotationComplete = "agent.rotation_complete"
	MethodRotationFailed   = "agent.rotation_failed"
)

// RegisterBuiltins installs the standard notification handlers. The
// monitor may be nil, in which case heartbeats and shutdown notices are
// logged and dropped.
func RegisterBuiltins(r *Registry, m *monitor.Monitor) {
	r.RegisterHandler(MethodHeartbeat, func(agentID string, params json.RawMessage) {
		if m == nil {
			return
		}

		var p struct {
			CPUPercent    float64 `json:"cpu_percent"`
			MemoryPercent float64 `json:"memory_percent"`
			UptimeSeconds int64   `json:"uptime_seconds"`
		}
		if len(params) > 0 {
			// Resource stats are optional; a malformed payload still
			// counts as a sign of life.
			if err := json.Unmarshal(params, &p); err != nil {
				r.logger.Debug("malformed heartbeat params", "agent_id", agentID, "error", err)
			}
		}

		m.RecordHeartbeat(monitor.Heartbeat{
			AgentID:       agentID,
			Timestamp:     time.Now().UTC(),
			CPUPercent:    p.CPUPercent,
			MemoryPercent: p.MemoryPercent,
			UptimeSeconds: p.UptimeSeconds,
		})
	})

	r.RegisterHandler(MethodShutdown, func(agentID string, params json.RawMessage) {
		var p struct {
			Reason  string `json:"reason"`
			Restart bool   `json:"restart"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				r.logger.Warn("malformed shutdown params", "agent_id", agentID, "error", err)
			}
		}

		// Unregister first: its eviction persists DISCONNECTED, and the
		// monitor's status write (PENDING on restart) must land last.
		ctx := context.Background()
		r.Unregister(ctx, agentID)
		if m != nil {
			m.HandleShutdown(ctx, monitor.ShutdownRequest{
				AgentID: agentID,
				Reason:  p.Reason,
				Restart: p.Restart,
			})
		}
		r.audit(ctx, agentID, store.AuditShutdownReceived, map[string]any{
			"reason":  p.Reason,
			"restart": p.Restart,
		})
	})

	// Rotation completion is detected lazily when the agent next
	// authenticates with the new token; these notifications are
	// informational.
	r.RegisterHandler(MethodRotationComplete, func(agentID string, params json.RawMessage) {
		r.logger.Info("agent reports rotation complete", "agent_id", agentID)
	})
	r.RegisterHandler(MethodRotationFailed, func(agentID string, params json.RawMessage) {
		r.logger.Warn("agent reports rotation failed", "agent_id", agentID, "params", string(params))
	})
}
