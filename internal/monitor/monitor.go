// ABOUTME: Heartbeat-based liveness monitor with a background stale-agent sweep
// ABOUTME: Tracks last-seen timestamps and handles agent shutdown notices

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/store"
)

// Heartbeat is a periodic liveness signal from an agent. The resource
// fields are optional and transient; only last-seen survives.
type Heartbeat struct {
	AgentID       string
	Timestamp     time.Time
	CPUPercent    float64
	MemoryPercent float64
	UptimeSeconds int64
}

// ShutdownRequest is an agent's notice that it is going away.
type ShutdownRequest struct {
	AgentID string
	Reason  string
	Restart bool
}

// ShutdownHandler is invoked for every agent shutdown notice, after
// persistence and tracking cleanup.
type ShutdownHandler func(agentID, reason string, restart bool)

// Monitor tracks agent heartbeats and periodically marks agents that
// stopped reporting as disconnected.
type Monitor struct {
	store    store.Store
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	handlersMu       sync.Mutex
	shutdownHandlers []ShutdownHandler

	version VersionPolicy
}

// VersionPolicy describes the agent version this gateway advertises.
type VersionPolicy struct {
	Latest        string
	ReleaseNotes  string
	UpdateURLBase string
}

// New creates a Monitor. interval is how often the stale sweep runs;
// timeout is how long an agent may go silent before being evicted.
func New(st store.Store, interval, timeout time.Duration, version VersionPolicy, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:    st,
		interval: interval,
		timeout:  timeout,
		version:  version,
		logger:   logger.With("component", "monitor"),
		lastSeen: make(map[string]time.Time),
	}
}

// Start launches the background sweep loop. Calling Start on a running
// monitor logs a warning and is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		m.logger.Warn("monitor already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.logger.Info("starting heartbeat monitor",
		"interval", m.interval,
		"timeout", m.timeout,
	)

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.checkStaleAgents(ctx); err != nil {
					m.logger.Error("stale sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the sweep loop, waits for it to exit, and clears all
// tracked heartbeat state. Idempotent; safe without a prior Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.lastSeen = make(map[string]time.Time)
	m.mu.Unlock()
}

// RecordHeartbeat updates the agent's last-seen timestamp and persists
// it best-effort: a store failure is logged, never raised.
func (m *Monitor) RecordHeartbeat(hb Heartbeat) {
	now := time.Now()

	m.mu.Lock()
	m.lastSeen[hb.AgentID] = now
	m.mu.Unlock()

	if err := m.store.UpdateAgentLastSeen(context.Background(), hb.AgentID, now.UTC()); err != nil {
		m.logger.Warn("persisting last seen", "agent_id", hb.AgentID, "error", err)
	}

	m.logger.Debug("heartbeat",
		"agent_id", hb.AgentID,
		"cpu_percent", hb.CPUPercent,
		"memory_percent", hb.MemoryPercent,
		"uptime_seconds", hb.UptimeSeconds,
	)
}

// RegisterAgentConnection seeds tracking for a freshly connected agent
// so it is not considered stale before its first heartbeat arrives.
func (m *Monitor) RegisterAgentConnection(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSeen[agentID] = time.Now()
}

// UnregisterAgentConnection drops tracking for a disconnected agent.
func (m *Monitor) UnregisterAgentConnection(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.lastSeen, agentID)
}

// IsAgentStale reports whether an agent is untracked or has gone silent
// past the heartbeat timeout.
func (m *Monitor) IsAgentStale(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.lastSeen[agentID]
	if !ok {
		return true
	}
	return time.Since(last) > m.timeout
}

// StaleAgents returns the IDs of tracked agents past the heartbeat
// timeout. Pure query; no state is mutated.
func (m *Monitor) StaleAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []string
	for id, last := range m.lastSeen {
		if time.Since(last) > m.timeout {
			stale = append(stale, id)
		}
	}
	return stale
}

// checkStaleAgents is one sweep iteration: every tracked agent past the
// timeout is persisted as disconnected and dropped from tracking. A
// persistence failure for one agent does not stop the rest.
func (m *Monitor) checkStaleAgents(ctx context.Context) error {
	stale := m.StaleAgents()
	if len(stale) == 0 {
		return nil
	}

	var firstErr error
	for _, agentID := range stale {
		m.logger.Warn("agent went stale", "agent_id", agentID, "timeout", m.timeout)

		if err := m.store.UpdateAgentStatus(ctx, agentID, store.StatusDisconnected); err != nil {
			m.logger.Error("persisting stale disconnect", "agent_id", agentID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("marking %s disconnected: %w", agentID, err)
			}
		}

		m.mu.Lock()
		delete(m.lastSeen, agentID)
		m.mu.Unlock()
	}
	return firstErr
}

// OnShutdown registers an external handler invoked for every agent
// shutdown notice.
func (m *Monitor) OnShutdown(handler ShutdownHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// HandleShutdown processes an agent's shutdown notice. A restarting
// agent is marked pending (reconnect expected imminently), anything
// else disconnected. Tracking is dropped either way, then every
// registered shutdown handler runs; a panicking handler is contained so
// it cannot block the rest.
func (m *Monitor) HandleShutdown(ctx context.Context, req ShutdownRequest) {
	status := store.StatusDisconnected
	if req.Restart {
		status = store.StatusPending
	}

	if err := m.store.UpdateAgentStatus(ctx, req.AgentID, status); err != nil {
		m.logger.Error("persisting shutdown status",
			"agent_id", req.AgentID,
			"status", status,
			"error", err,
		)
	}

	m.UnregisterAgentConnection(req.AgentID)

	m.logger.Info("agent shutdown",
		"agent_id", req.AgentID,
		"reason", req.Reason,
		"restart", req.Restart,
	)

	m.handlersMu.Lock()
	handlers := make([]ShutdownHandler, len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.handlersMu.Unlock()

	for _, handler := range handlers {
		m.runShutdownHandler(handler, req)
	}
}

func (m *Monitor) runShutdownHandler(handler ShutdownHandler, req ShutdownRequest) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("shutdown handler panicked",
				"agent_id", req.AgentID,
				"panic", rec,
			)
		}
	}()
	handler(req.AgentID, req.Reason, req.Restart)
}

// TriggerUpdate marks an agent as updating. Returns false when the
// agent record does not exist.
func (m *Monitor) TriggerUpdate(ctx context.Context, agentID string) bool {
	if err := m.store.UpdateAgentStatus(ctx, agentID, store.StatusUpdating); err != nil {
		m.logger.Warn("triggering update", "agent_id", agentID, "error", err)
		return false
	}
	return true
}
