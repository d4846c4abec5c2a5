// ABOUTME: Registry of live agent connections, handles registration and eviction
// ABOUTME: Central coordinator holding at most one connection per agent ID

package agent

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/fleet-gateway/internal/store"
)

// LivenessTracker receives connect/disconnect notifications so the
// heartbeat monitor can seed and drop tracking state. Implemented by
// monitor.Monitor; a nil tracker is ignored.
type LivenessTracker interface {
	RegisterAgentConnection(agentID string)
	UnregisterAgentConnection(agentID string)
}

// registrationStripes bounds the per-agent registration lock table.
const registrationStripes = 64

// Registry tracks all live agent connections and routes RPC traffic to
// them. At most one connection exists per agent ID; registering a new
// connection evicts the previous one.
type Registry struct {
	store   store.Store
	monitor LivenessTracker
	logger  *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	handlerTable handlerTable

	// Striped locks serialize racing (re)connect attempts per agent ID
	// without growing a lock per agent forever.
	regLocks [registrationStripes]sync.Mutex
}

// NewRegistry creates a Registry. The tracker may be nil.
func NewRegistry(st store.Store, tracker LivenessTracker, logger *slog.Logger) *Registry {
	return &Registry{
		store:   st,
		monitor: tracker,
		logger:  logger,
		conns:   make(map[string]*Connection),
	}
}

func (r *Registry) regLock(agentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return &r.regLocks[h.Sum32()%registrationStripes]
}

// Register creates a connection for an authenticated agent. If a live
// connection already exists for the agent it is evicted first: its
// pending requests are cancelled, its transport closed, and its
// disconnection persisted. Racing registrations for the same agent are
// serialized.
func (r *Registry) Register(ctx context.Context, agentID, serverID string, transport Transport) *Connection {
	lock := r.regLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	existing := r.conns[agentID]
	r.mu.Unlock()

	if existing != nil {
		r.logger.Info("evicting superseded connection", "agent_id", agentID)
		r.evict(ctx, existing, "superseded by new connection")
	}

	conn := newConnection(agentID, serverID, transport, r.logger.With("agent_id", agentID))

	r.mu.Lock()
	r.conns[agentID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if err := r.store.UpdateAgentStatus(ctx, agentID, store.StatusConnected); err != nil {
		r.logger.Error("persisting connected status", "agent_id", agentID, "error", err)
	}
	if r.monitor != nil {
		r.monitor.RegisterAgentConnection(agentID)
	}
	r.audit(ctx, agentID, store.AuditAgentConnected, map[string]any{"server_id": serverID})

	r.logger.Info("agent connected",
		"agent_id", agentID,
		"server_id", serverID,
		"total_agents", total,
	)
	return conn
}

// Unregister removes an agent's connection, cancelling every pending
// request so blocked callers observe cancellation. A no-op with a
// warning if the agent has no connection.
func (r *Registry) Unregister(ctx context.Context, agentID string) {
	lock := r.regLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	conn, ok := r.conns[agentID]
	if ok {
		delete(r.conns, agentID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("unregister for unknown agent", "agent_id", agentID)
		return
	}

	r.evict(ctx, conn, "unregistered")
	r.logger.Info("agent disconnected",
		"agent_id", agentID,
		"total_agents", total,
	)
}

// UnregisterConn removes a specific connection, but only while it is
// still the registered one for its agent. A handler whose connection
// was superseded by a reconnect must not tear down the replacement, so
// a stale connection is a silent no-op here; eviction already cleaned
// it up.
func (r *Registry) UnregisterConn(ctx context.Context, conn *Connection) {
	lock := r.regLock(conn.AgentID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	current := r.conns[conn.AgentID]
	if current == conn {
		delete(r.conns, conn.AgentID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if current != conn {
		r.logger.Debug("unregister skipped for superseded connection", "agent_id", conn.AgentID)
		return
	}

	r.evict(ctx, conn, "unregistered")
	r.logger.Info("agent disconnected",
		"agent_id", conn.AgentID,
		"total_agents", total,
	)
}

// evict tears down a connection that is no longer current: cancels its
// waiters, closes its transport best-effort, persists the disconnect,
// and drops liveness tracking. Transport and persistence failures are
// logged, never raised.
func (r *Registry) evict(ctx context.Context, conn *Connection, reason string) {
	conn.failAllPending(ErrConnectionClosed)
	conn.closeTransport(websocket.StatusNormalClosure, reason)

	if err := r.store.UpdateAgentStatus(ctx, conn.AgentID, store.StatusDisconnected); err != nil {
		r.logger.Error("persisting disconnected status", "agent_id", conn.AgentID, "error", err)
	}
	if r.monitor != nil {
		r.monitor.UnregisterAgentConnection(conn.AgentID)
	}
	r.audit(ctx, conn.AgentID, store.AuditAgentDisconnected, map[string]any{"reason": reason})
}

// get retrieves the live connection for an agent, or nil.
func (r *Registry) get(agentID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.conns[agentID]
}

// IsConnected reports whether an agent has a live connection.
func (r *Registry) IsConnected(agentID string) bool {
	return r.get(agentID) != nil
}

// ByServer returns the connection for the agent managing serverID, or
// nil. Linear scan of active connections; fine at homelab fleet sizes.
func (r *Registry) ByServer(serverID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.conns {
		if conn.ServerID == serverID {
			return conn
		}
	}
	return nil
}

// ConnectedIDs returns the IDs of all currently connected agents.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Info describes a live connection.
type Info struct {
	AgentID      string    `json:"agent_id"`
	ServerID     string    `json:"server_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	PendingCount int       `json:"pending_count"`
}

// ConnectionInfo returns a snapshot of an agent's connection state, or
// nil if the agent is not connected.
func (r *Registry) ConnectionInfo(agentID string) *Info {
	conn := r.get(agentID)
	if conn == nil {
		return nil
	}
	return &Info{
		AgentID:      conn.AgentID,
		ServerID:     conn.ServerID,
		ConnectedAt:  conn.ConnectedAt,
		PendingCount: conn.PendingCount(),
	}
}

// audit writes a lifecycle event, best-effort.
func (r *Registry) audit(ctx context.Context, agentID string, action store.AuditAction, detail map[string]any) {
	err := r.store.AppendAudit(ctx, &store.AuditEntry{
		AgentID: agentID,
		Action:  action,
		Detail:  detail,
	})
	if err != nil {
		r.logger.Debug("appending audit entry", "agent_id", agentID, "error", err)
	}
}
