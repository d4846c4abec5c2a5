// ABOUTME: Operator HTTP API for fleet inspection and control
// ABOUTME: JWT-authenticated endpoints for commands, rotation, updates, and provisioning

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/token"
)

// registerAPI mounts the operator endpoints on mux.
func (g *Gateway) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", g.requireAuth(g.handleListAgents))
	mux.HandleFunc("GET /api/agents/{id}", g.requireAuth(g.handleGetAgent))
	mux.HandleFunc("GET /api/agents/{id}/audit", g.requireAuth(g.handleAgentAudit))
	mux.HandleFunc("GET /api/agents/{id}/version", g.requireAuth(g.handleAgentVersion))
	mux.HandleFunc("POST /api/agents/{id}/ping", g.requireAuth(g.handlePing))
	mux.HandleFunc("POST /api/agents/{id}/command", g.requireAuth(g.handleCommand))
	mux.HandleFunc("POST /api/agents/{id}/rotate", g.requireAuth(g.handleRotate))
	mux.HandleFunc("DELETE /api/agents/{id}/rotation", g.requireAuth(g.handleCancelRotation))
	mux.HandleFunc("POST /api/agents/{id}/update", g.requireAuth(g.handleUpdate))
	mux.HandleFunc("POST /api/codes", g.requireAuth(g.handleIssueCode))
	mux.HandleFunc("POST /api/broadcast", g.requireAuth(g.handleBroadcast))
}

// requireAuth wraps a handler with bearer-token verification.
func (g *Gateway) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.verifier == nil {
			writeError(w, http.StatusServiceUnavailable, "operator API disabled (no jwt_secret configured)")
			return
		}

		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		operator, err := g.verifier.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		g.logger.Debug("operator request",
			"operator", operator,
			"method", r.Method,
			"path", r.URL.Path,
		)
		next(w, r)
	}
}

// agentView merges the persisted record with live connection state.
type agentView struct {
	ID           string     `json:"id"`
	ServerID     string     `json:"server_id"`
	Status       string     `json:"status"`
	Version      string     `json:"version,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	Connected    bool       `json:"connected"`
	Stale        bool       `json:"stale"`
	PendingCount int        `json:"pending_count,omitempty"`
	Rotating     bool       `json:"rotating"`
}

func (g *Gateway) agentView(a *store.Agent) agentView {
	v := agentView{
		ID:           a.ID,
		ServerID:     a.ServerID,
		Status:       string(a.Status),
		Version:      a.Version,
		LastSeen:     a.LastSeen,
		RegisteredAt: a.RegisteredAt,
		Connected:    g.registry.IsConnected(a.ID),
		Stale:        g.monitor.IsAgentStale(a.ID),
		Rotating:     a.PendingTokenHash != "",
	}
	if info := g.registry.ConnectionInfo(a.ID); info != nil {
		v.PendingCount = info.PendingCount
	}
	return v
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing agents failed")
		return
	}

	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, g.agentView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := g.store.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading agent failed")
		return
	}
	writeJSON(w, http.StatusOK, g.agentView(a))
}

func (g *Gateway) handleAgentAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := g.store.ListAuditByAgent(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing audit log failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (g *Gateway) handleAgentVersion(w http.ResponseWriter, r *http.Request) {
	a, err := g.store.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading agent failed")
		return
	}
	writeJSON(w, http.StatusOK, g.monitor.CheckVersion(a.Version))
}

func (g *Gateway) handlePing(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	alive := g.registry.Ping(r.Context(), agentID)
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "alive": alive})
}

func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req struct {
		Method         string          `json:"method"`
		Params         json.RawMessage `json:"params,omitempty"`
		TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}

	timeout := agent.DefaultCommandTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}

	result, err := g.registry.SendCommand(r.Context(), agentID, req.Method, params, timeout)
	if err != nil {
		g.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// writeCommandError maps the RPC failure taxonomy onto HTTP statuses.
func (g *Gateway) writeCommandError(w http.ResponseWriter, err error) {
	var remote *agent.RemoteError
	switch {
	case errors.Is(err, agent.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrRequestTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &remote):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":          remote.Message,
			"remote_code":    remote.Code,
			"remote_message": remote.Message,
		})
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (g *Gateway) handleRotate(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	newToken, err := g.tokens.InitiateRotation(r.Context(), agentID)
	if errors.Is(err, token.ErrAgentNotConnected) {
		writeError(w, http.StatusConflict, "agent not connected; rotation is only delivered live")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	// The plaintext was already delivered to the agent; the operator
	// only needs to know the window is open.
	_ = newToken
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "rotating": true})
}

func (g *Gateway) handleCancelRotation(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if err := g.tokens.CancelRotation(r.Context(), agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "rotating": false})
}

func (g *Gateway) handleUpdate(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == "" {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}

	if !g.monitor.TriggerUpdate(r.Context(), agentID) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	err := g.store.AppendAudit(r.Context(), &store.AuditEntry{
		AgentID: agentID,
		Action:  store.AuditUpdateTriggered,
		Detail:  map[string]any{"version": req.Version},
	})
	if err != nil {
		g.logger.Debug("appending update audit", "agent_id", agentID, "error", err)
	}

	// Best-effort push; an offline agent picks the update up when it
	// reconnects and sees status UPDATING.
	if _, err := g.registry.SendCommand(r.Context(), agentID, "agent.update",
		map[string]any{"version": req.Version}, agent.DefaultCommandTimeout); err != nil {
		g.logger.Warn("pushing update command", "agent_id", agentID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "updating": true})
}

func (g *Gateway) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	code, err := g.tokens.IssueRegistrationCode(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": req.AgentID, "code": code})
}

func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}

	res := g.registry.Broadcast(r.Context(), req.Method, params)

	failures := make(map[string]string, len(res.Failures))
	for id, err := range res.Failures {
		failures[id] = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempted": res.Attempted,
		"succeeded": res.Succeeded,
		"failures":  failures,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
