// ABOUTME: WebSocket endpoint for agent connections: handshake, auth, and message loop
// ABOUTME: Authenticates register/authenticate frames before handing transports to the registry

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/monitor"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/token"
)

// StatusAuthFailed is the distinguished close code for handshake
// failures, as opposed to StatusNormalClosure (1000) for clean
// shutdowns.
const StatusAuthFailed = websocket.StatusCode(4001)

// Gateway serves the agent WebSocket endpoint and the operator HTTP
// API.
type Gateway struct {
	cfg      *config.Config
	registry *agent.Registry
	monitor  *monitor.Monitor
	tokens   *token.Manager
	store    store.Store
	verifier *auth.JWTVerifier
	limiter  *IPLimiter
	logger   *slog.Logger
}

// New creates a Gateway. verifier may be nil, which disables the
// operator API endpoints that require authentication.
func New(cfg *config.Config, registry *agent.Registry, mon *monitor.Monitor, tokens *token.Manager, st store.Store, verifier *auth.JWTVerifier, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		monitor:  mon,
		tokens:   tokens,
		store:    st,
		verifier: verifier,
		limiter:  NewIPLimiter(cfg.Auth.RateLimitPerSecond, cfg.Auth.RateLimitBurst),
		logger:   logger.With("component", "gateway"),
	}
}

// Handler returns the HTTP handler serving /ws/agent, /healthz, and the
// operator API.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", g.handleAgentWS)
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	g.registerAPI(mux)
	return mux
}

// helloFrame is the first message an agent must send.
type helloFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Token   string `json:"token,omitempty"`
	Version string `json:"version,omitempty"`
}

// welcomeFrame is the success reply. Token is set only for "register".
type welcomeFrame struct {
	Type    string      `json:"type"`
	AgentID string      `json:"agent_id"`
	Token   string      `json:"token,omitempty"`
	Config  agentConfig `json:"config"`
}

type agentConfig struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `json:"heartbeat_timeout_seconds"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handleAgentWS runs the full agent connection lifecycle: rate limit,
// handshake within the auth window, registry registration, then the
// message loop. The connection is unconditionally unregistered when the
// loop ends, whatever the reason.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, g.cfg.Server.TrustProxyHeaders)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket accept failed", "remote", ip, "error", err)
		return
	}
	// Read limit sits above the engine's frame cap so oversized frames
	// up to 4 MiB reach HandleMessage and are dropped there without
	// killing the connection. Past the read limit the websocket library
	// aborts the connection; that bound keeps a hostile peer from
	// buffering arbitrarily large frames in memory.
	conn.SetReadLimit(4 * agent.MaxFrameBytes)

	// Rate limit before any protocol work.
	if !g.limiter.Allow(ip) {
		g.logger.Warn("handshake rate limited", "remote", ip)
		g.rejectConn(r.Context(), conn, ip, "", "rate limited")
		return
	}

	hsCtx, cancel := context.WithTimeout(r.Context(), g.cfg.Auth.HandshakeWindow)
	var hello helloFrame
	err = wsjson.Read(hsCtx, conn, &hello)
	cancel()
	if err != nil {
		g.logger.Warn("handshake read failed", "remote", ip, "error", err)
		g.rejectConn(r.Context(), conn, ip, "", "authentication required")
		return
	}

	var (
		rec      *store.Agent
		freshTok string
	)
	switch hello.Type {
	case "register":
		rec, freshTok, err = g.tokens.Redeem(r.Context(), hello.Code, hello.Version)
	case "authenticate":
		rec, err = g.tokens.ValidateToken(r.Context(), hello.Token)
	default:
		err = errors.New("first message must be register or authenticate")
	}
	if err != nil {
		g.logger.Warn("handshake rejected", "remote", ip, "type", hello.Type, "error", err)
		g.rejectConn(r.Context(), conn, ip, hello.Type, "authentication failed")
		return
	}

	g.limiter.Success(ip)

	if hello.Version != "" && hello.Version != rec.Version {
		if err := g.store.UpdateAgentVersion(r.Context(), rec.ID, hello.Version); err != nil {
			g.logger.Warn("recording agent version", "agent_id", rec.ID, "error", err)
		}
	}

	agentConn := g.registry.Register(r.Context(), rec.ID, rec.ServerID, &wsTransport{conn: conn})
	// Cleanup is guaranteed: whatever ends the loop below, this
	// connection leaves the registry and its waiters are cancelled.
	// Unregistering by connection identity keeps a handler whose
	// connection was superseded by a reconnect from tearing down the
	// replacement.
	defer g.registry.UnregisterConn(context.Background(), agentConn)

	welcome := welcomeFrame{
		Type:    "ok",
		AgentID: rec.ID,
		Token:   freshTok,
		Config: agentConfig{
			HeartbeatIntervalSeconds: int(g.cfg.Agents.HeartbeatInterval.Seconds()),
			HeartbeatTimeoutSeconds:  int(g.cfg.Agents.HeartbeatTimeout.Seconds()),
		},
	}
	if err := wsjson.Write(r.Context(), conn, welcome); err != nil {
		g.logger.Warn("sending welcome", "agent_id", rec.ID, "error", err)
		return
	}

	g.logger.Info("agent handshake complete",
		"agent_id", rec.ID,
		"remote", ip,
		"type", hello.Type,
		"version", hello.Version,
	)

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				g.logger.Info("agent closed connection", "agent_id", rec.ID)
			} else {
				g.logger.Warn("agent read loop ended", "agent_id", rec.ID, "error", err)
			}
			return
		}
		g.registry.HandleMessage(rec.ID, data)
	}
}

// rejectConn records the failure against the limiter, writes the audit
// entry, then sends a structured error frame and closes with the
// auth-failed close code. The close handshake can block on an
// uncooperative peer, so all bookkeeping happens before it.
func (g *Gateway) rejectConn(ctx context.Context, conn *websocket.Conn, ip, helloType, msg string) {
	g.limiter.Failure(ip)

	err := g.store.AppendAudit(ctx, &store.AuditEntry{
		AgentID: "unknown",
		Action:  store.AuditAuthFailed,
		Detail:  map[string]any{"remote": ip, "type": helloType, "reason": msg},
	})
	if err != nil {
		g.logger.Debug("appending auth-failure audit", "error", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := wsjson.Write(writeCtx, conn, errorFrame{Type: "error", Error: msg}); err != nil {
		g.logger.Debug("writing error frame", "remote", ip, "error", err)
	}
	if err := conn.Close(StatusAuthFailed, msg); err != nil {
		g.logger.Debug("closing rejected connection", "remote", ip, "error", err)
	}
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":          true,
		"connected_agents": len(g.registry.ConnectedIDs()),
	})
}

// clientIP extracts the client address for rate limiting.
// X-Forwarded-For is honored only when the deployment declares a
// trusted fronting proxy, and only its first hop is used, so a client
// cannot key a fresh limiter bucket by varying the header.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsTransport adapts a websocket.Conn to the agent.Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}
