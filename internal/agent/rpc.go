// ABOUTME: JSON-RPC correlation engine over registered agent connections
// ABOUTME: Builds outbound requests, matches responses to waiters, enforces per-call timeouts

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxFrameBytes is the largest inbound frame the engine will process.
// Oversized frames are dropped server-side with no protocol-level
// rejection sent to the agent.
const MaxFrameBytes = 1 << 20

// DefaultCommandTimeout applies when SendCommand is called with a
// non-positive timeout.
const DefaultCommandTimeout = 30 * time.Second

// PingTimeout bounds the built-in liveness ping.
const PingTimeout = 5 * time.Second

// request is the outbound JSON-RPC 2.0 envelope.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// envelope is the inbound frame shape. A frame with an "id" field is a
// response; one with only a "method" field is a notification.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *RemoteError    `json:"error"`
	Params json.RawMessage `json:"params"`
}

// SendCommand issues a JSON-RPC request to a connected agent and blocks
// until the agent responds, the timeout elapses, or ctx is cancelled.
// Fails immediately with ErrNotConnected (no I/O) when the agent has no
// live connection. The returned bytes are the raw "result" field.
func (r *Registry) SendCommand(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn := r.get(agentID)
	if conn == nil {
		return nil, fmt.Errorf("sending %s to %s: %w", method, agentID, ErrNotConnected)
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	requestID := uuid.New().String()

	ch, err := conn.addWaiter(requestID)
	if err != nil {
		return nil, fmt.Errorf("sending %s to %s: %w", method, agentID, err)
	}
	// Waiter must not outlive the call, whatever the outcome. The
	// connection may already have been unregistered concurrently;
	// removeWaiter tolerates that.
	defer conn.removeWaiter(requestID)

	data, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      requestID,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := conn.Send(sendCtx, data); err != nil {
		return nil, fmt.Errorf("sending %s to %s: %w", method, agentID, err)
	}

	r.logger.Debug("command sent",
		"agent_id", agentID,
		"method", method,
		"request_id", requestID,
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s to %s: %w", method, agentID, res.err)
		}
		return res.result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s to %s after %s: %w", method, agentID, timeout, ErrRequestTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s to %s: %w", method, agentID, ctx.Err())
	}
}

// Ping checks an agent's responsiveness. Returns true only if the agent
// answers the "ping" method with the literal string "pong" within
// PingTimeout.
func (r *Registry) Ping(ctx context.Context, agentID string) bool {
	result, err := r.SendCommand(ctx, agentID, "ping", nil, PingTimeout)
	if err != nil {
		r.logger.Debug("ping failed", "agent_id", agentID, "error", err)
		return false
	}

	var reply string
	if err := json.Unmarshal(result, &reply); err != nil {
		return false
	}
	return reply == "pong"
}

// HandleMessage processes one raw inbound frame from an agent's
// transport. Oversized and malformed frames are dropped with a log
// line; the connection stays open. Frames with an "id" are routed as
// responses to the matching waiter, everything else goes to the
// notification router.
func (r *Registry) HandleMessage(agentID string, raw []byte) {
	if len(raw) > MaxFrameBytes {
		r.logger.Warn("dropping oversized frame",
			"agent_id", agentID,
			"size", len(raw),
			"limit", MaxFrameBytes,
		)
		return
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("dropping unparseable frame", "agent_id", agentID, "error", err)
		return
	}

	if env.ID != nil {
		r.handleResponse(agentID, &env)
		return
	}

	r.dispatchNotification(agentID, &env)
}

// handleResponse resolves or fails the waiter identified by the
// response id. Unknown ids are logged and dropped; they are expected
// after timeouts and evictions.
func (r *Registry) handleResponse(agentID string, env *envelope) {
	var requestID string
	if err := json.Unmarshal(env.ID, &requestID); err != nil {
		r.logger.Warn("dropping response with non-string id", "agent_id", agentID)
		return
	}

	conn := r.get(agentID)
	if conn == nil {
		r.logger.Warn("dropping response for unconnected agent",
			"agent_id", agentID,
			"request_id", requestID,
		)
		return
	}

	var delivered bool
	if env.Error != nil {
		delivered = conn.fail(requestID, env.Error)
	} else {
		delivered = conn.resolve(requestID, env.Result)
	}

	if !delivered {
		r.logger.Warn("dropping response for unknown request",
			"agent_id", agentID,
			"request_id", requestID,
		)
	}
}
