// ABOUTME: Represents a single connected agent and its pending RPC waiters
// ABOUTME: Handles sending frames and routing responses by request ID

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Transport is the duplex message channel to a connected agent.
// Implemented by the gateway's WebSocket wrapper and by test fakes.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// rpcResult carries either the "result" field of a response or the
// error that terminated the call.
type rpcResult struct {
	result json.RawMessage
	err    error
}

// Connection represents a connected agent with its transport and the
// map of in-flight request waiters. The waiter map is owned by the
// connection: waiters are added by command callers, resolved by the
// connection's inbound path, and failed en masse when the connection
// is evicted.
type Connection struct {
	AgentID     string
	ServerID    string
	ConnectedAt time.Time

	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan rpcResult
	closed  bool
}

// newConnection creates a Connection for a freshly authenticated agent.
func newConnection(agentID, serverID string, transport Transport, logger *slog.Logger) *Connection {
	return &Connection{
		AgentID:     agentID,
		ServerID:    serverID,
		ConnectedAt: time.Now().UTC(),
		transport:   transport,
		logger:      logger,
		pending:     make(map[string]chan rpcResult),
	}
}

// Send transmits raw bytes to the agent.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	return c.transport.Send(ctx, data)
}

// addWaiter registers a pending request and returns the channel its
// result will arrive on. Fails with ErrConnectionClosed if the
// connection has already been evicted.
func (c *Connection) addWaiter(requestID string) (chan rpcResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	ch := make(chan rpcResult, 1)
	c.pending[requestID] = ch
	return ch, nil
}

// removeWaiter drops a pending request. Safe to call after the
// connection was evicted or the waiter already resolved.
func (c *Connection) removeWaiter(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, requestID)
}

// resolve delivers a successful result to the waiter for requestID.
// Returns false if no such waiter exists.
func (c *Connection) resolve(requestID string, result json.RawMessage) bool {
	return c.deliver(requestID, rpcResult{result: result})
}

// fail delivers an error to the waiter for requestID.
// Returns false if no such waiter exists.
func (c *Connection) fail(requestID string, err error) bool {
	return c.deliver(requestID, rpcResult{err: err})
}

func (c *Connection) deliver(requestID string, res rpcResult) bool {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	// Buffered channel of size 1; never blocks, waiter may have
	// already given up on its own timeout.
	ch <- res
	return true
}

// failAllPending marks the connection closed and delivers err to every
// outstanding waiter so blocked callers observe cancellation instead of
// hanging. Further addWaiter calls fail.
func (c *Connection) failAllPending(err error) {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[string]chan rpcResult)
	c.closed = true
	c.mu.Unlock()

	for id, ch := range waiters {
		ch <- rpcResult{err: err}
		c.logger.Debug("cancelled pending request", "request_id", id)
	}
}

// PendingCount returns the number of in-flight requests.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// closeTransport closes the underlying transport, logging rather than
// returning any error.
func (c *Connection) closeTransport(code websocket.StatusCode, reason string) {
	if err := c.transport.Close(code, reason); err != nil {
		c.logger.Debug("closing transport", "error", err)
	}
}
