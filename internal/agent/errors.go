// ABOUTME: Error taxonomy for agent RPC calls
// ABOUTME: Distinguishes not-connected, timeout, cancellation, and remote errors

package agent

import (
	"errors"
	"fmt"
)

// ErrNotConnected indicates the target agent has no live connection.
// Returned before any I/O is attempted.
var ErrNotConnected = errors.New("agent not connected")

// ErrRequestTimeout indicates a command's deadline elapsed with no
// response from the agent.
var ErrRequestTimeout = errors.New("request timed out")

// ErrConnectionClosed is delivered to pending callers when their
// connection is unregistered out from under them.
var ErrConnectionClosed = errors.New("connection closed")

// RemoteError is a structured JSON-RPC error returned by an agent.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}
