// Package agent manages live connections to fleet-agent daemons.
//
// The Registry holds at most one Connection per agent ID. Registering a
// new connection for an agent evicts the previous one: every pending
// RPC waiter on the old connection is cancelled, its transport closed,
// and its disconnection persisted before the new connection goes live.
//
// Outbound commands use JSON-RPC 2.0 correlation: SendCommand assigns a
// UUID request id, registers a waiter on the connection, and blocks
// until the matching response frame arrives or the per-call deadline
// elapses. Inbound frames without an id are notifications, dispatched
// by method name through the handler table; RegisterBuiltins installs
// the standard heartbeat/shutdown/rotation handlers.
//
// Call failures are one of three kinds: ErrNotConnected (precondition,
// no I/O attempted), ErrRequestTimeout, or a *RemoteError carrying the
// agent's structured error. Transport and protocol problems never
// propagate past the failing operation.
package agent
