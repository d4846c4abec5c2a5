// Package gateway is the HTTP surface of the control plane.
//
// It serves three things: the agent WebSocket endpoint (/ws/agent),
// where agents complete an authenticated handshake and then speak
// JSON-RPC; a health endpoint (/healthz); and the JWT-protected
// operator API under /api for inspecting the fleet, sending commands,
// and driving token rotation and updates.
package gateway
