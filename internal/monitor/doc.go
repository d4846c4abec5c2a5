// Package monitor tracks agent liveness from heartbeat notifications.
//
// Connected agents are seeded into tracking at registration time so a
// fresh connection is never stale before its first heartbeat. A single
// background loop sweeps tracked agents on the heartbeat interval and
// marks any that exceeded the heartbeat timeout as disconnected.
//
// The monitor also handles agent shutdown notices (restart → pending,
// otherwise disconnected) and answers version-check queries against the
// configured latest agent version.
package monitor
