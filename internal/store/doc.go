// Package store provides persistence for fleet-gateway.
//
// It holds three kinds of records: agents (identity, status, token
// hashes, version, timestamps), single-use registration codes, and an
// append-only audit log of lifecycle events.
//
// The Store interface is implemented by SQLiteStore (modernc.org/sqlite,
// WAL mode, schema bootstrapped on open) and by MockStore, an in-memory
// implementation for tests with fault-injection hooks.
//
// All timestamps are stored as RFC 3339 UTC strings. Token hashes are
// SHA-256 hex digests of the raw agent token; the plaintext token is
// never persisted. Registration code hashes are bcrypt digests.
package store
