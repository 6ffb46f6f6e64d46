// Package store is the single source of truth for item identity, delivery
// history, publish history and subscriber records.
//
// Uses SQLite with WAL mode. Every idempotency guarantee in bidwatch is
// enforced here through uniqueness constraints plus INSERT OR IGNORE /
// ON CONFLICT writes: replaying a delivery or a daily post record is a no-op,
// never an error. Multi-row mutations run inside a single transaction so a
// crash leaves either the pre- or the post-state.
package store
