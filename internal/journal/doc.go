// Package journal records realtime update events in PostgreSQL.
//
// The journal attaches to a shared connection like any other consumer and
// writes every application frame to the update_events table in batches.
// Writes are append-only; a replayed event id is ignored.
package journal
