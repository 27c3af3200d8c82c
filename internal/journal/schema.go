package journal

import (
	"context"
	"fmt"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS update_events (
	id          UUID PRIMARY KEY,
	endpoint    TEXT NOT NULL,
	event_type  TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
)`

const createIndexSQL = `
CREATE INDEX IF NOT EXISTS update_events_type_received_idx
	ON update_events (event_type, received_at DESC)`

// EnsureSchema creates the update_events table if it does not exist.
func EnsureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create update_events table: %w", err)
	}
	if _, err := db.Exec(ctx, createIndexSQL); err != nil {
		return fmt.Errorf("create update_events index: %w", err)
	}
	return nil
}
