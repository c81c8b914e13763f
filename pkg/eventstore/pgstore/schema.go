package pgstore

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	position BIGSERIAL PRIMARY KEY,
	stream_id TEXT NOT NULL,
	revision BIGINT NOT NULL,
	event_id UUID NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	data JSONB NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (stream_id, revision)
);

CREATE INDEX IF NOT EXISTS events_stream_id_idx ON events (stream_id, revision);

CREATE TABLE IF NOT EXISTS projection_checkpoints (
	name TEXT PRIMARY KEY,
	commit_position BIGINT NOT NULL,
	prepare_position BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the events and checkpoint tables if they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
