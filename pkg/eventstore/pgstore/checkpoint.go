package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kurrentlibrary/pkg/eventstore"
)

// CheckpointStore keeps projection checkpoints in the projection_checkpoints table.
type CheckpointStore struct {
	db *sql.DB
}

func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func (c *CheckpointStore) LoadCheckpoint(ctx context.Context, name string) (eventstore.Position, bool, error) {
	var commit, prepare int64
	err := c.db.QueryRowContext(ctx, `
		SELECT commit_position, prepare_position
		FROM projection_checkpoints
		WHERE name = $1
	`, name).Scan(&commit, &prepare)
	if errors.Is(err, sql.ErrNoRows) {
		return eventstore.Position{}, false, nil
	}
	if err != nil {
		return eventstore.Position{}, false, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	return eventstore.Position{Commit: uint64(commit), Prepare: uint64(prepare)}, true, nil
}

func (c *CheckpointStore) SaveCheckpoint(ctx context.Context, name string, pos eventstore.Position) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (name, commit_position, prepare_position, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE
		SET commit_position = EXCLUDED.commit_position,
		    prepare_position = EXCLUDED.prepare_position,
		    updated_at = EXCLUDED.updated_at
	`, name, int64(pos.Commit), int64(pos.Prepare))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}
