package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"kurrentlibrary/pkg/eventstore"
)

const defaultKeyPrefix = "kurrentlibrary:checkpoint:"

// CheckpointStore keeps one hash per projection with commit and prepare
// fields.
type CheckpointStore struct {
	client *redis.Client
	prefix string
}

var _ eventstore.CheckpointStore = (*CheckpointStore)(nil)

func NewCheckpointStore(client *redis.Client, prefix string) *CheckpointStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &CheckpointStore{client: client, prefix: prefix}
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, name string) (eventstore.Position, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+name).Result()
	if err != nil {
		return eventstore.Start, false, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	if len(fields) == 0 {
		return eventstore.Start, false, nil
	}

	commit, err1 := strconv.ParseUint(fields["commit"], 10, 64)
	prepare, err2 := strconv.ParseUint(fields["prepare"], 10, 64)
	if err := errors.Join(err1, err2); err != nil {
		return eventstore.Start, false, fmt.Errorf("parse checkpoint %s: %w", name, err)
	}
	return eventstore.Position{Commit: commit, Prepare: prepare}, true, nil
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, name string, pos eventstore.Position) error {
	err := s.client.HSet(ctx, s.prefix+name,
		"commit", strconv.FormatUint(pos.Commit, 10),
		"prepare", strconv.FormatUint(pos.Prepare, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}
