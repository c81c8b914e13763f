package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	_ "github.com/lib/pq"

	"kurrentlibrary/internal/platform/config"
	"kurrentlibrary/internal/platform/redis"
	"kurrentlibrary/pkg/eventstore"
	"kurrentlibrary/pkg/eventstore/kurrentstore"
	"kurrentlibrary/pkg/eventstore/pgstore"
)

// backends holds the opened stores and whatever must be closed afterwards.
type backends struct {
	store       eventstore.Store
	checkpoints eventstore.CheckpointStore
	closers     []io.Closer
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

func openBackends(ctx context.Context, cfg config.Config) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var db *sql.DB
	postgres := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		conn, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		db = conn
		b.closers = append(b.closers, conn)
		return conn, nil
	}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		conn, err := postgres()
		if err != nil {
			return nil, err
		}
		b.store = pgstore.New(conn)
	case config.BackendKurrentDB:
		store, err := kurrentstore.Connect(cfg.KurrentDBURL)
		if err != nil {
			return nil, err
		}
		b.store = store
		b.closers = append(b.closers, store)
	default:
		b.store = eventstore.NewMemoryStore()
	}

	switch cfg.CheckpointBackend {
	case config.BackendPostgres:
		conn, err := postgres()
		if err != nil {
			return nil, err
		}
		b.checkpoints = pgstore.NewCheckpointStore(conn)
	case config.BackendRedis:
		client, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.checkpoints = redis.NewCheckpointStore(client, "")
		b.closers = append(b.closers, client)
	default:
		b.checkpoints = eventstore.NewMemoryCheckpointStore()
	}
	return b, nil
}

func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := pgstore.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
