// Package pgstore implements the event store gateway on PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kurrentlibrary/pkg/eventstore"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultBatchSize    = 256

	// appendLockKey serializes appends so that positions become visible in
	// commit order to polling subscribers.
	appendLockKey = 0x6c696272
)

// Store provides ACID appends with optimistic concurrency on top of a
// single events table.
type Store struct {
	db           *sql.DB
	tracer       trace.Tracer
	pollInterval time.Duration
	batchSize    int
}

type Option func(*Store)

// WithPollInterval sets how long an idle subscription waits between queries.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBatchSize sets how many events a subscription fetches per query.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// New creates a store using the connection pool db.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:           db,
		tracer:       otel.Tracer("kurrentlibrary/eventstore/pgstore"),
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append atomically appends events with optimistic concurrency control.
func (s *Store) Append(ctx context.Context, stream string, expected eventstore.ExpectedRevision, events ...eventstore.EventData) (eventstore.AppendResult, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("stream.id", stream),
			attribute.String("expected.revision", expected.String()),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if len(events) == 0 {
		return eventstore.AppendResult{}, eventstore.ErrNoEvents
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventstore.AppendResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return eventstore.AppendResult{}, fmt.Errorf("acquire append lock: %w", err)
	}

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(revision)
		FROM events
		WHERE stream_id = $1
	`, stream).Scan(&last)
	if err != nil {
		return eventstore.AppendResult{}, fmt.Errorf("query current revision: %w", err)
	}

	if err := expected.Check(stream, last.Valid, uint64(last.Int64)); err != nil {
		span.SetAttributes(
			attribute.Int64("actual.revision", last.Int64),
			attribute.Bool("conflict.detected", true),
		)
		return eventstore.AppendResult{}, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (stream_id, revision, event_id, event_type, data, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING position
	`)
	if err != nil {
		return eventstore.AppendResult{}, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	next := uint64(0)
	if last.Valid {
		next = uint64(last.Int64) + 1
	}

	var result eventstore.AppendResult
	for i, event := range events {
		revision := next + uint64(i)
		eventID := event.EventID
		if eventID == uuid.Nil {
			eventID = uuid.New()
		}

		var position int64
		err = stmt.QueryRowContext(
			ctx,
			stream,
			int64(revision),
			eventID,
			event.EventType,
			string(event.Data),
			nullableJSON(event.Metadata),
			time.Now().UTC(),
		).Scan(&position)
		if err != nil {
			// Unique violation on (stream_id, revision) means a racing writer won.
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return eventstore.AppendResult{}, fmt.Errorf("%w: stream %s revision %d already written", eventstore.ErrConcurrencyConflict, stream, revision)
			}
			return eventstore.AppendResult{}, fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.position", position),
			attribute.Int64("event.revision", int64(revision)),
			attribute.String("event.type", event.EventType),
		))
		result = eventstore.AppendResult{
			NextRevision: revision,
			Position:     eventstore.Position{Commit: uint64(position), Prepare: uint64(position)},
		}
	}

	if err := tx.Commit(); err != nil {
		return eventstore.AppendResult{}, fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return result, nil
}

// ReadStream retrieves every event of a stream in revision order.
func (s *Store) ReadStream(ctx context.Context, stream string) ([]eventstore.RecordedEvent, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.read_stream",
		trace.WithAttributes(attribute.String("stream.id", stream)),
	)
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, stream_id, revision, event_id, event_type, data, metadata, created_at
		FROM events
		WHERE stream_id = $1
		ORDER BY revision ASC
	`, stream)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, eventstore.ErrStreamNotFound
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

func (s *Store) StreamExists(ctx context.Context, stream string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.stream_exists",
		trace.WithAttributes(attribute.String("stream.id", stream)),
	)
	defer span.End()

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM events WHERE stream_id = $1)
	`, stream).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query stream existence: %w", err)
	}
	return exists, nil
}

// ReadAll provides a cursor-based page of the global log for projections.
func (s *Store) ReadAll(ctx context.Context, after eventstore.Position, filter eventstore.SubscriptionFilter, limit int) ([]eventstore.RecordedEvent, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.read_all",
		trace.WithAttributes(
			attribute.Int64("from.position", int64(after.Commit)),
			attribute.Int("batch.size", limit),
		),
	)
	defer span.End()

	query := `
		SELECT position, stream_id, revision, event_id, event_type, data, metadata, created_at
		FROM events
		WHERE position > $1`
	args := []interface{}{int64(after.Commit)}
	if len(filter.StreamPrefixes) > 0 {
		patterns := make([]string, len(filter.StreamPrefixes))
		for i, prefix := range filter.StreamPrefixes {
			patterns[i] = prefix + "%"
		}
		query += " AND stream_id LIKE ANY($3)"
		args = append(args, limit, pq.Array(patterns))
	} else {
		args = append(args, limit)
	}
	query += " ORDER BY position ASC LIMIT $2"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]eventstore.RecordedEvent, error) {
	var events []eventstore.RecordedEvent
	for rows.Next() {
		var (
			event    eventstore.RecordedEvent
			position int64
			revision int64
			metadata []byte
		)
		err := rows.Scan(
			&position,
			&event.StreamID,
			&revision,
			&event.EventID,
			&event.EventType,
			&event.Data,
			&metadata,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Position = eventstore.Position{Commit: uint64(position), Prepare: uint64(position)}
		event.Revision = uint64(revision)
		event.Metadata = metadata
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// lib/pq sends []byte as bytea, so JSON goes over the wire as text.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
