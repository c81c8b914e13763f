// Package kurrentstore implements the event store gateway on KurrentDB.
package kurrentstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kurrentlibrary/pkg/eventstore"
)

const readPageSize = 500

// Store adapts a KurrentDB client to eventstore.Store.
type Store struct {
	client *kurrentdb.Client
	tracer trace.Tracer
}

// Connect parses a kurrentdb:// connection string and opens a client.
func Connect(connectionString string) (*Store, error) {
	settings, err := kurrentdb.ParseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	client, err := kurrentdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("create kurrentdb client: %w", err)
	}
	return New(client), nil
}

func New(client *kurrentdb.Client) *Store {
	return &Store{
		client: client,
		tracer: otel.Tracer("kurrentlibrary/eventstore/kurrentstore"),
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

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

	data := make([]kurrentdb.EventData, len(events))
	for i, event := range events {
		eventID := event.EventID
		if eventID == uuid.Nil {
			eventID = uuid.New()
		}
		data[i] = kurrentdb.EventData{
			EventID:     eventID,
			ContentType: kurrentdb.ContentTypeJson,
			EventType:   event.EventType,
			Data:        event.Data,
			Metadata:    event.Metadata,
		}
	}

	opts := kurrentdb.AppendToStreamOptions{StreamState: streamState(expected)}
	result, err := s.client.AppendToStream(ctx, stream, opts, data...)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeWrongExpectedVersion) {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return eventstore.AppendResult{}, fmt.Errorf("%w: stream %s expected %s", eventstore.ErrConcurrencyConflict, stream, expected)
		}
		return eventstore.AppendResult{}, fmt.Errorf("append to %s: %w", stream, err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return eventstore.AppendResult{
		NextRevision: result.NextExpectedVersion,
		Position:     eventstore.Position{Commit: result.CommitPosition, Prepare: result.PreparePosition},
	}, nil
}

// ReadStream reads the whole stream forwards, one page at a time.
func (s *Store) ReadStream(ctx context.Context, stream string) ([]eventstore.RecordedEvent, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.read_stream",
		trace.WithAttributes(attribute.String("stream.id", stream)),
	)
	defer span.End()

	var (
		events []eventstore.RecordedEvent
		from   kurrentdb.StreamPosition = kurrentdb.Start{}
	)
	for {
		page, err := s.readPage(ctx, stream, from)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if len(page) < readPageSize {
			break
		}
		from = kurrentdb.StreamRevision{Value: page[len(page)-1].Revision + 1}
	}
	if len(events) == 0 {
		return nil, eventstore.ErrStreamNotFound
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

func (s *Store) readPage(ctx context.Context, stream string, from kurrentdb.StreamPosition) ([]eventstore.RecordedEvent, error) {
	read, err := s.client.ReadStream(ctx, stream, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Forwards,
		From:      from,
	}, readPageSize)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return nil, eventstore.ErrStreamNotFound
		}
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}
	defer read.Close()

	var events []eventstore.RecordedEvent
	for {
		resolved, err := read.Recv()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
				return nil, eventstore.ErrStreamNotFound
			}
			return nil, fmt.Errorf("read %s: %w", stream, err)
		}
		events = append(events, fromRecorded(resolved.OriginalEvent()))
	}
}

func (s *Store) StreamExists(ctx context.Context, stream string) (bool, error) {
	read, err := s.client.ReadStream(ctx, stream, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Forwards,
		From:      kurrentdb.Start{},
	}, 1)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", stream, err)
	}
	defer read.Close()

	_, err = read.Recv()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, io.EOF), hasCode(err, kurrentdb.ErrorCodeResourceNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("read %s: %w", stream, err)
	}
}

// SubscribeToAll opens a catch-up subscription on $all. System events are
// always excluded.
func (s *Store) SubscribeToAll(ctx context.Context, after eventstore.Position, filter eventstore.SubscriptionFilter) (eventstore.Subscription, error) {
	opts := kurrentdb.SubscribeToAllOptions{
		From:   kurrentdb.Start{},
		Filter: kurrentdb.ExcludeSystemEventsFilter(),
	}
	if !after.IsZero() {
		opts.From = kurrentdb.Position{Commit: after.Commit, Prepare: after.Prepare}
	}
	if len(filter.StreamPrefixes) > 0 {
		opts.Filter = &kurrentdb.SubscriptionFilter{
			Type:     kurrentdb.StreamFilterType,
			Prefixes: filter.StreamPrefixes,
		}
	}

	sub, err := s.client.SubscribeToAll(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("subscribe to $all: %w", err)
	}
	return &subscription{sub: sub}, nil
}

type subscription struct {
	sub *kurrentdb.Subscription
}

func (s *subscription) Recv() (eventstore.RecordedEvent, error) {
	for {
		event := s.sub.Recv()
		if event.SubscriptionDropped != nil {
			if event.SubscriptionDropped.Error == nil {
				return eventstore.RecordedEvent{}, eventstore.ErrSubscriptionClosed
			}
			return eventstore.RecordedEvent{}, fmt.Errorf("subscription dropped: %w", event.SubscriptionDropped.Error)
		}
		if event.EventAppeared != nil {
			return fromRecorded(event.EventAppeared.OriginalEvent()), nil
		}
	}
}

func (s *subscription) Close() error {
	return s.sub.Close()
}

func streamState(expected eventstore.ExpectedRevision) kurrentdb.StreamState {
	if rev, ok := expected.Revision(); ok {
		return kurrentdb.StreamRevision{Value: rev}
	}
	if expected.IsNoStream() {
		return kurrentdb.NoStream{}
	}
	return kurrentdb.Any{}
}

func fromRecorded(e *kurrentdb.RecordedEvent) eventstore.RecordedEvent {
	return eventstore.RecordedEvent{
		EventID:   e.EventID,
		StreamID:  e.StreamID,
		EventType: e.EventType,
		Revision:  e.EventNumber,
		Position:  eventstore.Position{Commit: e.Position.Commit, Prepare: e.Position.Prepare},
		Data:      e.Data,
		Metadata:  e.UserMetadata,
		CreatedAt: e.CreatedDate,
	}
}

func hasCode(err error, code kurrentdb.ErrorCode) bool {
	var kerr *kurrentdb.Error
	return errors.As(err, &kerr) && kerr.Code() == code
}
