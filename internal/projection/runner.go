// Package projection runs read models as catch-up subscriptions to the
// global log, each with its own checkpoint.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kurrentlibrary/internal/lending"
	"kurrentlibrary/pkg/eventstore"
)

// Message is one decoded event handed to a projection.
type Message struct {
	Record   eventstore.RecordedEvent
	Event    lending.Event
	Metadata lending.Metadata
}

// Handler is implemented by every projection. Handle must tolerate
// redelivery of events it has already seen.
type Handler interface {
	Name() string
	Handle(ctx context.Context, msg Message) error
}

type Status struct {
	Name       string
	Running    bool
	Checkpoint eventstore.Position
	Processed  int64
	Skipped    int64
	LastError  string
	UpdatedAt  time.Time
}

// Runner feeds one Handler from a subscription and saves its checkpoint.
type Runner struct {
	store       eventstore.Store
	checkpoints eventstore.CheckpointStore
	handler     Handler
	filter      eventstore.SubscriptionFilter
	saveEvery   int
	logger      *slog.Logger
	tracer      trace.Tracer

	mu     sync.RWMutex
	status Status
}

type RunnerOption func(*Runner)

// WithFilter narrows the subscription. The default covers book and patron streams.
func WithFilter(f eventstore.SubscriptionFilter) RunnerOption {
	return func(r *Runner) { r.filter = f }
}

// WithCheckpointEvery saves the checkpoint after every n handled events.
func WithCheckpointEvery(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.saveEvery = n
		}
	}
}

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRunner(store eventstore.Store, checkpoints eventstore.CheckpointStore, handler Handler, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:       store,
		checkpoints: checkpoints,
		handler:     handler,
		filter:      eventstore.SubscriptionFilter{StreamPrefixes: lending.StreamPrefixes},
		saveEvery:   1,
		logger:      slog.Default(),
		tracer:      otel.Tracer("kurrentlibrary/projection"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("projection", handler.Name()))
	r.status.Name = handler.Name()
	return r
}

// Run resumes from the saved checkpoint and processes events until ctx is
// done. A canceled context is not reported as an error.
func (r *Runner) Run(ctx context.Context) error {
	from, _, err := r.checkpoints.LoadCheckpoint(ctx, r.handler.Name())
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	sub, err := r.store.SubscribeToAll(ctx, from, r.filter)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	r.setRunning(true, from)
	defer r.setRunning(false, from)
	r.logger.InfoContext(ctx, "projection started", slog.String("from", from.String()))

	pending := 0
	last := from
	for {
		rec, err := sub.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, eventstore.ErrSubscriptionClosed) {
				return r.flush(context.WithoutCancel(ctx), last, pending)
			}
			r.recordError(err)
			return fmt.Errorf("receive: %w", err)
		}

		if err := r.process(ctx, rec); err != nil {
			r.recordError(err)
			return err
		}

		last = rec.Position
		pending++
		if pending >= r.saveEvery {
			if err := r.save(ctx, last); err != nil {
				return err
			}
			pending = 0
		}
	}
}

func (r *Runner) process(ctx context.Context, rec eventstore.RecordedEvent) error {
	ctx, span := r.tracer.Start(ctx, "projection.handle",
		trace.WithAttributes(
			attribute.String("projection.name", r.handler.Name()),
			attribute.String("stream.id", rec.StreamID),
			attribute.Int64("event.revision", int64(rec.Revision)),
			attribute.String("event.type", rec.EventType),
		),
	)
	defer span.End()

	event, meta, err := lending.Decode(rec)
	if err != nil {
		// A broken event cannot be fixed by retrying; skip it and keep going.
		span.RecordError(err)
		r.logger.ErrorContext(ctx, "skipping undecodable event",
			slog.String("stream", rec.StreamID),
			slog.Uint64("revision", rec.Revision),
			slog.Any("error", err),
		)
		r.mu.Lock()
		r.status.Skipped++
		r.mu.Unlock()
		return nil
	}

	if err := r.handler.Handle(ctx, Message{Record: rec, Event: event, Metadata: meta}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("handle %s@%d: %w", rec.StreamID, rec.Revision, err)
	}

	r.mu.Lock()
	r.status.Processed++
	r.mu.Unlock()
	return nil
}

func (r *Runner) save(ctx context.Context, pos eventstore.Position) error {
	if err := r.checkpoints.SaveCheckpoint(ctx, r.handler.Name(), pos); err != nil {
		r.recordError(err)
		return fmt.Errorf("save checkpoint: %w", err)
	}
	r.mu.Lock()
	r.status.Checkpoint = pos
	r.status.UpdatedAt = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *Runner) flush(ctx context.Context, pos eventstore.Position, pending int) error {
	if pending == 0 {
		return nil
	}
	return r.save(ctx, pos)
}

func (r *Runner) setRunning(running bool, pos eventstore.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Running = running
	if running {
		r.status.Checkpoint = pos
	}
}

func (r *Runner) recordError(err error) {
	r.mu.Lock()
	r.status.LastError = err.Error()
	r.mu.Unlock()
}

func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}
