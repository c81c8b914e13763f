// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"kurrentlibrary/internal/lending"
	"kurrentlibrary/pkg/eventstore"
)

// service implements the Service interface.
type service struct {
	store    eventstore.Store
	clock    func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
	commands metric.Int64Counter
}

type Option func(*service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *service) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a new lending service on top of store.
func NewService(store eventstore.Store, opts ...Option) Service {
	s := &service{
		store:  store,
		clock:  time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer("kurrentlibrary/circulation"),
	}
	for _, opt := range opts {
		opt(s)
	}

	counter, err := otel.Meter("kurrentlibrary/circulation").Int64Counter(
		"library.commands",
		metric.WithDescription("Lending commands by outcome"),
	)
	if err != nil {
		s.logger.Warn("command counter unavailable", slog.Any("error", err))
		counter, _ = noop.NewMeterProvider().Meter("").Int64Counter("library.commands")
	}
	s.commands = counter
	return s
}

func (s *service) AddBook(ctx context.Context, cmd AddBookCommand) (Result[lending.BookSnapshot], error) {
	if cmd.BookID == uuid.Nil {
		cmd.BookID = uuid.New()
	}
	ctx, span := s.start(ctx, "AddBook", attribute.String("book.id", cmd.BookID.String()))
	defer span.End()

	stream := lending.BookStream(cmd.BookID)
	exists, err := s.store.StreamExists(ctx, stream)
	if err != nil {
		return Result[lending.BookSnapshot]{}, s.fail(ctx, span, "AddBook", fmt.Errorf("check %s: %w", stream, err))
	}
	if exists {
		return s.refused(ctx, "AddBook", lending.Rejection{Code: lending.CodeAlreadyExists, Reason: "book already exists"}).book(), nil
	}

	book, d := lending.AddBook(cmd.BookID, cmd.ISBN, cmd.Title, cmd.BookType, cmd.BranchID, s.clock())
	return commit(ctx, s, "AddBook", stream, eventstore.NoStream(), d, book.Snapshot)
}

func (s *service) CreatePatron(ctx context.Context, cmd CreatePatronCommand) (Result[lending.PatronSnapshot], error) {
	if cmd.PatronID == uuid.Nil {
		cmd.PatronID = uuid.New()
	}
	ctx, span := s.start(ctx, "CreatePatron", attribute.String("patron.id", cmd.PatronID.String()))
	defer span.End()

	stream := lending.PatronStream(cmd.PatronID)
	exists, err := s.store.StreamExists(ctx, stream)
	if err != nil {
		return Result[lending.PatronSnapshot]{}, s.fail(ctx, span, "CreatePatron", fmt.Errorf("check %s: %w", stream, err))
	}
	if exists {
		return s.refused(ctx, "CreatePatron", lending.Rejection{Code: lending.CodeAlreadyExists, Reason: "patron already exists"}).patron(), nil
	}

	patron, d := lending.CreatePatron(cmd.PatronID, cmd.Name, cmd.Email, cmd.PatronType, s.clock())
	return commit(ctx, s, "CreatePatron", stream, eventstore.NoStream(), d, patron.Snapshot)
}

// PlaceHold reads the patron and the book but only writes the book stream.
// Patron eligibility is checked first, against the patron's lagging view.
func (s *service) PlaceHold(ctx context.Context, cmd PlaceHoldCommand) (Result[lending.BookSnapshot], error) {
	const name = "PlaceHold"
	ctx, span := s.start(ctx, name,
		attribute.String("book.id", cmd.BookID.String()),
		attribute.String("patron.id", cmd.PatronID.String()),
		attribute.String("hold.type", string(cmd.HoldType)),
	)
	defer span.End()

	book, bookRev, err := s.loadBook(ctx, cmd.BookID)
	if err != nil {
		return Result[lending.BookSnapshot]{}, s.fail(ctx, span, name, err)
	}
	if book == nil {
		return s.missing(ctx, name, "book", cmd.BookID).book(), nil
	}
	patron, _, err := s.loadPatron(ctx, cmd.PatronID)
	if err != nil {
		return Result[lending.BookSnapshot]{}, s.fail(ctx, span, name, err)
	}
	if patron == nil {
		return s.missing(ctx, name, "patron", cmd.PatronID).book(), nil
	}

	if r := patron.CanPlaceHoldAt(book.BranchID(), book.Type()); r != nil {
		return s.refused(ctx, name, *r).book(), nil
	}
	d := book.PlaceOnHold(patron.ID(), patron.Type(), cmd.HoldType, cmd.HoldTill, s.clock())
	return commit(ctx, s, name, lending.BookStream(cmd.BookID), bookRev, d, book.Snapshot)
}

func (s *service) CancelHold(ctx context.Context, bookID, patronID uuid.UUID, reason string) (Result[lending.BookSnapshot], error) {
	return s.decideBook(ctx, "CancelHold", bookID, func(b *lending.Book, now time.Time) lending.Decision {
		return b.CancelHold(patronID, reason, now)
	})
}

func (s *service) Checkout(ctx context.Context, bookID, patronID uuid.UUID) (Result[lending.BookSnapshot], error) {
	return s.decideBook(ctx, "Checkout", bookID, func(b *lending.Book, now time.Time) lending.Decision {
		return b.Checkout(patronID, now)
	})
}

func (s *service) ReturnBook(ctx context.Context, bookID, patronID uuid.UUID) (Result[lending.BookSnapshot], error) {
	return s.decideBook(ctx, "ReturnBook", bookID, func(b *lending.Book, now time.Time) lending.Decision {
		return b.Return(patronID, now)
	})
}

func (s *service) ExpireHold(ctx context.Context, bookID uuid.UUID) (Result[lending.BookSnapshot], error) {
	return s.decideBook(ctx, "ExpireHold", bookID, func(b *lending.Book, now time.Time) lending.Decision {
		return b.ExpireHold(now)
	})
}

func (s *service) UpgradePatron(ctx context.Context, patronID uuid.UUID) (Result[lending.PatronSnapshot], error) {
	return s.decidePatron(ctx, "UpgradePatron", patronID, func(p *lending.Patron, now time.Time) lending.Decision {
		return p.UpgradeToResearcher(now)
	})
}

func (s *service) RegisterOverdue(ctx context.Context, patronID, bookID uuid.UUID) (Result[lending.PatronSnapshot], error) {
	return s.decidePatron(ctx, "RegisterOverdue", patronID, func(p *lending.Patron, now time.Time) lending.Decision {
		return p.RegisterOverdue(bookID, now)
	})
}

func (s *service) CorrectOverdueCount(ctx context.Context, patronID, branchID uuid.UUID, count int) (Result[lending.PatronSnapshot], error) {
	return s.decidePatron(ctx, "CorrectOverdueCount", patronID, func(p *lending.Patron, now time.Time) lending.Decision {
		return p.CorrectOverdueCount(branchID, count, now)
	})
}

func (s *service) RecordBookActivity(ctx context.Context, event lending.Event, bookRevision uint64) (Result[lending.PatronSnapshot], error) {
	var (
		patronID uuid.UUID
		decide   func(p *lending.Patron, now time.Time) lending.Decision
	)
	switch e := event.(type) {
	case lending.BookPlacedOnHold:
		patronID = e.PatronID
		decide = func(p *lending.Patron, now time.Time) lending.Decision {
			return p.RecordHoldPlaced(e.BookID, e.BranchID, e.HoldType, e.HoldTill, bookRevision, now)
		}
	case lending.BookHoldCanceled:
		patronID = e.PatronID
		decide = func(p *lending.Patron, now time.Time) lending.Decision {
			return p.RecordHoldReleased(e.BookID, bookRevision, now)
		}
	case lending.BookHoldExpired:
		patronID = e.PatronID
		decide = func(p *lending.Patron, now time.Time) lending.Decision {
			return p.RecordHoldReleased(e.BookID, bookRevision, now)
		}
	case lending.BookCheckedOut:
		patronID = e.PatronID
		decide = func(p *lending.Patron, now time.Time) lending.Decision {
			return p.RecordCheckout(e.BookID, e.BranchID, e.DueDate, bookRevision, now)
		}
	case lending.BookReturned:
		patronID = e.PatronID
		decide = func(p *lending.Patron, now time.Time) lending.Decision {
			return p.RecordReturn(e.BookID, bookRevision, now)
		}
	default:
		return Result[lending.PatronSnapshot]{}, fmt.Errorf("record book activity: unsupported event %s", event.EventType())
	}
	return s.decidePatron(ctx, "RecordBookActivity", patronID, decide)
}

func (s *service) GetBook(ctx context.Context, bookID uuid.UUID) (Result[lending.BookSnapshot], error) {
	book, _, err := s.loadBook(ctx, bookID)
	if err != nil {
		return Result[lending.BookSnapshot]{}, err
	}
	if book == nil {
		return failed[lending.BookSnapshot](FailureNotFound, "", "book "+bookID.String()+" not found"), nil
	}
	return succeeded(book.Snapshot(), false), nil
}

func (s *service) GetPatron(ctx context.Context, patronID uuid.UUID) (Result[lending.PatronSnapshot], error) {
	patron, _, err := s.loadPatron(ctx, patronID)
	if err != nil {
		return Result[lending.PatronSnapshot]{}, err
	}
	if patron == nil {
		return failed[lending.PatronSnapshot](FailureNotFound, "", "patron "+patronID.String()+" not found"), nil
	}
	return succeeded(patron.Snapshot(), false), nil
}

func (s *service) decideBook(ctx context.Context, name string, bookID uuid.UUID, decide func(*lending.Book, time.Time) lending.Decision) (Result[lending.BookSnapshot], error) {
	ctx, span := s.start(ctx, name, attribute.String("book.id", bookID.String()))
	defer span.End()

	book, rev, err := s.loadBook(ctx, bookID)
	if err != nil {
		return Result[lending.BookSnapshot]{}, s.fail(ctx, span, name, err)
	}
	if book == nil {
		return s.missing(ctx, name, "book", bookID).book(), nil
	}
	return commit(ctx, s, name, lending.BookStream(bookID), rev, decide(book, s.clock()), book.Snapshot)
}

func (s *service) decidePatron(ctx context.Context, name string, patronID uuid.UUID, decide func(*lending.Patron, time.Time) lending.Decision) (Result[lending.PatronSnapshot], error) {
	ctx, span := s.start(ctx, name, attribute.String("patron.id", patronID.String()))
	defer span.End()

	patron, rev, err := s.loadPatron(ctx, patronID)
	if err != nil {
		return Result[lending.PatronSnapshot]{}, s.fail(ctx, span, name, err)
	}
	if patron == nil {
		return s.missing(ctx, name, "patron", patronID).patron(), nil
	}
	return commit(ctx, s, name, lending.PatronStream(patronID), rev, decide(patron, s.clock()), patron.Snapshot)
}

// loadBook replays the book stream. A nil book means the stream is empty.
func (s *service) loadBook(ctx context.Context, id uuid.UUID) (*lending.Book, eventstore.ExpectedRevision, error) {
	events, rev, err := s.load(ctx, lending.BookStream(id))
	if err != nil || events == nil {
		return nil, rev, err
	}
	book := lending.ReplayBook(events)
	if !book.Exists() {
		return nil, rev, nil
	}
	return book, rev, nil
}

func (s *service) loadPatron(ctx context.Context, id uuid.UUID) (*lending.Patron, eventstore.ExpectedRevision, error) {
	events, rev, err := s.load(ctx, lending.PatronStream(id))
	if err != nil || events == nil {
		return nil, rev, err
	}
	patron := lending.ReplayPatron(events)
	if !patron.Exists() {
		return nil, rev, nil
	}
	return patron, rev, nil
}

func (s *service) load(ctx context.Context, stream string) ([]lending.Event, eventstore.ExpectedRevision, error) {
	records, err := s.store.ReadStream(ctx, stream)
	if errors.Is(err, eventstore.ErrStreamNotFound) {
		return nil, eventstore.NoStream(), nil
	}
	if err != nil {
		return nil, eventstore.NoStream(), fmt.Errorf("read %s: %w", stream, err)
	}
	if len(records) == 0 {
		return nil, eventstore.NoStream(), nil
	}
	events, err := lending.DecodeAll(records)
	if err != nil {
		return nil, eventstore.NoStream(), fmt.Errorf("decode %s: %w", stream, err)
	}
	return events, eventstore.Exact(records[len(records)-1].Revision), nil
}

// commit appends the decision's event, if any, guarded by the revision
// observed at load time.
func commit[T any](ctx context.Context, s *service, name, stream string, expected eventstore.ExpectedRevision, d lending.Decision, snapshot func() T) (Result[T], error) {
	switch {
	case d.IsRejected():
		return refusal[T](s.refused(ctx, name, *d.Rejection)), nil
	case !d.HasEventToAppend():
		s.count(ctx, name, "unchanged")
		return succeeded(snapshot(), false), nil
	}

	span := trace.SpanFromContext(ctx)
	data, err := lending.Encode(d.Event, metadataFrom(ctx))
	if err != nil {
		return Result[T]{}, s.fail(ctx, span, name, fmt.Errorf("encode %s: %w", d.Event.EventType(), err))
	}
	if id, ok := causedEventID(ctx, stream); ok {
		data.EventID = id
	}
	res, err := s.store.Append(ctx, stream, expected, data)
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("append.conflict", true))
		s.count(ctx, name, "conflict")
		s.logger.InfoContext(ctx, "concurrency conflict",
			slog.String("command", name),
			slog.String("stream", stream),
			slog.String("expected", expected.String()),
		)
		return failed[T](FailureConcurrencyConflict, "", err.Error()), nil
	}
	if err != nil {
		return Result[T]{}, s.fail(ctx, span, name, fmt.Errorf("append to %s: %w", stream, err))
	}

	s.count(ctx, name, "accepted")
	s.logger.DebugContext(ctx, "event appended",
		slog.String("command", name),
		slog.String("stream", stream),
		slog.String("event", d.Event.EventType()),
		slog.Uint64("revision", res.NextRevision),
	)
	return succeeded(snapshot(), true), nil
}

func (s *service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "circulation."+name, trace.WithAttributes(attrs...))
}

func (s *service) count(ctx context.Context, name, outcome string) {
	s.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", name),
		attribute.String("outcome", outcome),
	))
}

func (s *service) fail(ctx context.Context, span trace.Span, name string, err error) error {
	span.RecordError(err)
	s.count(ctx, name, "error")
	return err
}

// outcome is an untyped failure that the callers narrow to their result type.
type outcome struct{ failure *Failure }

func (o outcome) book() Result[lending.BookSnapshot]     { return refusal[lending.BookSnapshot](o) }
func (o outcome) patron() Result[lending.PatronSnapshot] { return refusal[lending.PatronSnapshot](o) }

func refusal[T any](o outcome) Result[T] {
	return Result[T]{Failure: o.failure}
}

func (s *service) refused(ctx context.Context, name string, r lending.Rejection) outcome {
	s.count(ctx, name, "rejected")
	s.logger.DebugContext(ctx, "command rejected",
		slog.String("command", name),
		slog.String("code", string(r.Code)),
		slog.String("reason", r.Reason),
	)
	return outcome{failure: &Failure{Kind: FailurePolicyViolation, Code: r.Code, Reason: r.Reason}}
}

func (s *service) missing(ctx context.Context, name, kind string, id uuid.UUID) outcome {
	s.count(ctx, name, "not_found")
	return outcome{failure: &Failure{Kind: FailureNotFound, Reason: fmt.Sprintf("%s %s not found", kind, id)}}
}

func succeeded[T any](v T, changed bool) Result[T] {
	return Result[T]{Success: true, Value: v, Changed: changed}
}

func failed[T any](kind FailureKind, code lending.RejectionCode, reason string) Result[T] {
	return Result[T]{Failure: &Failure{Kind: kind, Code: code, Reason: reason}}
}
