package circulation

import (
	"context"
	"fmt"
	"log/slog"

	"kurrentlibrary/internal/lending"
	"kurrentlibrary/internal/projection"
)

// PatronLedger copies book-stream facts into the patron streams they
// concern. Patron views lag behind books by however far this projection
// trails the log.
type PatronLedger struct {
	svc    Service
	logger *slog.Logger
	retry  []RetryOption
}

func NewPatronLedger(svc Service, logger *slog.Logger, retry ...RetryOption) *PatronLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PatronLedger{svc: svc, logger: logger, retry: retry}
}

func (l *PatronLedger) Name() string { return "patron-ledger" }

func (l *PatronLedger) Handle(ctx context.Context, msg projection.Message) error {
	switch msg.Event.(type) {
	case lending.BookPlacedOnHold, lending.BookHoldCanceled, lending.BookHoldExpired,
		lending.BookCheckedOut, lending.BookReturned:
	default:
		return nil
	}

	if msg.Metadata.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, msg.Metadata.CorrelationID)
	}
	ctx = WithCausationID(ctx, msg.Record.EventID)

	res, err := RetryOnConflict(ctx, func(ctx context.Context) (Result[lending.PatronSnapshot], error) {
		return l.svc.RecordBookActivity(ctx, msg.Event, msg.Record.Revision)
	}, l.retry...)
	if err != nil {
		return fmt.Errorf("record %s from %s@%d: %w", msg.Event.EventType(), msg.Record.StreamID, msg.Record.Revision, err)
	}
	if res.Failure != nil {
		l.logger.WarnContext(ctx, "patron ledger skipped event",
			slog.String("stream", msg.Record.StreamID),
			slog.Uint64("revision", msg.Record.Revision),
			slog.String("event", msg.Event.EventType()),
			slog.String("failure", string(res.Failure.Kind)),
			slog.String("reason", res.Failure.Reason),
		)
	}
	return nil
}
