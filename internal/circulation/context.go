package circulation

import (
	"context"

	"github.com/google/uuid"

	"kurrentlibrary/internal/lending"
)

type ctxKey int

const (
	correlationKey ctxKey = iota
	causationKey
)

// WithCorrelationID tags every event appended under ctx with id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// WithCausationID records the event that caused the appends made under ctx.
// The correlation id defaults to the cause when none is set.
func WithCausationID(ctx context.Context, eventID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, causationKey, eventID.String())
	if _, ok := ctx.Value(correlationKey).(string); !ok {
		ctx = WithCorrelationID(ctx, eventID.String())
	}
	return ctx
}

func metadataFrom(ctx context.Context) lending.Metadata {
	var meta lending.Metadata
	if id, ok := ctx.Value(correlationKey).(string); ok {
		meta.CorrelationID = id
	}
	if id, ok := ctx.Value(causationKey).(string); ok {
		meta.CausationID = id
	}
	return meta
}

// causedEventID derives the id of an event appended to stream in reaction to
// the causing event in ctx. Writing the same consequence twice yields the
// same id, which KurrentDB uses to drop duplicate appends.
func causedEventID(ctx context.Context, stream string) (uuid.UUID, bool) {
	raw, ok := ctx.Value(causationKey).(string)
	if !ok {
		return uuid.Nil, false
	}
	cause, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return uuid.NewSHA1(cause, []byte(stream)), true
}
