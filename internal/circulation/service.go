// internal/circulation/service.go
package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kurrentlibrary/internal/lending"
)

// FailureKind separates expected business outcomes from each other.
type FailureKind string

const (
	FailureNotFound            FailureKind = "not_found"
	FailurePolicyViolation     FailureKind = "policy_violation"
	FailureConcurrencyConflict FailureKind = "concurrency_conflict"
)

// Failure describes why a command was not carried out.
type Failure struct {
	Kind   FailureKind           `json:"kind"`
	Code   lending.RejectionCode `json:"code,omitempty"`
	Reason string                `json:"reason"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

// Result is returned by every use case. Success carries Value; otherwise
// Failure explains the refusal. Changed reports whether an event was appended.
type Result[T any] struct {
	Success bool     `json:"success"`
	Value   T        `json:"value,omitempty"`
	Failure *Failure `json:"error,omitempty"`
	Changed bool     `json:"changed"`
}

// IsConflict reports whether the command lost an optimistic concurrency race.
func (r Result[T]) IsConflict() bool {
	return r.Failure != nil && r.Failure.Kind == FailureConcurrencyConflict
}

type AddBookCommand struct {
	// BookID is generated when left empty.
	BookID   uuid.UUID
	ISBN     string
	Title    string
	BookType lending.BookType
	BranchID uuid.UUID
}

type CreatePatronCommand struct {
	// PatronID is generated when left empty.
	PatronID   uuid.UUID
	Name       string
	Email      string
	PatronType lending.PatronType
}

type PlaceHoldCommand struct {
	BookID   uuid.UUID
	PatronID uuid.UUID
	HoldType lending.HoldType
	// HoldTill defaults to seven days for closed-ended holds and is ignored
	// for open-ended ones.
	HoldTill *time.Time
}

// Service defines the lending use cases. The error return is reserved for
// infrastructure failures; business refusals travel in the Result.
type Service interface {
	AddBook(ctx context.Context, cmd AddBookCommand) (Result[lending.BookSnapshot], error)
	CreatePatron(ctx context.Context, cmd CreatePatronCommand) (Result[lending.PatronSnapshot], error)
	PlaceHold(ctx context.Context, cmd PlaceHoldCommand) (Result[lending.BookSnapshot], error)
	CancelHold(ctx context.Context, bookID, patronID uuid.UUID, reason string) (Result[lending.BookSnapshot], error)
	Checkout(ctx context.Context, bookID, patronID uuid.UUID) (Result[lending.BookSnapshot], error)
	ReturnBook(ctx context.Context, bookID, patronID uuid.UUID) (Result[lending.BookSnapshot], error)
	UpgradePatron(ctx context.Context, patronID uuid.UUID) (Result[lending.PatronSnapshot], error)

	ExpireHold(ctx context.Context, bookID uuid.UUID) (Result[lending.BookSnapshot], error)
	RegisterOverdue(ctx context.Context, patronID, bookID uuid.UUID) (Result[lending.PatronSnapshot], error)
	CorrectOverdueCount(ctx context.Context, patronID, branchID uuid.UUID, count int) (Result[lending.PatronSnapshot], error)
	// RecordBookActivity copies a book-stream event into the patron stream
	// it concerns. bookRevision is the event's revision in its book stream;
	// copying the same or an older revision again changes nothing.
	RecordBookActivity(ctx context.Context, event lending.Event, bookRevision uint64) (Result[lending.PatronSnapshot], error)

	GetBook(ctx context.Context, bookID uuid.UUID) (Result[lending.BookSnapshot], error)
	GetPatron(ctx context.Context, patronID uuid.UUID) (Result[lending.PatronSnapshot], error)
}
