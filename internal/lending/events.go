package lending

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	TypeBookAdded                 = "BookAdded"
	TypeBookPlacedOnHold          = "BookPlacedOnHold"
	TypeBookHoldCanceled          = "BookHoldCanceled"
	TypeBookHoldExpired           = "BookHoldExpired"
	TypeBookCheckedOut            = "BookCheckedOut"
	TypeBookReturned              = "BookReturned"
	TypePatronCreated             = "PatronCreated"
	TypePatronTypeUpgraded        = "PatronTypeUpgraded"
	TypePatronHoldRecorded        = "PatronHoldRecorded"
	TypePatronHoldReleased        = "PatronHoldReleased"
	TypePatronCheckoutRecorded    = "PatronCheckoutRecorded"
	TypePatronReturnRecorded      = "PatronReturnRecorded"
	TypeOverdueCheckoutRegistered = "OverdueCheckoutRegistered"
	TypeOverdueCountCorrected     = "OverdueCountCorrected"
)

var errMissingID = errors.New("missing identifier")

// Event is the closed set of lending events. Only types in this package
// implement it.
type Event interface {
	EventType() string
	SchemaVersion() int
	validate() error
}

// BookAdded is published when a book joins a branch's collection.
type BookAdded struct {
	BookID     uuid.UUID `json:"bookId"`
	ISBN       string    `json:"isbn"`
	Title      string    `json:"title"`
	BookType   BookType  `json:"bookType"`
	BranchID   uuid.UUID `json:"branchId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// BookPlacedOnHold is published when a patron reserves a book. HoldTill is
// nil for open-ended holds.
type BookPlacedOnHold struct {
	BookID     uuid.UUID  `json:"bookId"`
	PatronID   uuid.UUID  `json:"patronId"`
	BranchID   uuid.UUID  `json:"branchId"`
	HoldType   HoldType   `json:"holdType"`
	HoldTill   *time.Time `json:"holdTill,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

type BookHoldCanceled struct {
	BookID     uuid.UUID `json:"bookId"`
	PatronID   uuid.UUID `json:"patronId"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// BookHoldExpired is published by the sweep once a closed-ended hold lapses.
type BookHoldExpired struct {
	BookID     uuid.UUID `json:"bookId"`
	PatronID   uuid.UUID `json:"patronId"`
	HoldTill   time.Time `json:"holdTill"`
	OccurredAt time.Time `json:"occurredAt"`
}

type BookCheckedOut struct {
	BookID     uuid.UUID `json:"bookId"`
	PatronID   uuid.UUID `json:"patronId"`
	BranchID   uuid.UUID `json:"branchId"`
	DueDate    time.Time `json:"dueDate"`
	OccurredAt time.Time `json:"occurredAt"`
}

type BookReturned struct {
	BookID     uuid.UUID `json:"bookId"`
	PatronID   uuid.UUID `json:"patronId"`
	OccurredAt time.Time `json:"occurredAt"`
}

type PatronCreated struct {
	PatronID   uuid.UUID  `json:"patronId"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	PatronType PatronType `json:"patronType"`
	OccurredAt time.Time  `json:"occurredAt"`
}

type PatronTypeUpgraded struct {
	PatronID   uuid.UUID  `json:"patronId"`
	PatronType PatronType `json:"patronType"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// PatronHoldRecorded mirrors BookPlacedOnHold in the patron's own stream.
// BookRevision is the revision of the mirrored event in the book stream.
type PatronHoldRecorded struct {
	PatronID     uuid.UUID  `json:"patronId"`
	BookID       uuid.UUID  `json:"bookId"`
	BranchID     uuid.UUID  `json:"branchId"`
	HoldType     HoldType   `json:"holdType"`
	HoldTill     *time.Time `json:"holdTill,omitempty"`
	BookRevision uint64     `json:"bookRevision"`
	OccurredAt   time.Time  `json:"occurredAt"`
}

// PatronHoldReleased mirrors a canceled or expired hold.
type PatronHoldReleased struct {
	PatronID     uuid.UUID `json:"patronId"`
	BookID       uuid.UUID `json:"bookId"`
	BookRevision uint64    `json:"bookRevision"`
	OccurredAt   time.Time `json:"occurredAt"`
}

type PatronCheckoutRecorded struct {
	PatronID     uuid.UUID `json:"patronId"`
	BookID       uuid.UUID `json:"bookId"`
	BranchID     uuid.UUID `json:"branchId"`
	DueDate      time.Time `json:"dueDate"`
	BookRevision uint64    `json:"bookRevision"`
	OccurredAt   time.Time `json:"occurredAt"`
}

type PatronReturnRecorded struct {
	PatronID     uuid.UUID `json:"patronId"`
	BookID       uuid.UUID `json:"bookId"`
	BookRevision uint64    `json:"bookRevision"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// OverdueCheckoutRegistered increments the patron's overdue count at the
// checkout's branch. It is registered at most once per checkout.
type OverdueCheckoutRegistered struct {
	PatronID   uuid.UUID `json:"patronId"`
	BookID     uuid.UUID `json:"bookId"`
	BranchID   uuid.UUID `json:"branchId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// OverdueCountCorrected overwrites the overdue count at a branch. It is the
// only way a count goes down.
type OverdueCountCorrected struct {
	PatronID   uuid.UUID `json:"patronId"`
	BranchID   uuid.UUID `json:"branchId"`
	Count      int       `json:"count"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Ignored stands in for an event this version cannot interpret: an unknown
// type, or a known type written with a newer schema version.
type Ignored struct {
	Type    string
	Version int
}

func (BookAdded) EventType() string                 { return TypeBookAdded }
func (BookPlacedOnHold) EventType() string          { return TypeBookPlacedOnHold }
func (BookHoldCanceled) EventType() string          { return TypeBookHoldCanceled }
func (BookHoldExpired) EventType() string           { return TypeBookHoldExpired }
func (BookCheckedOut) EventType() string            { return TypeBookCheckedOut }
func (BookReturned) EventType() string              { return TypeBookReturned }
func (PatronCreated) EventType() string             { return TypePatronCreated }
func (PatronTypeUpgraded) EventType() string        { return TypePatronTypeUpgraded }
func (PatronHoldRecorded) EventType() string        { return TypePatronHoldRecorded }
func (PatronHoldReleased) EventType() string        { return TypePatronHoldReleased }
func (PatronCheckoutRecorded) EventType() string    { return TypePatronCheckoutRecorded }
func (PatronReturnRecorded) EventType() string      { return TypePatronReturnRecorded }
func (OverdueCheckoutRegistered) EventType() string { return TypeOverdueCheckoutRegistered }
func (OverdueCountCorrected) EventType() string     { return TypeOverdueCountCorrected }
func (e Ignored) EventType() string                 { return e.Type }

func (BookAdded) SchemaVersion() int                 { return 1 }
func (BookPlacedOnHold) SchemaVersion() int          { return 1 }
func (BookHoldCanceled) SchemaVersion() int          { return 1 }
func (BookHoldExpired) SchemaVersion() int           { return 1 }
func (BookCheckedOut) SchemaVersion() int            { return 1 }
func (BookReturned) SchemaVersion() int              { return 1 }
func (PatronCreated) SchemaVersion() int             { return 1 }
func (PatronTypeUpgraded) SchemaVersion() int        { return 1 }
func (PatronHoldRecorded) SchemaVersion() int        { return 1 }
func (PatronHoldReleased) SchemaVersion() int        { return 1 }
func (PatronCheckoutRecorded) SchemaVersion() int    { return 1 }
func (PatronReturnRecorded) SchemaVersion() int      { return 1 }
func (OverdueCheckoutRegistered) SchemaVersion() int { return 1 }
func (OverdueCountCorrected) SchemaVersion() int     { return 1 }
func (e Ignored) SchemaVersion() int                 { return e.Version }

func requireIDs(ids ...uuid.UUID) error {
	for _, id := range ids {
		if id == uuid.Nil {
			return errMissingID
		}
	}
	return nil
}

func (e BookAdded) validate() error {
	if err := requireIDs(e.BookID, e.BranchID); err != nil {
		return err
	}
	if !e.BookType.Valid() {
		return errors.New("unknown book type")
	}
	return nil
}

func (e BookPlacedOnHold) validate() error {
	if err := requireIDs(e.BookID, e.PatronID); err != nil {
		return err
	}
	if !e.HoldType.Valid() {
		return errors.New("unknown hold type")
	}
	return nil
}

func (e BookHoldCanceled) validate() error { return requireIDs(e.BookID, e.PatronID) }
func (e BookHoldExpired) validate() error  { return requireIDs(e.BookID, e.PatronID) }
func (e BookCheckedOut) validate() error   { return requireIDs(e.BookID, e.PatronID) }
func (e BookReturned) validate() error     { return requireIDs(e.BookID, e.PatronID) }

func (e PatronCreated) validate() error {
	if err := requireIDs(e.PatronID); err != nil {
		return err
	}
	if !e.PatronType.Valid() {
		return errors.New("unknown patron type")
	}
	return nil
}

func (e PatronTypeUpgraded) validate() error {
	if err := requireIDs(e.PatronID); err != nil {
		return err
	}
	if !e.PatronType.Valid() {
		return errors.New("unknown patron type")
	}
	return nil
}

func (e PatronHoldRecorded) validate() error        { return requireIDs(e.PatronID, e.BookID) }
func (e PatronHoldReleased) validate() error        { return requireIDs(e.PatronID, e.BookID) }
func (e PatronCheckoutRecorded) validate() error    { return requireIDs(e.PatronID, e.BookID) }
func (e PatronReturnRecorded) validate() error      { return requireIDs(e.PatronID, e.BookID) }
func (e OverdueCheckoutRegistered) validate() error { return requireIDs(e.PatronID, e.BookID) }

func (e OverdueCountCorrected) validate() error {
	if err := requireIDs(e.PatronID, e.BranchID); err != nil {
		return err
	}
	if e.Count < 0 {
		return errors.New("negative overdue count")
	}
	return nil
}

func (Ignored) validate() error { return nil }
