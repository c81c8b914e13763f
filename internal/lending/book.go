package lending

import (
	"time"

	"github.com/google/uuid"
)

// Book is rebuilt from its own stream. It is not safe for concurrent use.
type Book struct {
	id       uuid.UUID
	isbn     string
	title    string
	bookType BookType
	branchID uuid.UUID
	state    BookState

	holder   uuid.UUID
	holdType HoldType
	holdTill *time.Time
	borrower uuid.UUID
	dueDate  *time.Time
}

// BookSnapshot is a flattened, read-only copy of a Book.
type BookSnapshot struct {
	ID              uuid.UUID  `json:"id"`
	ISBN            string     `json:"isbn"`
	Title           string     `json:"title"`
	BookType        BookType   `json:"bookType"`
	BranchID        uuid.UUID  `json:"branchId"`
	State           BookState  `json:"state"`
	HoldingPatronID *uuid.UUID `json:"holdingPatronId,omitempty"`
	HoldType        HoldType   `json:"holdType,omitempty"`
	HoldTill        *time.Time `json:"holdTill,omitempty"`
	BorrowerID      *uuid.UUID `json:"borrowerId,omitempty"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
}

// AddBook decides whether a new book may be registered.
func AddBook(id uuid.UUID, isbn, title string, bookType BookType, branchID uuid.UUID, now time.Time) (*Book, Decision) {
	switch {
	case id == uuid.Nil || branchID == uuid.Nil:
		return nil, rejected(CodeInvalidInput, "book and branch ids are required")
	case isbn == "" || title == "":
		return nil, rejected(CodeInvalidInput, "isbn and title are required")
	case !bookType.Valid():
		return nil, rejected(CodeInvalidInput, "unknown book type "+string(bookType))
	}

	book := &Book{}
	return book, book.record(BookAdded{
		BookID:     id,
		ISBN:       isbn,
		Title:      title,
		BookType:   bookType,
		BranchID:   branchID,
		OccurredAt: now,
	})
}

// ReplayBook folds events into a fresh Book.
func ReplayBook(events []Event) *Book {
	b := &Book{}
	for _, e := range events {
		b.Apply(e)
	}
	return b
}

// Apply mutates the book by one event. Events it does not own are skipped.
func (b *Book) Apply(e Event) {
	switch e := e.(type) {
	case BookAdded:
		b.id = e.BookID
		b.isbn = e.ISBN
		b.title = e.Title
		b.bookType = e.BookType
		b.branchID = e.BranchID
		b.state = Available
	case BookPlacedOnHold:
		b.state = OnHold
		b.holder = e.PatronID
		b.holdType = e.HoldType
		b.holdTill = copyTime(e.HoldTill)
	case BookHoldCanceled, BookHoldExpired:
		b.state = Available
		b.clearHold()
	case BookCheckedOut:
		b.state = CheckedOut
		b.clearHold()
		b.borrower = e.PatronID
		due := e.DueDate
		b.dueDate = &due
	case BookReturned:
		b.state = Available
		b.borrower = uuid.Nil
		b.dueDate = nil
	case Ignored:
	}
}

func (b *Book) clearHold() {
	b.holder = uuid.Nil
	b.holdType = ""
	b.holdTill = nil
}

func (b *Book) record(e Event) Decision {
	b.Apply(e)
	return accepted(e)
}

func (b *Book) ID() uuid.UUID       { return b.id }
func (b *Book) Type() BookType      { return b.bookType }
func (b *Book) BranchID() uuid.UUID { return b.branchID }
func (b *Book) State() BookState    { return b.state }
func (b *Book) Exists() bool        { return b.id != uuid.Nil }

// PlaceOnHold reserves the book for a patron. A nil holdTill on a
// closed-ended hold defaults to DefaultHoldDuration from now.
func (b *Book) PlaceOnHold(patronID uuid.UUID, patronType PatronType, holdType HoldType, holdTill *time.Time, now time.Time) Decision {
	if b.state != Available {
		return rejected(CodeInvalidState, "book is not available")
	}
	if b.bookType == Restricted && patronType != Researcher {
		return rejected(CodeIneligible, "restricted books can only be held by researchers")
	}
	switch holdType {
	case OpenEnded:
		if patronType != Researcher {
			return rejected(CodeIneligible, "open-ended holds are available to researchers only")
		}
		holdTill = nil
	case ClosedEnded:
		if holdTill == nil {
			till := now.Add(DefaultHoldDuration)
			holdTill = &till
		} else if !holdTill.After(now) {
			return rejected(CodeInvalidInput, "hold expiry must be in the future")
		}
	default:
		return rejected(CodeInvalidInput, "unknown hold type "+string(holdType))
	}

	return b.record(BookPlacedOnHold{
		BookID:     b.id,
		PatronID:   patronID,
		BranchID:   b.branchID,
		HoldType:   holdType,
		HoldTill:   copyTime(holdTill),
		OccurredAt: now,
	})
}

// CancelHold releases the book. Only the current holder may cancel.
func (b *Book) CancelHold(patronID uuid.UUID, reason string, now time.Time) Decision {
	if b.state != OnHold {
		return rejected(CodeInvalidState, "book is not on hold")
	}
	if b.holder != patronID {
		return rejected(CodeNotHolder, "book is held by another patron")
	}
	return b.record(BookHoldCanceled{
		BookID:     b.id,
		PatronID:   patronID,
		Reason:     reason,
		OccurredAt: now,
	})
}

// Checkout lends the book to the patron holding it. The due date is always
// MaxCheckoutDuration after now.
func (b *Book) Checkout(patronID uuid.UUID, now time.Time) Decision {
	if b.state != OnHold {
		return rejected(CodeInvalidState, "book is not on hold")
	}
	if b.holder != patronID {
		return rejected(CodeNotHolder, "book is held by another patron")
	}
	return b.record(BookCheckedOut{
		BookID:     b.id,
		PatronID:   patronID,
		BranchID:   b.branchID,
		DueDate:    now.Add(MaxCheckoutDuration),
		OccurredAt: now,
	})
}

func (b *Book) Return(patronID uuid.UUID, now time.Time) Decision {
	if b.state != CheckedOut {
		return rejected(CodeInvalidState, "book is not checked out")
	}
	if b.borrower != patronID {
		return rejected(CodeNotHolder, "book is checked out by another patron")
	}
	return b.record(BookReturned{
		BookID:     b.id,
		PatronID:   patronID,
		OccurredAt: now,
	})
}

// IsHoldExpired reports whether a closed-ended hold has lapsed at now.
func (b *Book) IsHoldExpired(now time.Time) bool {
	return b.state == OnHold && b.holdTill != nil && now.After(*b.holdTill)
}

// IsOverdue reports whether a checkout is past its due date at now.
func (b *Book) IsOverdue(now time.Time) bool {
	return b.state == CheckedOut && b.dueDate != nil && now.After(*b.dueDate)
}

// ExpireHold releases a lapsed hold.
func (b *Book) ExpireHold(now time.Time) Decision {
	if !b.IsHoldExpired(now) {
		return rejected(CodeInvalidState, "hold has not expired")
	}
	return b.record(BookHoldExpired{
		BookID:     b.id,
		PatronID:   b.holder,
		HoldTill:   *b.holdTill,
		OccurredAt: now,
	})
}

func (b *Book) Snapshot() BookSnapshot {
	s := BookSnapshot{
		ID:       b.id,
		ISBN:     b.isbn,
		Title:    b.title,
		BookType: b.bookType,
		BranchID: b.branchID,
		State:    b.state,
		HoldType: b.holdType,
		HoldTill: copyTime(b.holdTill),
		DueDate:  copyTime(b.dueDate),
	}
	if b.holder != uuid.Nil {
		holder := b.holder
		s.HoldingPatronID = &holder
	}
	if b.borrower != uuid.Nil {
		borrower := b.borrower
		s.BorrowerID = &borrower
	}
	return s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
