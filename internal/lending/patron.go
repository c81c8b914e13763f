package lending

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// PatronHold is the patron's view of a hold recorded in a book stream.
type PatronHold struct {
	BookID   uuid.UUID  `json:"bookId"`
	BranchID uuid.UUID  `json:"branchId"`
	HoldType HoldType   `json:"holdType"`
	HoldTill *time.Time `json:"holdTill,omitempty"`
}

type PatronCheckout struct {
	BookID            uuid.UUID `json:"bookId"`
	BranchID          uuid.UUID `json:"branchId"`
	DueDate           time.Time `json:"dueDate"`
	OverdueRegistered bool      `json:"overdueRegistered"`
}

// Patron is rebuilt from its own stream. Holds and checkouts are copies of
// book-stream facts and lag behind them.
type Patron struct {
	id         uuid.UUID
	name       string
	email      string
	patronType PatronType
	holds      map[uuid.UUID]PatronHold
	checkouts  map[uuid.UUID]PatronCheckout
	overdue    map[uuid.UUID]int
	// mirrored holds the last book-stream revision copied per book.
	mirrored   map[uuid.UUID]uint64
}

// PatronSnapshot is a flattened, read-only copy of a Patron.
type PatronSnapshot struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	PatronType PatronType        `json:"patronType"`
	Holds      []PatronHold      `json:"holds"`
	Checkouts  []PatronCheckout  `json:"checkouts"`
	Overdue    map[uuid.UUID]int `json:"overdueByBranch"`
}

func newPatron() *Patron {
	return &Patron{
		holds:     make(map[uuid.UUID]PatronHold),
		checkouts: make(map[uuid.UUID]PatronCheckout),
		overdue:   make(map[uuid.UUID]int),
		mirrored:  make(map[uuid.UUID]uint64),
	}
}

// CreatePatron decides whether a new patron may be registered.
func CreatePatron(id uuid.UUID, name, email string, patronType PatronType, now time.Time) (*Patron, Decision) {
	switch {
	case id == uuid.Nil:
		return nil, rejected(CodeInvalidInput, "patron id is required")
	case name == "":
		return nil, rejected(CodeInvalidInput, "name is required")
	case !patronType.Valid():
		return nil, rejected(CodeInvalidInput, "unknown patron type "+string(patronType))
	}

	p := newPatron()
	return p, p.record(PatronCreated{
		PatronID:   id,
		Name:       name,
		Email:      email,
		PatronType: patronType,
		OccurredAt: now,
	})
}

func ReplayPatron(events []Event) *Patron {
	p := newPatron()
	for _, e := range events {
		p.Apply(e)
	}
	return p
}

// Apply mutates the patron by one event. Events it does not own are skipped.
func (p *Patron) Apply(e Event) {
	switch e := e.(type) {
	case PatronCreated:
		p.id = e.PatronID
		p.name = e.Name
		p.email = e.Email
		p.patronType = e.PatronType
	case PatronTypeUpgraded:
		p.patronType = e.PatronType
	case PatronHoldRecorded:
		p.mirror(e.BookID, e.BookRevision)
		p.holds[e.BookID] = PatronHold{
			BookID:   e.BookID,
			BranchID: e.BranchID,
			HoldType: e.HoldType,
			HoldTill: copyTime(e.HoldTill),
		}
	case PatronHoldReleased:
		p.mirror(e.BookID, e.BookRevision)
		delete(p.holds, e.BookID)
	case PatronCheckoutRecorded:
		p.mirror(e.BookID, e.BookRevision)
		delete(p.holds, e.BookID)
		p.checkouts[e.BookID] = PatronCheckout{
			BookID:   e.BookID,
			BranchID: e.BranchID,
			DueDate:  e.DueDate,
		}
	case PatronReturnRecorded:
		// The overdue count is left as is; only OverdueCountCorrected lowers it.
		p.mirror(e.BookID, e.BookRevision)
		delete(p.checkouts, e.BookID)
	case OverdueCheckoutRegistered:
		if c, ok := p.checkouts[e.BookID]; ok {
			c.OverdueRegistered = true
			p.checkouts[e.BookID] = c
		}
		p.overdue[e.BranchID]++
	case OverdueCountCorrected:
		p.overdue[e.BranchID] = e.Count
	case Ignored:
	}
}

func (p *Patron) mirror(bookID uuid.UUID, revision uint64) {
	if last, ok := p.mirrored[bookID]; !ok || revision > last {
		p.mirrored[bookID] = revision
	}
}

// alreadyMirrored reports whether a book-stream event at revision, or a
// later one, has been copied already. Redelivered events are dropped here.
func (p *Patron) alreadyMirrored(bookID uuid.UUID, revision uint64) bool {
	last, ok := p.mirrored[bookID]
	return ok && revision <= last
}

func (p *Patron) record(e Event) Decision {
	p.Apply(e)
	return accepted(e)
}

func (p *Patron) ID() uuid.UUID                  { return p.id }
func (p *Patron) Type() PatronType               { return p.patronType }
func (p *Patron) Exists() bool                   { return p.id != uuid.Nil }
func (p *Patron) HoldCount() int                 { return len(p.holds) }
func (p *Patron) OverdueAt(branch uuid.UUID) int { return p.overdue[branch] }

// CanPlaceHoldAt applies the eligibility rules in order and returns the
// first that fails, or nil.
func (p *Patron) CanPlaceHoldAt(branchID uuid.UUID, bookType BookType) *Rejection {
	if p.overdue[branchID] > MaxOverdueAtBranch {
		return &Rejection{Code: CodeIneligible, Reason: "Too many overdue checkouts at this branch"}
	}
	if p.patronType == Regular && len(p.holds) >= MaxRegularHolds {
		return &Rejection{Code: CodeIneligible, Reason: "Regular patrons are limited to 5 holds"}
	}
	if bookType == Restricted && p.patronType != Researcher {
		return &Rejection{Code: CodeIneligible, Reason: "Restricted books can only be held by researchers"}
	}
	return nil
}

func (p *Patron) UpgradeToResearcher(now time.Time) Decision {
	if p.patronType == Researcher {
		return rejected(CodeAlreadyResearcher, "patron is already a researcher")
	}
	return p.record(PatronTypeUpgraded{
		PatronID:   p.id,
		PatronType: Researcher,
		OccurredAt: now,
	})
}

// RecordHoldPlaced copies a book hold into the patron's stream. The
// Record* methods take the revision of the book-stream event they mirror
// and ignore anything at or below the last one copied for that book.
func (p *Patron) RecordHoldPlaced(bookID, branchID uuid.UUID, holdType HoldType, holdTill *time.Time, bookRevision uint64, now time.Time) Decision {
	if _, ok := p.holds[bookID]; ok || p.alreadyMirrored(bookID, bookRevision) {
		return unchanged()
	}
	return p.record(PatronHoldRecorded{
		PatronID:     p.id,
		BookID:       bookID,
		BranchID:     branchID,
		HoldType:     holdType,
		HoldTill:     copyTime(holdTill),
		BookRevision: bookRevision,
		OccurredAt:   now,
	})
}

func (p *Patron) RecordHoldReleased(bookID uuid.UUID, bookRevision uint64, now time.Time) Decision {
	if _, ok := p.holds[bookID]; !ok || p.alreadyMirrored(bookID, bookRevision) {
		return unchanged()
	}
	return p.record(PatronHoldReleased{
		PatronID:     p.id,
		BookID:       bookID,
		BookRevision: bookRevision,
		OccurredAt:   now,
	})
}

func (p *Patron) RecordCheckout(bookID, branchID uuid.UUID, dueDate time.Time, bookRevision uint64, now time.Time) Decision {
	if _, ok := p.checkouts[bookID]; ok || p.alreadyMirrored(bookID, bookRevision) {
		return unchanged()
	}
	return p.record(PatronCheckoutRecorded{
		PatronID:     p.id,
		BookID:       bookID,
		BranchID:     branchID,
		DueDate:      dueDate,
		BookRevision: bookRevision,
		OccurredAt:   now,
	})
}

// RecordReturn drops the checkout. It does not lower the overdue count.
func (p *Patron) RecordReturn(bookID uuid.UUID, bookRevision uint64, now time.Time) Decision {
	if _, ok := p.checkouts[bookID]; !ok || p.alreadyMirrored(bookID, bookRevision) {
		return unchanged()
	}
	return p.record(PatronReturnRecorded{
		PatronID:     p.id,
		BookID:       bookID,
		BookRevision: bookRevision,
		OccurredAt:   now,
	})
}

// RegisterOverdue counts an overdue checkout against its branch, once.
func (p *Patron) RegisterOverdue(bookID uuid.UUID, now time.Time) Decision {
	c, ok := p.checkouts[bookID]
	if !ok {
		return rejected(CodeInvalidState, "patron has no checkout of this book")
	}
	if c.OverdueRegistered {
		return unchanged()
	}
	if !now.After(c.DueDate) {
		return rejected(CodeInvalidState, "checkout is not overdue")
	}
	return p.record(OverdueCheckoutRegistered{
		PatronID:   p.id,
		BookID:     bookID,
		BranchID:   c.BranchID,
		OccurredAt: now,
	})
}

func (p *Patron) CorrectOverdueCount(branchID uuid.UUID, count int, now time.Time) Decision {
	if branchID == uuid.Nil || count < 0 {
		return rejected(CodeInvalidInput, "branch id and a non-negative count are required")
	}
	if p.overdue[branchID] == count {
		return unchanged()
	}
	return p.record(OverdueCountCorrected{
		PatronID:   p.id,
		BranchID:   branchID,
		Count:      count,
		OccurredAt: now,
	})
}

func (p *Patron) Snapshot() PatronSnapshot {
	s := PatronSnapshot{
		ID:         p.id,
		Name:       p.name,
		Email:      p.email,
		PatronType: p.patronType,
		Holds:      make([]PatronHold, 0, len(p.holds)),
		Checkouts:  make([]PatronCheckout, 0, len(p.checkouts)),
		Overdue:    make(map[uuid.UUID]int, len(p.overdue)),
	}
	for _, h := range p.holds {
		h.HoldTill = copyTime(h.HoldTill)
		s.Holds = append(s.Holds, h)
	}
	for _, c := range p.checkouts {
		s.Checkouts = append(s.Checkouts, c)
	}
	for branch, n := range p.overdue {
		s.Overdue[branch] = n
	}
	sort.Slice(s.Holds, func(i, j int) bool { return s.Holds[i].BookID.String() < s.Holds[j].BookID.String() })
	sort.Slice(s.Checkouts, func(i, j int) bool { return s.Checkouts[i].BookID.String() < s.Checkouts[j].BookID.String() })
	return s
}
