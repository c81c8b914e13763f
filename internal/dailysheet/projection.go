// Package dailysheet keeps the branch desk's daily view: holds about to
// lapse, late checkouts and per-patron overdue totals.
package dailysheet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kurrentlibrary/internal/lending"
	"kurrentlibrary/internal/projection"
)

type Hold struct {
	BookID   uuid.UUID        `json:"bookId"`
	PatronID uuid.UUID        `json:"patronId"`
	BranchID uuid.UUID        `json:"branchId"`
	HoldType lending.HoldType `json:"holdType"`
	HoldTill *time.Time       `json:"holdTill,omitempty"`
}

type Checkout struct {
	BookID   uuid.UUID `json:"bookId"`
	PatronID uuid.UUID `json:"patronId"`
	BranchID uuid.UUID `json:"branchId"`
	DueDate  time.Time `json:"dueDate"`
}

// Summary holds running totals since the start of the log.
type Summary struct {
	Books             int `json:"books"`
	ActiveHolds       int `json:"activeHolds"`
	ActiveCheckouts   int `json:"activeCheckouts"`
	HoldsPlaced       int `json:"holdsPlaced"`
	HoldsCanceled     int `json:"holdsCanceled"`
	HoldsExpired      int `json:"holdsExpired"`
	Checkouts         int `json:"checkouts"`
	Returns           int `json:"returns"`
	OverdueRegistered int `json:"overdueRegistered"`
}

type Projection struct {
	mu        sync.RWMutex
	applied   *projection.RevisionTracker
	holds     map[uuid.UUID]Hold
	checkouts map[uuid.UUID]Checkout
	overdue   map[uuid.UUID]int
	totals    Summary
}

func NewProjection() *Projection {
	return &Projection{
		applied:   projection.NewRevisionTracker(),
		holds:     make(map[uuid.UUID]Hold),
		checkouts: make(map[uuid.UUID]Checkout),
		overdue:   make(map[uuid.UUID]int),
	}
}

func (p *Projection) Name() string { return "daily-sheet" }

func (p *Projection) Handle(_ context.Context, msg projection.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Counters below are only safe because redelivered revisions stop here.
	if !p.applied.Observe(msg.Record.StreamID, msg.Record.Revision) {
		return nil
	}

	switch e := msg.Event.(type) {
	case lending.BookAdded:
		p.totals.Books++
	case lending.BookPlacedOnHold:
		p.holds[e.BookID] = Hold{
			BookID:   e.BookID,
			PatronID: e.PatronID,
			BranchID: e.BranchID,
			HoldType: e.HoldType,
			HoldTill: e.HoldTill,
		}
		p.totals.HoldsPlaced++
	case lending.BookHoldCanceled:
		delete(p.holds, e.BookID)
		p.totals.HoldsCanceled++
	case lending.BookHoldExpired:
		delete(p.holds, e.BookID)
		p.totals.HoldsExpired++
	case lending.BookCheckedOut:
		delete(p.holds, e.BookID)
		p.checkouts[e.BookID] = Checkout{
			BookID:   e.BookID,
			PatronID: e.PatronID,
			BranchID: e.BranchID,
			DueDate:  e.DueDate,
		}
		p.totals.Checkouts++
	case lending.BookReturned:
		delete(p.checkouts, e.BookID)
		p.totals.Returns++
	case lending.OverdueCheckoutRegistered:
		p.overdue[e.PatronID]++
		p.totals.OverdueRegistered++
	}
	return nil
}

// HoldsExpiringOn lists closed-ended holds whose expiry falls on the
// calendar day of day, in day's location.
func (p *Projection) HoldsExpiringOn(day time.Time) []Hold {
	y, m, d := day.Date()
	loc := day.Location()

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Hold, 0)
	for _, h := range p.holds {
		if h.HoldTill == nil {
			continue
		}
		hy, hm, hd := h.HoldTill.In(loc).Date()
		if hy == y && hm == m && hd == d {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].HoldTill.Equal(*out[j].HoldTill) {
			return out[i].HoldTill.Before(*out[j].HoldTill)
		}
		return out[i].BookID.String() < out[j].BookID.String()
	})
	return out
}

// OverdueCheckouts lists active checkouts already past due at asOf, most
// overdue first.
func (p *Projection) OverdueCheckouts(asOf time.Time) []Checkout {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Checkout, 0)
	for _, c := range p.checkouts {
		if asOf.After(c.DueDate) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].BookID.String() < out[j].BookID.String()
	})
	return out
}

// AccumulatedOverdue counts registered overdue checkouts per patron. Returns
// and corrections do not lower it.
func (p *Projection) AccumulatedOverdue() map[uuid.UUID]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[uuid.UUID]int, len(p.overdue))
	for id, n := range p.overdue {
		out[id] = n
	}
	return out
}

func (p *Projection) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := p.totals
	s.ActiveHolds = len(p.holds)
	s.ActiveCheckouts = len(p.checkouts)
	return s
}
