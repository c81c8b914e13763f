// internal/catalog/projection.go
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kurrentlibrary/internal/lending"
	"kurrentlibrary/internal/projection"
)

// Projection maintains the book directory from book streams. It also
// follows OverdueCheckoutRegistered so the sweeper does not count the same
// checkout twice.
type Projection struct {
	mu      sync.RWMutex
	books   map[uuid.UUID]*BookView
	applied *projection.RevisionTracker
}

func NewProjection() *Projection {
	return &Projection{
		books:   make(map[uuid.UUID]*BookView),
		applied: projection.NewRevisionTracker(),
	}
}

func (p *Projection) Name() string { return "catalog" }

func (p *Projection) Handle(_ context.Context, msg projection.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.applied.Observe(msg.Record.StreamID, msg.Record.Revision) {
		return nil
	}

	switch e := msg.Event.(type) {
	case lending.BookAdded:
		p.books[e.BookID] = &BookView{
			ID:       e.BookID,
			ISBN:     e.ISBN,
			Title:    e.Title,
			BookType: e.BookType,
			BranchID: e.BranchID,
			State:    lending.Available,
		}
		p.touch(e.BookID, msg)

	case lending.BookPlacedOnHold:
		if v, ok := p.books[e.BookID]; ok {
			v.State = lending.OnHold
			v.HoldingPatronID = copyID(&e.PatronID)
			v.HoldType = e.HoldType
			v.HoldTill = copyTime(e.HoldTill)
			p.touch(e.BookID, msg)
		}

	case lending.BookHoldCanceled:
		p.release(e.BookID, msg)

	case lending.BookHoldExpired:
		p.release(e.BookID, msg)

	case lending.BookCheckedOut:
		if v, ok := p.books[e.BookID]; ok {
			v.clearHold()
			v.State = lending.CheckedOut
			v.BorrowerID = copyID(&e.PatronID)
			v.DueDate = copyTime(&e.DueDate)
			v.OverdueRegistered = false
			p.touch(e.BookID, msg)
		}

	case lending.BookReturned:
		if v, ok := p.books[e.BookID]; ok {
			v.clearCheckout()
			v.State = lending.Available
			p.touch(e.BookID, msg)
		}

	case lending.OverdueCheckoutRegistered:
		if v, ok := p.books[e.BookID]; ok && v.BorrowerID != nil && *v.BorrowerID == e.PatronID {
			v.OverdueRegistered = true
		}
	}
	return nil
}

func (p *Projection) release(bookID uuid.UUID, msg projection.Message) {
	if v, ok := p.books[bookID]; ok {
		v.clearHold()
		v.State = lending.Available
		p.touch(bookID, msg)
	}
}

func (p *Projection) touch(bookID uuid.UUID, msg projection.Message) {
	v := p.books[bookID]
	v.Revision = msg.Record.Revision
	v.UpdatedAt = msg.Record.CreatedAt
}

func (p *Projection) Get(id uuid.UUID) (BookView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.books[id]
	if !ok {
		return BookView{}, false
	}
	return v.clone(), true
}

func (p *Projection) ByState(state lending.BookState) []BookView {
	return p.filter(func(v *BookView) bool { return v.State == state })
}

// SearchTitle matches a case-insensitive substring of the title.
func (p *Projection) SearchTitle(query string) []BookView {
	q := strings.ToLower(strings.TrimSpace(query))
	return p.filter(func(v *BookView) bool {
		return strings.Contains(strings.ToLower(v.Title), q)
	})
}

func (p *Projection) ExpiredHolds(now time.Time) []BookView {
	return p.filter(func(v *BookView) bool { return v.HoldExpired(now) })
}

func (p *Projection) OverdueCheckouts(now time.Time) []BookView {
	return p.filter(func(v *BookView) bool { return v.Overdue(now) })
}

func (p *Projection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.books)
}

// filter returns copies sorted by title, then id.
func (p *Projection) filter(keep func(*BookView) bool) []BookView {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]BookView, 0)
	for _, v := range p.books {
		if keep(v) {
			out = append(out, v.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
