package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kurrentlibrary/internal/lending"
	"kurrentlibrary/internal/projection"
	"kurrentlibrary/pkg/eventstore"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type feeder struct {
	t    *testing.T
	p    *Projection
	revs map[string]uint64
}

func newFeeder(t *testing.T) *feeder {
	return &feeder{t: t, p: NewProjection(), revs: make(map[string]uint64)}
}

// feed delivers e as the next event of stream.
func (f *feeder) feed(stream string, e lending.Event) projection.Message {
	f.t.Helper()
	rev, seen := f.revs[stream]
	if seen {
		rev++
	}
	f.revs[stream] = rev
	msg := projection.Message{
		Record: eventstore.RecordedEvent{StreamID: stream, Revision: rev, EventType: e.EventType(), CreatedAt: testNow},
		Event:  e,
	}
	require.NoError(f.t, f.p.Handle(context.Background(), msg))
	return msg
}

func (f *feeder) addBook(title string) uuid.UUID {
	id := uuid.New()
	f.feed(lending.BookStream(id), lending.BookAdded{
		BookID: id, ISBN: "978-" + title, Title: title, BookType: lending.Circulating, BranchID: uuid.New(),
	})
	return id
}

func TestProjection_TracksBookLifecycle(t *testing.T) {
	f := newFeeder(t)
	bookID := f.addBook("Dune")
	patronID := uuid.New()
	stream := lending.BookStream(bookID)
	till := testNow.Add(lending.DefaultHoldDuration)

	f.feed(stream, lending.BookPlacedOnHold{BookID: bookID, PatronID: patronID, HoldType: lending.ClosedEnded, HoldTill: &till})
	view, ok := f.p.Get(bookID)
	require.True(t, ok)
	assert.Equal(t, lending.OnHold, view.State)
	assert.Equal(t, patronID, *view.HoldingPatronID)

	due := testNow.Add(lending.MaxCheckoutDuration)
	f.feed(stream, lending.BookCheckedOut{BookID: bookID, PatronID: patronID, DueDate: due})
	view, _ = f.p.Get(bookID)
	assert.Equal(t, lending.CheckedOut, view.State)
	assert.Nil(t, view.HoldingPatronID)
	assert.Equal(t, due, *view.DueDate)
	assert.Equal(t, uint64(2), view.Revision)

	f.feed(stream, lending.BookReturned{BookID: bookID, PatronID: patronID})
	view, _ = f.p.Get(bookID)
	assert.Equal(t, lending.Available, view.State)
	assert.Nil(t, view.BorrowerID)
	assert.Nil(t, view.DueDate)
}

func TestProjection_RedeliveryIsNoop(t *testing.T) {
	f := newFeeder(t)
	bookID := f.addBook("Dune")
	patronID := uuid.New()
	hold := f.feed(lending.BookStream(bookID), lending.BookPlacedOnHold{BookID: bookID, PatronID: patronID, HoldType: lending.OpenEnded})
	f.feed(lending.BookStream(bookID), lending.BookHoldCanceled{BookID: bookID, PatronID: patronID})

	// redeliver the older hold event
	require.NoError(t, f.p.Handle(context.Background(), hold))

	view, _ := f.p.Get(bookID)
	assert.Equal(t, lending.Available, view.State)
	assert.Equal(t, uint64(2), view.Revision)
}

func TestSearchTitle_CaseInsensitiveAndSorted(t *testing.T) {
	f := newFeeder(t)
	f.addBook("The Left Hand of Darkness")
	f.addBook("Darkness at Noon")
	f.addBook("Dune")

	got := f.p.SearchTitle("DARK")

	require.Len(t, got, 2)
	assert.Equal(t, "Darkness at Noon", got[0].Title)
	assert.Equal(t, "The Left Hand of Darkness", got[1].Title)
	assert.Len(t, f.p.SearchTitle(""), 3)
}

func TestByState(t *testing.T) {
	f := newFeeder(t)
	held := f.addBook("B")
	f.addBook("A")
	f.feed(lending.BookStream(held), lending.BookPlacedOnHold{BookID: held, PatronID: uuid.New(), HoldType: lending.OpenEnded})

	assert.Len(t, f.p.ByState(lending.Available), 1)
	onHold := f.p.ByState(lending.OnHold)
	require.Len(t, onHold, 1)
	assert.Equal(t, held, onHold[0].ID)
	assert.Empty(t, f.p.ByState(lending.CheckedOut))
}

func TestExpiredHolds_IgnoresOpenEnded(t *testing.T) {
	f := newFeeder(t)
	closed := f.addBook("Closed")
	open := f.addBook("Open")
	till := testNow.Add(24 * time.Hour)
	f.feed(lending.BookStream(closed), lending.BookPlacedOnHold{BookID: closed, PatronID: uuid.New(), HoldType: lending.ClosedEnded, HoldTill: &till})
	f.feed(lending.BookStream(open), lending.BookPlacedOnHold{BookID: open, PatronID: uuid.New(), HoldType: lending.OpenEnded})

	assert.Empty(t, f.p.ExpiredHolds(till))
	expired := f.p.ExpiredHolds(till.Add(time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, closed, expired[0].ID)
}

func TestOverdueCheckouts_SkipsRegistered(t *testing.T) {
	f := newFeeder(t)
	bookID := f.addBook("Dune")
	patronID := uuid.New()
	due := testNow.Add(lending.MaxCheckoutDuration)
	f.feed(lending.BookStream(bookID), lending.BookCheckedOut{BookID: bookID, PatronID: patronID, DueDate: due})

	late := due.Add(time.Hour)
	require.Len(t, f.p.OverdueCheckouts(late), 1)
	assert.Empty(t, f.p.OverdueCheckouts(due))

	f.feed(lending.PatronStream(patronID), lending.OverdueCheckoutRegistered{PatronID: patronID, BookID: bookID})

	assert.Empty(t, f.p.OverdueCheckouts(late))
	view, _ := f.p.Get(bookID)
	assert.True(t, view.OverdueRegistered)
}

func TestGet_ReturnsCopy(t *testing.T) {
	f := newFeeder(t)
	bookID := f.addBook("Dune")
	patronID := uuid.New()
	f.feed(lending.BookStream(bookID), lending.BookPlacedOnHold{BookID: bookID, PatronID: patronID, HoldType: lending.OpenEnded})

	view, _ := f.p.Get(bookID)
	*view.HoldingPatronID = uuid.New()

	again, _ := f.p.Get(bookID)
	assert.Equal(t, patronID, *again.HoldingPatronID)
	_, ok := f.p.Get(uuid.New())
	assert.False(t, ok)
}
