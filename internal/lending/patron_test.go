package lending

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPatron(t *testing.T, patronType PatronType) *Patron {
	t.Helper()
	p, d := CreatePatron(uuid.New(), "Ada", "ada@example.org", patronType, testNow)
	require.Equal(t, Accepted, d.Outcome)
	return p
}

func withOverdue(t *testing.T, p *Patron, branch uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		book := uuid.New()
		require.Equal(t, Accepted, p.RecordCheckout(book, branch, testNow, 1, testNow).Outcome)
		require.Equal(t, Accepted, p.RegisterOverdue(book, testNow.Add(time.Second)).Outcome)
	}
}

func TestCreatePatron_Validates(t *testing.T) {
	_, d := CreatePatron(uuid.New(), "", "x@example.org", Regular, testNow)
	require.True(t, d.IsRejected())

	_, d = CreatePatron(uuid.New(), "Ada", "x@example.org", PatronType("vip"), testNow)
	require.True(t, d.IsRejected())
	assert.Equal(t, CodeInvalidInput, d.Rejection.Code)
}

func TestCanPlaceHoldAt_RegularLimitedToFiveHolds(t *testing.T) {
	p := newTestPatron(t, Regular)
	branch := uuid.New()
	for i := 0; i < 4; i++ {
		require.Equal(t, Accepted, p.RecordHoldPlaced(uuid.New(), branch, ClosedEnded, nil, 1, testNow).Outcome)
	}
	assert.Nil(t, p.CanPlaceHoldAt(branch, Circulating))

	require.Equal(t, Accepted, p.RecordHoldPlaced(uuid.New(), branch, ClosedEnded, nil, 1, testNow).Outcome)
	r := p.CanPlaceHoldAt(branch, Circulating)
	require.NotNil(t, r)
	assert.Contains(t, r.Reason, "limited to 5 holds")
}

func TestCanPlaceHoldAt_ResearcherNeverLimitedByCount(t *testing.T) {
	p := newTestPatron(t, Researcher)
	branch := uuid.New()
	for i := 0; i < 12; i++ {
		require.Equal(t, Accepted, p.RecordHoldPlaced(uuid.New(), branch, OpenEnded, nil, 1, testNow).Outcome)
	}

	assert.Nil(t, p.CanPlaceHoldAt(branch, Circulating))
	assert.Nil(t, p.CanPlaceHoldAt(branch, Restricted))
}

func TestCanPlaceHoldAt_OverdueThresholdIsPerBranch(t *testing.T) {
	p := newTestPatron(t, Regular)
	branch, other := uuid.New(), uuid.New()

	withOverdue(t, p, branch, 2)
	assert.Nil(t, p.CanPlaceHoldAt(branch, Circulating), "two overdue checkouts are tolerated")

	withOverdue(t, p, branch, 1)
	r := p.CanPlaceHoldAt(branch, Circulating)
	require.NotNil(t, r)
	assert.Contains(t, r.Reason, "Too many overdue checkouts")
	assert.Nil(t, p.CanPlaceHoldAt(other, Circulating))
}

func TestCanPlaceHoldAt_FirstFailingRuleWins(t *testing.T) {
	p := newTestPatron(t, Regular)
	branch := uuid.New()
	for i := 0; i < 5; i++ {
		p.RecordHoldPlaced(uuid.New(), branch, ClosedEnded, nil, 1, testNow)
	}
	withOverdue(t, p, branch, 3)

	r := p.CanPlaceHoldAt(branch, Restricted)
	require.NotNil(t, r)
	assert.Contains(t, r.Reason, "overdue")

	fresh := newTestPatron(t, Regular)
	for i := 0; i < 5; i++ {
		fresh.RecordHoldPlaced(uuid.New(), branch, ClosedEnded, nil, 1, testNow)
	}
	r = fresh.CanPlaceHoldAt(branch, Restricted)
	require.NotNil(t, r)
	assert.Contains(t, r.Reason, "limited to 5 holds")
}

func TestUpgradeToResearcher(t *testing.T) {
	p := newTestPatron(t, Regular)

	d := p.UpgradeToResearcher(testNow)
	require.Equal(t, Accepted, d.Outcome)
	assert.Equal(t, Researcher, p.Type())

	d = p.UpgradeToResearcher(testNow)
	require.True(t, d.IsRejected())
	assert.Equal(t, CodeAlreadyResearcher, d.Rejection.Code)
}

func TestBookkeeping_IsIdempotent(t *testing.T) {
	p := newTestPatron(t, Regular)
	book, branch := uuid.New(), uuid.New()
	due := testNow.Add(MaxCheckoutDuration)

	assert.Equal(t, Accepted, p.RecordHoldPlaced(book, branch, ClosedEnded, nil, 1, testNow).Outcome)
	assert.Equal(t, Unchanged, p.RecordHoldPlaced(book, branch, ClosedEnded, nil, 1, testNow).Outcome)
	assert.Equal(t, 1, p.HoldCount())

	assert.Equal(t, Accepted, p.RecordCheckout(book, branch, due, 2, testNow).Outcome)
	assert.Equal(t, Unchanged, p.RecordCheckout(book, branch, due, 2, testNow).Outcome)
	assert.Equal(t, 0, p.HoldCount(), "checkout consumes the hold")

	assert.Equal(t, Unchanged, p.RecordHoldReleased(book, 1, testNow).Outcome)
	assert.Equal(t, Accepted, p.RecordReturn(book, 3, testNow).Outcome)
	assert.Equal(t, Unchanged, p.RecordReturn(book, 3, testNow).Outcome)
	assert.Empty(t, p.Snapshot().Checkouts)
}

func TestBookkeeping_DropsRedeliveredHoldAfterCheckout(t *testing.T) {
	p := newTestPatron(t, Regular)
	book, branch := uuid.New(), uuid.New()

	require.Equal(t, Accepted, p.RecordHoldPlaced(book, branch, ClosedEnded, nil, 1, testNow).Outcome)
	require.Equal(t, Accepted, p.RecordCheckout(book, branch, testNow.Add(MaxCheckoutDuration), 2, testNow).Outcome)

	d := p.RecordHoldPlaced(book, branch, ClosedEnded, nil, 1, testNow)

	assert.Equal(t, Unchanged, d.Outcome)
	assert.Equal(t, 0, p.HoldCount())

	events := []Event{
		PatronCreated{PatronID: p.ID(), Name: "Ada", PatronType: Regular},
		PatronHoldRecorded{PatronID: p.ID(), BookID: book, BranchID: branch, HoldType: ClosedEnded, BookRevision: 1},
		PatronCheckoutRecorded{PatronID: p.ID(), BookID: book, BranchID: branch, BookRevision: 2},
	}
	replayed := ReplayPatron(events)
	assert.Equal(t, Unchanged, replayed.RecordHoldPlaced(book, branch, ClosedEnded, nil, 1, testNow).Outcome, "the mirrored revision survives replay")
	assert.Equal(t, Accepted, replayed.RecordHoldPlaced(book, branch, ClosedEnded, nil, 4, testNow).Outcome, "a later hold on the same book is copied")
}

func TestRegisterOverdue_OncePerCheckout(t *testing.T) {
	p := newTestPatron(t, Regular)
	book, branch := uuid.New(), uuid.New()
	due := testNow.Add(MaxCheckoutDuration)

	d := p.RegisterOverdue(book, due.Add(time.Hour))
	require.True(t, d.IsRejected(), "no checkout recorded yet")

	require.Equal(t, Accepted, p.RecordCheckout(book, branch, due, 1, testNow).Outcome)
	d = p.RegisterOverdue(book, due)
	require.True(t, d.IsRejected(), "not overdue at the due instant")

	require.Equal(t, Accepted, p.RegisterOverdue(book, due.Add(time.Hour)).Outcome)
	assert.Equal(t, Unchanged, p.RegisterOverdue(book, due.Add(2*time.Hour)).Outcome)
	assert.Equal(t, 1, p.OverdueAt(branch))
}

func TestRecordReturn_KeepsOverdueCount(t *testing.T) {
	p := newTestPatron(t, Regular)
	branch := uuid.New()
	book := uuid.New()
	require.Equal(t, Accepted, p.RecordCheckout(book, branch, testNow, 1, testNow).Outcome)
	require.Equal(t, Accepted, p.RegisterOverdue(book, testNow.Add(time.Minute)).Outcome)

	require.Equal(t, Accepted, p.RecordReturn(book, 2, testNow.Add(time.Hour)).Outcome)

	assert.Equal(t, 1, p.OverdueAt(branch))
}

func TestCorrectOverdueCount(t *testing.T) {
	p := newTestPatron(t, Regular)
	branch := uuid.New()
	withOverdue(t, p, branch, 3)

	d := p.CorrectOverdueCount(branch, 1, testNow)
	require.Equal(t, Accepted, d.Outcome)
	assert.Equal(t, 1, p.OverdueAt(branch))
	assert.Nil(t, p.CanPlaceHoldAt(branch, Circulating))

	assert.Equal(t, Unchanged, p.CorrectOverdueCount(branch, 1, testNow).Outcome)
	assert.True(t, p.CorrectOverdueCount(branch, -1, testNow).IsRejected())
}

func TestReplayPatron_MatchesLiveState(t *testing.T) {
	p, created := CreatePatron(uuid.New(), "Grace", "grace@example.org", Regular, testNow)
	book, branch := uuid.New(), uuid.New()
	events := []Event{created.Event}
	for _, d := range []Decision{
		p.RecordHoldPlaced(book, branch, ClosedEnded, nil, 1, testNow),
		p.RecordCheckout(book, branch, testNow, 2, testNow),
		p.RegisterOverdue(book, testNow.Add(time.Second)),
		p.UpgradeToResearcher(testNow),
	} {
		require.True(t, d.HasEventToAppend())
		events = append(events, d.Event)
	}

	assert.Equal(t, p.Snapshot(), ReplayPatron(events).Snapshot())
}
