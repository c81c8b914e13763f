// Package lending holds the Book and Patron aggregates, their events and
// the codec that maps them onto the event store.
package lending

import (
	"time"

	"github.com/google/uuid"
)

type BookType string

const (
	Circulating BookType = "circulating"
	Restricted  BookType = "restricted"
)

func (t BookType) Valid() bool { return t == Circulating || t == Restricted }

type PatronType string

const (
	Regular    PatronType = "regular"
	Researcher PatronType = "researcher"
)

func (t PatronType) Valid() bool { return t == Regular || t == Researcher }

type HoldType string

const (
	ClosedEnded HoldType = "closed-ended"
	OpenEnded   HoldType = "open-ended"
)

func (t HoldType) Valid() bool { return t == ClosedEnded || t == OpenEnded }

type BookState string

const (
	Available  BookState = "available"
	OnHold     BookState = "on-hold"
	CheckedOut BookState = "checked-out"
)

const (
	// MaxCheckoutDuration is fixed, not configurable per checkout.
	MaxCheckoutDuration = 60 * 24 * time.Hour
	// DefaultHoldDuration applies to closed-ended holds placed without an expiry.
	DefaultHoldDuration = 7 * 24 * time.Hour
	MaxRegularHolds     = 5
	// MaxOverdueAtBranch is the overdue count a patron may reach at a branch
	// and still place holds there.
	MaxOverdueAtBranch = 2
)

const (
	bookStreamPrefix   = "book-"
	patronStreamPrefix = "patron-"
)

// StreamPrefixes are the stream name prefixes owned by this package.
var StreamPrefixes = []string{bookStreamPrefix, patronStreamPrefix}

func BookStream(id uuid.UUID) string   { return bookStreamPrefix + id.String() }
func PatronStream(id uuid.UUID) string { return patronStreamPrefix + id.String() }
