// internal/catalog/service.go
package catalog

import (
	"time"

	"github.com/google/uuid"

	"kurrentlibrary/internal/lending"
)

// Reader is the query side of the book directory.
type Reader interface {
	Get(id uuid.UUID) (BookView, bool)
	ByState(state lending.BookState) []BookView
	SearchTitle(query string) []BookView
	ExpiredHolds(now time.Time) []BookView
	OverdueCheckouts(now time.Time) []BookView
}

var _ Reader = (*Projection)(nil)
