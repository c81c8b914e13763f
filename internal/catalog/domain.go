// internal/catalog/domain.go
package catalog

import (
	"time"

	"github.com/google/uuid"

	"kurrentlibrary/internal/lending"
)

// BookView is one row of the book directory.
type BookView struct {
	ID       uuid.UUID         `json:"id"`
	ISBN     string            `json:"isbn"`
	Title    string            `json:"title"`
	BookType lending.BookType  `json:"bookType"`
	BranchID uuid.UUID         `json:"branchId"`
	State    lending.BookState `json:"state"`

	HoldingPatronID *uuid.UUID       `json:"holdingPatronId,omitempty"`
	HoldType        lending.HoldType `json:"holdType,omitempty"`
	HoldTill        *time.Time       `json:"holdTill,omitempty"`
	BorrowerID      *uuid.UUID       `json:"borrowerId,omitempty"`
	DueDate         *time.Time       `json:"dueDate,omitempty"`

	// OverdueRegistered is set once the current checkout has been counted
	// against the borrower.
	OverdueRegistered bool `json:"overdueRegistered,omitempty"`

	Revision  uint64    `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HoldExpired reports whether a closed-ended hold has lapsed at now.
func (v BookView) HoldExpired(now time.Time) bool {
	return v.State == lending.OnHold && v.HoldTill != nil && now.After(*v.HoldTill)
}

// Overdue reports whether the current checkout is past due and not yet
// registered.
func (v BookView) Overdue(now time.Time) bool {
	return v.State == lending.CheckedOut && v.DueDate != nil && now.After(*v.DueDate) && !v.OverdueRegistered
}

func (v *BookView) clearHold() {
	v.HoldingPatronID = nil
	v.HoldType = ""
	v.HoldTill = nil
}

func (v *BookView) clearCheckout() {
	v.BorrowerID = nil
	v.DueDate = nil
	v.OverdueRegistered = false
}

func (v BookView) clone() BookView {
	out := v
	out.HoldingPatronID = copyID(v.HoldingPatronID)
	out.BorrowerID = copyID(v.BorrowerID)
	out.HoldTill = copyTime(v.HoldTill)
	out.DueDate = copyTime(v.DueDate)
	return out
}

func copyID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
