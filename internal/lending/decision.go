package lending

import "fmt"

// RejectionCode classifies why a business rule refused a command.
type RejectionCode string

const (
	CodeInvalidState      RejectionCode = "invalid_state"
	CodeNotHolder         RejectionCode = "not_holder"
	CodeIneligible        RejectionCode = "ineligible"
	CodeAlreadyResearcher RejectionCode = "already_researcher"
	CodeAlreadyExists     RejectionCode = "already_exists"
	CodeInvalidInput      RejectionCode = "invalid_input"
)

// Rejection carries a human-readable reason for a refused command.
type Rejection struct {
	Code   RejectionCode
	Reason string
}

func (r Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Reason)
}

type Outcome int

const (
	// Accepted means the decision produced an event to append.
	Accepted Outcome = iota + 1
	// Unchanged means the state already reflects the request.
	Unchanged
	Rejected
)

// Decision is the result of an intent method. Accepted decisions carry
// exactly one event, which has already been applied to the aggregate.
type Decision struct {
	Outcome   Outcome
	Event     Event
	Rejection *Rejection
}

func accepted(e Event) Decision {
	return Decision{Outcome: Accepted, Event: e}
}

func unchanged() Decision {
	return Decision{Outcome: Unchanged}
}

func rejected(code RejectionCode, reason string) Decision {
	return Decision{Outcome: Rejected, Rejection: &Rejection{Code: code, Reason: reason}}
}

func (d Decision) HasEventToAppend() bool {
	return d.Outcome == Accepted && d.Event != nil
}

func (d Decision) IsRejected() bool {
	return d.Outcome == Rejected
}
