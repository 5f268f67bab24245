package engine

import "vela/domain/book"

type Outcome uint8

const (
	OutcomeRejected Outcome = iota
	OutcomeAccepted
	OutcomeFilled
	OutcomePartiallyFilled
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeFilled:
		return "filled"
	case OutcomePartiallyFilled:
		return "partially_filled"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "rejected"
	}
}

// Result resolves one request. Every admitted request gets exactly one:
// Accepted (resting), Filled, PartiallyFilled, Cancelled, or Rejected
// with a reason.
type Result struct {
	Outcome   Outcome
	OrderID   uint64
	Seq       uint64
	ClientRef string
	Trades    []book.Trade
	Remaining int64

	// Err is the reject reason; nil unless Outcome is OutcomeRejected.
	Err error
}
