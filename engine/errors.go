package engine

import "errors"

// Reject reasons surfaced to submitters. Lookup failures reuse
// book.ErrOrderNotFound.
var (
	ErrInvalidOrder           = errors.New("invalid order")
	ErrOrderNotCancellable    = errors.New("order not cancellable")
	ErrSelfTrade              = errors.New("self trade prevented")
	ErrSequencingFailure      = errors.New("sequencing failure")
	ErrDownstreamBackpressure = errors.New("downstream backpressure")
	ErrEngineHalted           = errors.New("engine halted")
)
