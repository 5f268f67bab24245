// Package sequence owns request admission: every command entering an
// instrument's apply loop passes through one Admitter, which assigns
// its place in the strict total order and journals it under the same
// lock. Sequence numbers double as the time-priority tie-break inside
// a price level.
package sequence

import (
	"sync"
	"sync/atomic"
)

// Admitter is the fan-in point that turns concurrent submitters into
// one ordered command stream. Admit holds the admission lock across
// number assignment and the caller's journal step, so a command with
// a higher sequence number can never be journaled or enqueued ahead
// of one with a lower number.
type Admitter struct {
	mu   sync.Mutex
	last atomic.Uint64
}

// NewAdmitter starts numbering at start+1. Fresh start: 0. After
// recovery: the last replayed sequence number.
func NewAdmitter(start uint64) *Admitter {
	a := &Admitter{}
	a.last.Store(start)
	return a
}

// Admit admits one command. gate runs first, before any number is
// assigned, and may abort the admission (backpressure, full queue).
// journal then persists and enqueues the command under its assigned
// number. A journal failure leaves a gap in the sequence, which is
// harmless: recovery resets the counter to the last applied number.
func (a *Admitter) Admit(gate func() error, journal func(seq uint64) error) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gate != nil {
		if err := gate(); err != nil {
			return 0, err
		}
	}
	seq := a.last.Add(1)
	if journal != nil {
		if err := journal(seq); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Gate runs fn under the admission lock without assigning a sequence
// number. Unsequenced work that shares capacity with admission (query
// slots on the command queue) goes through here so the checks Admit's
// gate makes stay race-free.
func (a *Admitter) Gate(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn()
}

// Current returns the most recently assigned sequence number.
func (a *Admitter) Current() uint64 {
	return a.last.Load()
}

// Reset rewinds the counter. Only valid after WAL replay, before the
// engine accepts traffic.
func (a *Admitter) Reset(seq uint64) {
	a.last.Store(seq)
}
