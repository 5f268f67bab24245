package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"vela/domain/book"
	"vela/infra/outbox"
)

func (e *Engine) apply(cmd *Command) Result {
	if e.halted.Load() {
		return Result{Outcome: OutcomeRejected, ClientRef: cmd.ClientRef, Seq: cmd.Seq, Err: ErrEngineHalted}
	}

	// Stamp before dispatch so deltas emitted mid-command carry this
	// command's sequence number.
	e.lastApplied = cmd.Seq
	e.applied++

	var res Result
	var events []*Event

	switch cmd.Kind {
	case KindSubmit:
		res, events = e.applySubmit(cmd)
	case KindCancel:
		res, events = e.applyCancel(cmd)
	case KindModify:
		res, events = e.applyModify(cmd)
	default:
		res = Result{Outcome: OutcomeRejected, ClientRef: cmd.ClientRef, Seq: cmd.Seq,
			Err: fmt.Errorf("%w: unknown command kind %d", ErrInvalidOrder, cmd.Kind)}
	}

	if err := e.checkInvariants(); err != nil {
		e.haltWith(err)
		return Result{Outcome: OutcomeRejected, ClientRef: cmd.ClientRef, Seq: cmd.Seq, Err: ErrEngineHalted}
	}

	e.publish(events)
	e.observeBook()
	return res
}

// applySubmit runs the matching algorithm for a new order. The order id
// is the admission sequence number: unique for the engine's lifetime and
// reproducible on replay.
func (e *Engine) applySubmit(cmd *Command) (Result, []*Event) {
	o := &book.Order{
		ID:    cmd.Seq,
		Owner: cmd.Owner,
		Side:  cmd.Side,
		Price: cmd.Price,
		Qty:   cmd.Qty,
		Seq:   cmd.Seq,
	}
	return e.submitCore(o, cmd.ClientRef, nil)
}

// submitCore matches o and rests any residual. pre carries events from an
// earlier step of the same command (the cancel half of a modify).
func (e *Engine) submitCore(o *book.Order, clientRef string, pre []*Event) (Result, []*Event) {
	events := pre
	outcome := e.book.Match(o, e.cfg.SelfTrade)

	touched := newDeltaTracker()
	for i := range outcome.Trades {
		tr := &outcome.Trades[i]
		e.rememberTrade(*tr)
		events = append(events, e.newEvent(EventTrade, func(ev *Event) {
			ev.Trade = tr
		}))
		touched.mark(o.Side.Opposite(), tr.Price)
	}
	for _, c := range outcome.CancelledResting {
		events = append(events, e.orderEvent(EventOrderCancelled, c))
		touched.mark(c.Side, c.Price)
	}

	res := Result{
		OrderID:   o.ID,
		Seq:       o.Seq,
		ClientRef: clientRef,
		Trades:    outcome.Trades,
		Remaining: o.Remaining(),
	}

	switch {
	case outcome.SelfTradeStop:
		// residual is discarded, never rests
		o.Status = book.Cancelled
		if len(outcome.Trades) > 0 {
			res.Outcome = OutcomePartiallyFilled
		} else {
			res.Outcome = OutcomeRejected
			res.Err = ErrSelfTrade
		}
	case o.Remaining() == 0:
		o.Status = book.Filled
		res.Outcome = OutcomeFilled
	default:
		if err := e.book.Insert(o); err != nil {
			e.haltWith(err)
			return Result{Outcome: OutcomeRejected, ClientRef: clientRef, Seq: o.Seq, Err: ErrEngineHalted}, nil
		}
		events = append(events, e.orderEvent(EventOrderAccepted, o))
		touched.mark(o.Side, o.Price)
		if len(outcome.Trades) > 0 {
			res.Outcome = OutcomePartiallyFilled
		} else {
			res.Outcome = OutcomeAccepted
		}
	}

	events = append(events, e.deltaEvents(touched)...)
	return res, events
}

func (e *Engine) applyCancel(cmd *Command) (Result, []*Event) {
	o, ok := e.book.Lookup(cmd.OrderID)
	if !ok {
		return Result{Outcome: OutcomeRejected, ClientRef: cmd.ClientRef, Seq: cmd.Seq,
			Err: fmt.Errorf("%w: %d", book.ErrOrderNotFound, cmd.OrderID)}, nil
	}
	if cmd.Owner != "" && o.Owner != cmd.Owner {
		return Result{Outcome: OutcomeRejected, ClientRef: cmd.ClientRef, Seq: cmd.Seq,
			Err: fmt.Errorf("%w: order %d belongs to another owner", ErrOrderNotCancellable, cmd.OrderID)}, nil
	}

	if _, err := e.book.Remove(o.ID); err != nil {
		e.haltWith(err)
		return Result{Outcome: OutcomeRejected, ClientRef: cmd.ClientRef, Seq: cmd.Seq, Err: ErrEngineHalted}, nil
	}
	o.Status = book.Cancelled

	touched := newDeltaTracker()
	touched.mark(o.Side, o.Price)
	events := []*Event{e.orderEvent(EventOrderCancelled, o)}
	events = append(events, e.deltaEvents(touched)...)

	return Result{
		Outcome:   OutcomeCancelled,
		OrderID:   o.ID,
		Seq:       cmd.Seq,
		ClientRef: cmd.ClientRef,
		Remaining: o.Remaining(),
	}, events
}

// applyModify is atomic cancel-then-new-insert. The replacement reuses
// the modify command's sequence number, so priority is forfeited unless
// the change is a quantity-only decrease and policy keeps it.
func (e *Engine) applyModify(cmd *Command) (Result, []*Event) {
	o, ok := e.book.Lookup(cmd.OrderID)
	if !ok {
		return Result{Outcome: OutcomeRejected, ClientRef: cmd.ClientRef, Seq: cmd.Seq,
			Err: fmt.Errorf("%w: %d", book.ErrOrderNotFound, cmd.OrderID)}, nil
	}
	if cmd.Owner != "" && o.Owner != cmd.Owner {
		return Result{Outcome: OutcomeRejected, ClientRef: cmd.ClientRef, Seq: cmd.Seq,
			Err: fmt.Errorf("%w: order %d belongs to another owner", ErrOrderNotCancellable, cmd.OrderID)}, nil
	}

	newPrice := cmd.NewPrice
	if newPrice == 0 {
		newPrice = o.Price
	}
	newQty := cmd.NewQty
	if newQty == 0 {
		newQty = o.Qty
	}

	if newQty <= o.Filled {
		// nothing left to work after the decrease; same as a cancel
		return e.applyCancel(&Command{
			Kind: KindCancel, Seq: cmd.Seq,
			Owner: cmd.Owner, ClientRef: cmd.ClientRef, OrderID: cmd.OrderID,
		})
	}

	if newPrice == o.Price && newQty < o.Qty && e.cfg.DecreaseKeepsPriority {
		reduced := o.Qty - newQty
		o.Qty = newQty
		e.book.ReduceResting(o, reduced)

		touched := newDeltaTracker()
		touched.mark(o.Side, o.Price)
		events := append([]*Event{e.orderEvent(EventOrderAccepted, o)}, e.deltaEvents(touched)...)
		return Result{
			Outcome:   OutcomeAccepted,
			OrderID:   o.ID,
			Seq:       o.Seq, // priority kept: original sequence stands
			ClientRef: cmd.ClientRef,
			Remaining: o.Remaining(),
		}, events
	}

	if _, err := e.book.Remove(o.ID); err != nil {
		e.haltWith(err)
		return Result{Outcome: OutcomeRejected, ClientRef: cmd.ClientRef, Seq: cmd.Seq, Err: ErrEngineHalted}, nil
	}
	o.Status = book.Cancelled

	touched := newDeltaTracker()
	touched.mark(o.Side, o.Price)
	pre := []*Event{e.orderEvent(EventOrderCancelled, o)}
	pre = append(pre, e.deltaEvents(touched)...)

	repl := &book.Order{
		ID:    cmd.Seq,
		Owner: o.Owner,
		Side:  o.Side,
		Price: newPrice,
		Qty:   newQty - o.Filled,
		Seq:   cmd.Seq,
	}
	return e.submitCore(repl, cmd.ClientRef, pre)
}

// ---- events ----

func (e *Engine) newEvent(kind EventKind, fill func(*Event)) *Event {
	e.eventSeq++
	ev := &Event{
		Seq:        e.eventSeq,
		Kind:       kind,
		Instrument: e.instrument,
	}
	if fill != nil {
		fill(ev)
	}
	return ev
}

func (e *Engine) orderEvent(kind EventKind, o *book.Order) *Event {
	return e.newEvent(kind, func(ev *Event) {
		ev.Order = &OrderUpdate{
			Instrument: e.instrument,
			OrderID:    o.ID,
			Seq:        o.Seq,
			Side:       o.Side,
			Price:      o.Price,
			Remaining:  o.Remaining(),
			Status:     o.Status.String(),
		}
	})
}

type levelKey struct {
	side  book.Side
	price int64
}

// deltaTracker coalesces per-level deltas so a sweep through one level
// emits a single delta, in first-touch order for determinism.
type deltaTracker struct {
	order []levelKey
	seen  map[levelKey]bool
}

func newDeltaTracker() *deltaTracker {
	return &deltaTracker{seen: make(map[levelKey]bool)}
}

func (d *deltaTracker) mark(side book.Side, price int64) {
	k := levelKey{side, price}
	if !d.seen[k] {
		d.seen[k] = true
		d.order = append(d.order, k)
	}
}

func (e *Engine) deltaEvents(d *deltaTracker) []*Event {
	events := make([]*Event, 0, len(d.order))
	for _, k := range d.order {
		k := k
		events = append(events, e.newEvent(EventBookDelta, func(ev *Event) {
			ev.Delta = &BookDelta{
				Instrument: e.instrument,
				Seq:        e.lastApplied,
				Side:       k.side,
				Price:      k.price,
				Qty:        e.book.DepthAt(k.side, k.price),
				Revision:   e.book.Revision(),
			}
		}))
	}
	return events
}

// publish hands events to the drain through the bounded ring. A full
// ring after a bounded wait flips the engine into degraded mode: events
// fall back to the durable outbox directly, and admission rejects new
// orders until the drain catches up.
func (e *Engine) publish(events []*Event) {
	if e.replaying {
		return
	}
	for _, ev := range events {
		if e.events.Enqueue(ev) {
			continue
		}
		ok := false
		for i := 0; i < 100; i++ {
			time.Sleep(100 * time.Microsecond)
			if e.events.Enqueue(ev) {
				ok = true
				break
			}
		}
		if ok {
			continue
		}
		if !e.degraded.Swap(true) {
			e.log.Warn("event ring full, degrading to durable log only")
			if e.met != nil {
				e.met.Degraded.WithLabelValues(e.instrument).Set(1)
			}
		}
		e.persistDirect(ev)
	}
}

func (e *Engine) persistDirect(ev *Event) {
	if e.ob == nil {
		e.log.Error("event dropped: no outbox in degraded mode", zap.Uint64("event_seq", ev.Seq))
		if e.met != nil {
			e.met.EventsDropped.WithLabelValues(e.instrument).Inc()
		}
		return
	}
	payload, err := ev.Encode()
	if err != nil {
		e.haltWith(err)
		return
	}
	if err := e.ob.Put(&outbox.Entry{Seq: ev.Seq, Kind: uint8(ev.Kind), State: outbox.StateNew, Payload: payload}); err != nil {
		e.haltWith(fmt.Errorf("degraded outbox write failed: %w", err))
	}
}

// ---- invariants / halt ----

func (e *Engine) checkInvariants() error {
	if bb, _, okB := e.book.BestBid(); okB {
		if ba, _, okA := e.book.BestAsk(); okA && bb >= ba {
			return fmt.Errorf("%w: crossed book, best bid %d >= best ask %d", book.ErrBookInvariant, bb, ba)
		}
	}
	if e.applied%invariantEvery == 0 {
		return e.book.CheckInvariants()
	}
	return nil
}

// haltWith stops matching for this instrument only. Continuing on a
// corrupted book risks printing wrong trades; other instruments are
// unaffected.
func (e *Engine) haltWith(err error) {
	if e.halted.Swap(true) {
		return
	}
	e.log.Error("engine halted", zap.Error(err), zap.Uint64("last_seq", e.lastApplied))
	if e.met != nil {
		e.met.EngineHalted.WithLabelValues(e.instrument).Set(1)
	}
}

func (e *Engine) rememberTrade(t book.Trade) {
	if e.met != nil && !e.replaying {
		e.met.Trades.WithLabelValues(e.instrument).Inc()
		e.met.TradedQty.WithLabelValues(e.instrument).Add(float64(t.Qty))
	}
	if len(e.recentTrades) == recentTradeCap {
		copy(e.recentTrades, e.recentTrades[1:])
		e.recentTrades = e.recentTrades[:recentTradeCap-1]
	}
	e.recentTrades = append(e.recentTrades, t)
}

func (e *Engine) observeBook() {
	if e.met == nil {
		return
	}
	e.met.RestingOrders.WithLabelValues(e.instrument).Set(float64(e.book.RestingCount()))
	if bb, _, ok := e.book.BestBid(); ok {
		e.met.BestBid.WithLabelValues(e.instrument).Set(float64(bb))
	}
	if ba, _, ok := e.book.BestAsk(); ok {
		e.met.BestAsk.WithLabelValues(e.instrument).Set(float64(ba))
	}
}
