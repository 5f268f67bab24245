package book

import "fmt"

// OrderBook is the authoritative resting state for one instrument.
// It is single-writer: all mutation happens on the owning engine's
// apply goroutine, which is what makes the invariants checkable
// between any two processed events.
type OrderBook struct {
	Instrument string

	bids *RBTree
	asks *RBTree

	// orders indexes every resting order for O(1) cancel/lookup.
	orders map[uint64]*Order

	revision    uint64
	nextTradeID uint64
}

func NewOrderBook(instrument string) *OrderBook {
	return &OrderBook{
		Instrument:  instrument,
		bids:        NewRBTree(),
		asks:        NewRBTree(),
		orders:      make(map[uint64]*Order),
		nextTradeID: 1,
	}
}

func (b *OrderBook) tree(s Side) *RBTree {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

// Revision is bumped on every book mutation and stamps market-data
// deltas so consumers can order snapshots.
func (b *OrderBook) Revision() uint64 {
	return b.revision
}

// TradeSeq returns the id the next trade will take.
func (b *OrderBook) TradeSeq() uint64 {
	return b.nextTradeID
}

// RestoreCounters reinstates the revision and trade counters after a
// snapshot load so that replayed input keeps producing identical output.
func (b *OrderBook) RestoreCounters(nextTradeID, revision uint64) {
	b.nextTradeID = nextTradeID
	b.revision = revision
}

// RestingCount returns the number of orders currently in the book.
func (b *OrderBook) RestingCount() int {
	return len(b.orders)
}

// Insert rests an already-sequenced order at its price level, at the
// back of that level's FIFO queue.
func (b *OrderBook) Insert(o *Order) error {
	if _, ok := b.orders[o.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateOrderID, o.ID)
	}
	lvl := b.tree(o.Side).UpsertLevel(o.Price)
	lvl.Enqueue(o)
	o.Status = Resting
	b.orders[o.ID] = o
	b.revision++
	return nil
}

// Remove takes a resting order out of the book. Used by cancel and by
// the subtractive half of modify; full fills are removed inline by Match.
func (b *OrderBook) Remove(id uint64) (*Order, error) {
	o, ok := b.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	b.unlink(o)
	return o, nil
}

func (b *OrderBook) unlink(o *Order) {
	t := b.tree(o.Side)
	lvl := t.FindLevel(o.Price)
	if lvl != nil {
		lvl.Unlink(o)
		if lvl.Empty() {
			t.DeleteLevel(o.Price)
		}
	}
	delete(b.orders, o.ID)
	b.revision++
}

// ReduceResting accounts for a resting order's quantity shrinking in
// place (modify-down that keeps priority). The caller has already
// lowered o.Qty by `by`.
func (b *OrderBook) ReduceResting(o *Order, by int64) {
	if lvl := b.tree(o.Side).FindLevel(o.Price); lvl != nil {
		lvl.Reduce(by)
	}
	b.revision++
}

// Lookup returns a resting order by id.
func (b *OrderBook) Lookup(id uint64) (*Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

// BestBid returns the top bid price and its aggregate quantity.
func (b *OrderBook) BestBid() (price, qty int64, ok bool) {
	lvl := b.bids.MaxLevel()
	if lvl == nil {
		return 0, 0, false
	}
	return lvl.Price, lvl.TotalQty, true
}

// BestAsk returns the top ask price and its aggregate quantity.
func (b *OrderBook) BestAsk() (price, qty int64, ok bool) {
	lvl := b.asks.MinLevel()
	if lvl == nil {
		return 0, 0, false
	}
	return lvl.Price, lvl.TotalQty, true
}

// PeekTop returns the oldest order at the given side's best price.
func (b *OrderBook) PeekTop(s Side) *Order {
	var lvl *PriceLevel
	if s == Bid {
		lvl = b.bids.MaxLevel()
	} else {
		lvl = b.asks.MinLevel()
	}
	if lvl == nil {
		return nil
	}
	return lvl.Head()
}

// DepthAt returns the displayed depth at (side, price), 0 if the level
// is gone. Market-data deltas are built from this after each mutation.
func (b *OrderBook) DepthAt(s Side, price int64) int64 {
	lvl := b.tree(s).FindLevel(price)
	if lvl == nil {
		return 0
	}
	return lvl.TotalQty
}

// BidsWalk visits bid levels best to worst.
func (b *OrderBook) BidsWalk(fn func(*PriceLevel) bool) {
	b.bids.ForEachDescending(fn)
}

// AsksWalk visits ask levels best to worst.
func (b *OrderBook) AsksWalk(fn func(*PriceLevel) bool) {
	b.asks.ForEachAscending(fn)
}
