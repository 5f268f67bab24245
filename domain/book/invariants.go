package book

import "fmt"

// CheckInvariants verifies the structural guarantees that must hold
// between any two processed events. A non-nil result is fatal to the
// owning engine: the book can no longer be trusted.
func (b *OrderBook) CheckInvariants() error {
	if bb, _, okB := b.BestBid(); okB {
		if ba, _, okA := b.BestAsk(); okA && bb >= ba {
			return fmt.Errorf("%w: crossed book, best bid %d >= best ask %d", ErrBookInvariant, bb, ba)
		}
	}

	total := 0
	check := func(side Side, t *RBTree) error {
		var err error
		t.ForEachAscending(func(lvl *PriceLevel) bool {
			var sum int64
			var count int
			var lastSeq uint64
			for o := lvl.Head(); o != nil; o = o.Next() {
				if o.Status != Resting {
					err = fmt.Errorf("%w: order %d at %s/%d has status %s", ErrBookInvariant, o.ID, side, lvl.Price, o.Status)
					return false
				}
				if o.Remaining() <= 0 {
					err = fmt.Errorf("%w: order %d at %s/%d has remaining %d", ErrBookInvariant, o.ID, side, lvl.Price, o.Remaining())
					return false
				}
				if count > 0 && o.Seq <= lastSeq {
					err = fmt.Errorf("%w: FIFO broken at %s/%d, seq %d after %d", ErrBookInvariant, side, lvl.Price, o.Seq, lastSeq)
					return false
				}
				if indexed, ok := b.orders[o.ID]; !ok || indexed != o {
					err = fmt.Errorf("%w: order %d at %s/%d missing from index", ErrBookInvariant, o.ID, side, lvl.Price)
					return false
				}
				lastSeq = o.Seq
				sum += o.Remaining()
				count++
			}
			if count == 0 {
				err = fmt.Errorf("%w: empty level %s/%d not excised", ErrBookInvariant, side, lvl.Price)
				return false
			}
			if sum != lvl.TotalQty {
				err = fmt.Errorf("%w: level %s/%d depth %d != sum of remaining %d", ErrBookInvariant, side, lvl.Price, lvl.TotalQty, sum)
				return false
			}
			if count != lvl.OrderCount {
				err = fmt.Errorf("%w: level %s/%d count %d != %d", ErrBookInvariant, side, lvl.Price, lvl.OrderCount, count)
				return false
			}
			total += count
			return true
		})
		return err
	}

	if err := check(Bid, b.bids); err != nil {
		return err
	}
	if err := check(Ask, b.asks); err != nil {
		return err
	}

	if total != len(b.orders) {
		return fmt.Errorf("%w: index holds %d orders, book holds %d", ErrBookInvariant, len(b.orders), total)
	}
	return nil
}
