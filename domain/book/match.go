package book

import "fmt"

// SelfTradePolicy decides what happens when an aggressor meets a resting
// order from the same owner. Venue policy, not a fixed contract.
type SelfTradePolicy uint8

const (
	// SelfTradeAllow lets the match proceed like any other.
	SelfTradeAllow SelfTradePolicy = iota
	// SelfTradeRejectAggressor stops matching; the aggressor's residual
	// is discarded rather than rested.
	SelfTradeRejectAggressor
	// SelfTradeCancelResting cancels the resting order and keeps matching.
	SelfTradeCancelResting
)

func ParseSelfTradePolicy(s string) (SelfTradePolicy, error) {
	switch s {
	case "allow":
		return SelfTradeAllow, nil
	case "reject-aggressor":
		return SelfTradeRejectAggressor, nil
	case "cancel-resting":
		return SelfTradeCancelResting, nil
	default:
		return SelfTradeAllow, fmt.Errorf("unknown self-trade policy %q", s)
	}
}

// MatchOutcome reports everything a single incoming order did to the book.
type MatchOutcome struct {
	Trades []Trade

	// CancelledResting holds orders removed under SelfTradeCancelResting.
	CancelledResting []*Order

	// SelfTradeStop is set when SelfTradeRejectAggressor halted the walk;
	// the caller must not rest the residual.
	SelfTradeStop bool
}

// crosses reports whether a resting level at restingPrice is marketable
// against an aggressor limited at limit. The comparison flips with the
// aggressor's side, which is the only asymmetry in the algorithm.
func crosses(aggressor Side, restingPrice, limit int64) bool {
	if aggressor == Bid {
		return restingPrice <= limit
	}
	return restingPrice >= limit
}

func (b *OrderBook) bestContra(aggressor Side) *PriceLevel {
	if aggressor == Bid {
		return b.asks.MinLevel()
	}
	return b.bids.MaxLevel()
}

// Match walks the contra side applying price-time priority: better price
// first, FIFO by sequence number within a level. Trades print at the
// resting order's price. Fully filled resting orders are removed; a
// partially filled one keeps its queue position. The caller decides what
// to do with the incoming order's residual.
func (b *OrderBook) Match(o *Order, pol SelfTradePolicy) MatchOutcome {
	var out MatchOutcome

	for o.Remaining() > 0 {
		lvl := b.bestContra(o.Side)
		if lvl == nil || !crosses(o.Side, lvl.Price, o.Price) {
			break
		}

		head := lvl.Head()

		if head.Owner == o.Owner {
			switch pol {
			case SelfTradeRejectAggressor:
				out.SelfTradeStop = true
				return out
			case SelfTradeCancelResting:
				head.Status = Cancelled
				b.unlink(head)
				out.CancelledResting = append(out.CancelledResting, head)
				continue
			}
		}

		qty := min(o.Remaining(), head.Remaining())
		o.Filled += qty
		head.Filled += qty
		lvl.Reduce(qty)

		out.Trades = append(out.Trades, Trade{
			ID:            b.nextTradeID,
			Instrument:    b.Instrument,
			Price:         lvl.Price,
			Qty:           qty,
			AggressorID:   o.ID,
			RestingID:     head.ID,
			AggressorSide: o.Side,
			Seq:           o.Seq,
		})
		b.nextTradeID++
		b.revision++

		if head.Remaining() == 0 {
			head.Status = Filled
			lvl.PopHead()
			delete(b.orders, head.ID)
			if lvl.Empty() {
				b.tree(head.Side).DeleteLevel(lvl.Price)
			}
		}
	}

	return out
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
