package book

// Side marks which half of the book an order belongs to.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Opposite returns the contra side an aggressor matches against.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Status tracks the order lifecycle. New orders either rest, fill
// immediately, or are rejected before ever touching the book.
type Status uint8

const (
	New Status = iota
	Resting
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case New:
		return "NEW"
	case Resting:
		return "RESTING"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the order can no longer change.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled
}

// Order is a pure domain entity. Prices are fixed-point integers in minor
// currency units. The book threads resting orders into per-level FIFO
// queues through the intrusive next/prev links; nothing outside this
// package touches them.
type Order struct {
	ID    uint64
	Owner string
	Side  Side
	Price int64

	// Qty is the original quantity and never changes after admission;
	// Filled only grows. Remaining() is derived from the pair.
	Qty    int64
	Filled int64

	Seq    uint64
	Status Status

	next *Order
	prev *Order
}

func (o *Order) Remaining() int64 {
	return o.Qty - o.Filled
}

// Next supports read-only traversal of a level's queue.
func (o *Order) Next() *Order {
	return o.next
}
