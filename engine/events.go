package engine

import (
	"encoding/json"

	"vela/domain/book"
)

type EventKind uint8

const (
	EventTrade EventKind = iota + 1
	EventBookDelta
	EventOrderAccepted
	EventOrderCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventTrade:
		return "trade"
	case EventBookDelta:
		return "book_delta"
	case EventOrderAccepted:
		return "order_accepted"
	case EventOrderCancelled:
		return "order_cancelled"
	default:
		return "unknown"
	}
}

// BookDelta tells market-data consumers the new aggregate quantity at one
// price level. Revision orders deltas against snapshots.
type BookDelta struct {
	Instrument string    `json:"instrument"`
	Seq        uint64    `json:"sequence_number"`
	Side       book.Side `json:"side"`
	Price      int64     `json:"price"`
	Qty        int64     `json:"new_aggregate_quantity"`
	Revision   uint64    `json:"revision"`
}

// OrderUpdate announces an order resting in or leaving the book.
type OrderUpdate struct {
	Instrument string    `json:"instrument"`
	OrderID    uint64    `json:"order_id"`
	Seq        uint64    `json:"sequence_number"`
	Side       book.Side `json:"side"`
	Price      int64     `json:"price"`
	Remaining  int64     `json:"remaining"`
	Status     string    `json:"status"`
}

// Event is one entry in the engine's outbound stream. Seq is a
// per-instrument monotonic event number, distinct from the command
// sequence. Events carry no wall-clock time: replaying the same input
// must reproduce them byte for byte.
type Event struct {
	Seq        uint64       `json:"event_seq"`
	Kind       EventKind    `json:"kind"`
	Instrument string       `json:"instrument"`
	Trade      *book.Trade  `json:"trade,omitempty"`
	Delta      *BookDelta   `json:"delta,omitempty"`
	Order      *OrderUpdate `json:"order,omitempty"`
}

// Encode renders the wire form stored in the outbox and published
// downstream.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
