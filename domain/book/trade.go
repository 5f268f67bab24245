package book

// Trade is the immutable record of one match. Price is always the resting
// order's price; price improvement accrues to the aggressor. ID is a
// per-instrument monotonic counter so a replayed input stream reproduces
// the exact same trade log.
type Trade struct {
	ID            uint64 `json:"trade_id"`
	Instrument    string `json:"instrument"`
	Price         int64  `json:"price"`
	Qty           int64  `json:"quantity"`
	AggressorID   uint64 `json:"aggressor_order_id"`
	RestingID     uint64 `json:"resting_order_id"`
	AggressorSide Side   `json:"aggressor_side"`
	Seq           uint64 `json:"sequence_number"`
}
