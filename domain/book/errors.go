package book

import "errors"

var (
	ErrDuplicateOrderID = errors.New("duplicate order id")
	ErrOrderNotFound    = errors.New("order not found")
	ErrBookInvariant    = errors.New("book invariant violated")
)
