package order

import "errors"

var (
	ErrNotFound          = errors.New("order not found")
	ErrNegativeQuantity  = errors.New("order quantity would become negative")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrInvalidSide       = errors.New("invalid order side")
	ErrInvalidStatus     = errors.New("invalid order status")
	ErrNotOpen           = errors.New("order is not open")
	// ErrStorage wraps failures of the underlying store.
	ErrStorage = errors.New("order storage failure")
)
