package intake

import (
	"errors"
	"fmt"
)

// Reason identifies why intake refused an order.
type Reason string

const (
	ReasonUnknownSymbol        Reason = "unknown_symbol"
	ReasonInvalidSide          Reason = "invalid_side"
	ReasonInvalidQuantity      Reason = "invalid_quantity"
	ReasonInvalidPrice         Reason = "invalid_price"
	ReasonUnknownAccount       Reason = "unknown_account"
	ReasonInsufficientFunds    Reason = "insufficient_funds"
	ReasonInsufficientHoldings Reason = "insufficient_holdings"
	ReasonNotOpen              Reason = "order_not_open"
)

// RejectionError is a client-correctable validation failure.
type RejectionError struct {
	Reason  Reason
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected (%s): %s", e.Reason, e.Message)
}

func reject(reason Reason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps a RejectionError from err.
func AsRejection(err error) (*RejectionError, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

var (
	// ErrUnavailable marks failures of market data, account lookup or the
	// message channel; the caller may retry.
	ErrUnavailable = errors.New("order intake temporarily unavailable")
	// ErrForbidden is returned when a user acts on another user's order.
	ErrForbidden = errors.New("order belongs to another user")
)
