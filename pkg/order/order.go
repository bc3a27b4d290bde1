// Package order defines the order and trade model shared by intake,
// matching, settlement and the stores.
package order

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide accepts "BUY" or "SELL" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Status is the lifecycle state of an order. It only moves Open -> Complete.
type Status int8

const (
	Open Status = iota
	Complete
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return Open, nil
	case "complete":
		return Complete, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s != Open && s != Complete {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, s)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is a persisted limit order. Quantity is the remaining quantity.
type Order struct {
	ID           string          `json:"id"`
	Seq          uint64          `json:"seq"`
	Owner        string          `json:"created_by"`
	Symbol       string          `json:"stock_symbol"`
	Side         Side            `json:"order_type"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created"`
	LastModified time.Time       `json:"last_modified"`
}

// MarshalJSON emits the price as a bare JSON number.
func (o Order) MarshalJSON() ([]byte, error) {
	type alias Order
	return json.Marshal(struct {
		alias
		Price json.Number `json:"price"`
	}{alias: alias(o), Price: json.Number(o.Price.String())})
}

func (o *Order) IsOpen() bool { return o.Status == Open }

// Notional is quantity x price.
func (o *Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// NormalizeSymbol upper-cases and trims a ticker symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
