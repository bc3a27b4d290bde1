package account

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound             = errors.New("account not found")
	ErrExists               = errors.New("account already exists")
	ErrHoldingNotFound      = errors.New("holding not found")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidAmount        = errors.New("invalid amount")
)

// Reader is the read side used by order intake.
type Reader interface {
	Get(ctx context.Context, id string) (*Account, error)
}

// Repository stores accounts. Each increment is an atomic mutation of a
// single account.
type Repository interface {
	Reader
	Create(ctx context.Context, id string, balance decimal.Decimal) (*Account, error)
	IncrementBalance(ctx context.Context, id string, amount decimal.Decimal) (*Account, error)
	// IncrementPortfolioQuantity adds delta shares of symbol; price feeds
	// the cost basis on increases.
	IncrementPortfolioQuantity(ctx context.Context, id, symbol string, delta int64, price decimal.Decimal) (*Account, error)
}
