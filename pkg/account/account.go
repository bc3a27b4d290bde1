// Package account holds user cash balances and stock portfolios.
package account

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a user's cash balance and holdings.
type Account struct {
	ID           string          `json:"id"`
	Balance      decimal.Decimal `json:"balance"`
	Portfolio    []Holding       `json:"portfolio"`
	CreatedAt    time.Time       `json:"created"`
	LastModified time.Time       `json:"last_modified"`
}

// Holding is a position in one stock. CostBasis is the volume-weighted
// average purchase price.
type Holding struct {
	Symbol    string          `json:"stock_symbol"`
	Quantity  int64           `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"`
}

func NewAccount(id string, balance decimal.Decimal, now time.Time) *Account {
	return &Account{
		ID:           id,
		Balance:      balance,
		Portfolio:    []Holding{},
		CreatedAt:    now,
		LastModified: now,
	}
}

// Holding returns the holding for symbol, if any.
func (a *Account) Holding(symbol string) (Holding, bool) {
	for _, h := range a.Portfolio {
		if h.Symbol == symbol {
			return h, true
		}
	}
	return Holding{}, false
}

// QuantityOf returns the held quantity of symbol, zero when absent.
func (a *Account) QuantityOf(symbol string) int64 {
	h, _ := a.Holding(symbol)
	return h.Quantity
}

// ApplyBalanceDelta adds amount (possibly negative) to the cash balance.
func (a *Account) ApplyBalanceDelta(amount decimal.Decimal, now time.Time) {
	a.Balance = a.Balance.Add(amount)
	a.LastModified = now
}

// ApplyHoldingDelta changes the quantity held of symbol. Positive deltas
// create the holding when absent and fold price into the cost basis.
// Negative deltas require an existing holding with enough quantity; a
// holding that reaches zero is removed.
func (a *Account) ApplyHoldingDelta(symbol string, delta int64, price decimal.Decimal, now time.Time) error {
	idx := -1
	for i := range a.Portfolio {
		if a.Portfolio[i].Symbol == symbol {
			idx = i
			break
		}
	}

	switch {
	case delta == 0:
		return nil
	case delta > 0 && idx < 0:
		a.Portfolio = append(a.Portfolio, Holding{Symbol: symbol, Quantity: delta, CostBasis: price})
	case delta > 0:
		h := &a.Portfolio[idx]
		h.CostBasis = CostBasisAfterBuy(h.Quantity, h.CostBasis, delta, price)
		h.Quantity += delta
	case idx < 0:
		return fmt.Errorf("%w: %s has no %s", ErrHoldingNotFound, a.ID, symbol)
	default:
		h := &a.Portfolio[idx]
		if h.Quantity+delta < 0 {
			return fmt.Errorf("%w: %s holds %d %s, need %d", ErrInsufficientHoldings, a.ID, h.Quantity, symbol, -delta)
		}
		h.Quantity += delta
		if h.Quantity == 0 {
			a.Portfolio = append(a.Portfolio[:idx], a.Portfolio[idx+1:]...)
		}
	}
	a.LastModified = now
	return nil
}

// CostBasisAfterBuy is the volume-weighted average price after adding
// addQty shares bought at price to oldQty shares held at oldBasis.
func CostBasisAfterBuy(oldQty int64, oldBasis decimal.Decimal, addQty int64, price decimal.Decimal) decimal.Decimal {
	total := oldQty + addQty
	if total <= 0 {
		return price
	}
	cost := oldBasis.Mul(decimal.NewFromInt(oldQty)).Add(price.Mul(decimal.NewFromInt(addQty)))
	return cost.Div(decimal.NewFromInt(total))
}
