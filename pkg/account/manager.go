package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource quotes the current market price of a symbol.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Manager is the user-facing account service: opening accounts with the
// starting balance, deposits and manual portfolio adjustments.
type Manager struct {
	repo            Repository
	prices          PriceSource
	startingBalance decimal.Decimal
	log             *zap.SugaredLogger
}

func NewManager(repo Repository, prices PriceSource, startingBalance decimal.Decimal, log *zap.SugaredLogger) *Manager {
	return &Manager{
		repo:            repo,
		prices:          prices,
		startingBalance: startingBalance,
		log:             log,
	}
}

// Get returns the account or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Account, error) {
	return m.repo.Get(ctx, id)
}

// Open creates the account with the starting balance, or returns the
// existing one.
func (m *Manager) Open(ctx context.Context, id string) (*Account, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("%w: empty account id", ErrInvalidAmount)
	}
	acc, err := m.repo.Create(ctx, id, m.startingBalance)
	if errors.Is(err, ErrExists) {
		acc, err = m.repo.Get(ctx, id)
		return acc, false, err
	}
	if err != nil {
		return nil, false, err
	}
	m.log.Infow("account_opened", "account", id, "balance", acc.Balance.String())
	return acc, true, nil
}

// Deposit adds amount to the cash balance.
func (m *Manager) Deposit(ctx context.Context, id string, amount decimal.Decimal) (*Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit must be positive, got %s", ErrInvalidAmount, amount)
	}
	acc, err := m.repo.IncrementBalance(ctx, id, amount)
	if err != nil {
		return nil, err
	}
	m.log.Infow("balance_incremented", "account", id, "amount", amount.String(), "balance", acc.Balance.String())
	return acc, nil
}

// AdjustHolding changes the holding of symbol by quantity, valued at the
// current market price.
func (m *Manager) AdjustHolding(ctx context.Context, id, symbol string, quantity int64) (*Account, error) {
	if quantity == 0 {
		return nil, fmt.Errorf("%w: quantity must be non-zero", ErrInvalidAmount)
	}
	price, err := m.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to price %s: %w", symbol, err)
	}
	acc, err := m.repo.IncrementPortfolioQuantity(ctx, id, symbol, quantity, price)
	if err != nil {
		return nil, err
	}
	m.log.Infow("portfolio_adjusted", "account", id, "symbol", symbol, "quantity", quantity, "price", price.String())
	return acc, nil
}
