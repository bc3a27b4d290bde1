package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockmatch/pkg/account"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

// AccountStore is the Pebble account repository. It also records which
// trades have been settled.
type AccountStore struct {
	db    *DB
	clock util.Clock
	mu    sync.Mutex
}

var _ account.Repository = (*AccountStore)(nil)

func NewAccountStore(db *DB, clock util.Clock) *AccountStore {
	return &AccountStore{db: db, clock: clock}
}

func (s *AccountStore) Get(_ context.Context, id string) (*account.Account, error) {
	acc, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", account.ErrNotFound, id)
	}
	return acc, nil
}

// load returns nil if the account doesn't exist
func (s *AccountStore) load(id string) (*account.Account, error) {
	val, ok, err := s.db.get(accountKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var acc account.Account
	if err := json.Unmarshal(val, &acc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	if acc.Portfolio == nil {
		acc.Portfolio = []account.Holding{}
	}
	return &acc, nil
}

func (s *AccountStore) save(acc *account.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.db.db.Set(accountKey(acc.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *AccountStore) Create(_ context.Context, id string, balance decimal.Decimal) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", account.ErrExists, id)
	}
	acc := account.NewAccount(id, balance, s.clock.Now())
	if err := s.save(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *AccountStore) IncrementBalance(_ context.Context, id string, amount decimal.Decimal) (*account.Account, error) {
	return s.mutate(id, func(acc *account.Account) error {
		acc.ApplyBalanceDelta(amount, s.clock.Now())
		return nil
	})
}

func (s *AccountStore) IncrementPortfolioQuantity(_ context.Context, id, symbol string, delta int64, price decimal.Decimal) (*account.Account, error) {
	return s.mutate(id, func(acc *account.Account) error {
		return acc.ApplyHoldingDelta(symbol, delta, price, s.clock.Now())
	})
}

func (s *AccountStore) mutate(id string, fn func(*account.Account) error) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", account.ErrNotFound, id)
	}
	if err := fn(acc); err != nil {
		return nil, err
	}
	if err := s.save(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// MarkApplied records tradeID as settled. It reports false when the trade
// was already recorded.
func (s *AccountStore) MarkApplied(_ context.Context, tradeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok, err := s.db.get(appliedKey(tradeID))
	if err != nil {
		return false, fmt.Errorf("failed to check settlement ledger: %w", err)
	}
	if ok {
		return false, nil
	}
	stamp := []byte(s.clock.Now().Format(time.RFC3339Nano))
	if err := s.db.db.Set(appliedKey(tradeID), stamp, pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to record settled trade: %w", err)
	}
	return true, nil
}
