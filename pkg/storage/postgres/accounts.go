package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockmatch/pkg/account"
)

type accountRow struct {
	ID           string          `db:"id"`
	Balance      decimal.Decimal `db:"balance"`
	Created      time.Time       `db:"created"`
	LastModified time.Time       `db:"last_modified"`
}

type holdingRow struct {
	StockSymbol string          `db:"stock_symbol"`
	Quantity    int64           `db:"quantity"`
	CostBasis   decimal.Decimal `db:"cost_basis"`
}

// AccountStore is the PostgreSQL account repository. Holdings live in
// their own table; portfolio changes lock the account row.
type AccountStore struct {
	*DB
}

var _ account.Repository = (*AccountStore)(nil)

func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{DB: db}
}

func (s *AccountStore) Get(ctx context.Context, id string) (*account.Account, error) {
	return s.load(ctx, s.pool, id, false)
}

// load reads an account and its holdings through q.
func (s *AccountStore) load(ctx context.Context, q pgxscan.Querier, id string, forUpdate bool) (*account.Account, error) {
	query := `SELECT id, balance, created, last_modified FROM accounts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row accountRow
	if err := pgxscan.Get(ctx, q, &row, query, id); err != nil {
		if pgxscan.NotFound(err) {
			return nil, fmt.Errorf("%w: %s", account.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var holdings []holdingRow
	if err := pgxscan.Select(ctx, q, &holdings,
		`SELECT stock_symbol, quantity, cost_basis FROM holdings WHERE account_id = $1 ORDER BY stock_symbol`, id); err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}

	acc := &account.Account{
		ID:           row.ID,
		Balance:      row.Balance,
		Portfolio:    make([]account.Holding, 0, len(holdings)),
		CreatedAt:    row.Created.UTC(),
		LastModified: row.LastModified.UTC(),
	}
	for _, h := range holdings {
		acc.Portfolio = append(acc.Portfolio, account.Holding{Symbol: h.StockSymbol, Quantity: h.Quantity, CostBasis: h.CostBasis})
	}
	return acc, nil
}

func (s *AccountStore) Create(ctx context.Context, id string, balance decimal.Decimal) (*account.Account, error) {
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, balance, created, last_modified) VALUES ($1, $2, $3, $3)`, id, balance, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", account.ErrExists, id)
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account.NewAccount(id, balance, now), nil
}

func (s *AccountStore) IncrementBalance(ctx context.Context, id string, amount decimal.Decimal) (*account.Account, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2, last_modified = $3 WHERE id = $1`, id, amount, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to increment balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", account.ErrNotFound, id)
	}
	return s.Get(ctx, id)
}

// IncrementPortfolioQuantity applies the holding change under a row lock on
// the account, using the same rules as account.ApplyHoldingDelta.
func (s *AccountStore) IncrementPortfolioQuantity(ctx context.Context, id, symbol string, delta int64, price decimal.Decimal) (*account.Account, error) {
	var acc *account.Account
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		if acc, err = s.load(ctx, tx, id, true); err != nil {
			return err
		}
		now := s.clock.Now()
		if err := acc.ApplyHoldingDelta(symbol, delta, price, now); err != nil {
			return err
		}

		if h, ok := acc.Holding(symbol); ok {
			_, err = tx.Exec(ctx,
				`INSERT INTO holdings (account_id, stock_symbol, quantity, cost_basis) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (account_id, stock_symbol) DO UPDATE SET quantity = EXCLUDED.quantity, cost_basis = EXCLUDED.cost_basis`,
				id, symbol, h.Quantity, h.CostBasis)
		} else {
			_, err = tx.Exec(ctx, `DELETE FROM holdings WHERE account_id = $1 AND stock_symbol = $2`, id, symbol)
		}
		if err != nil {
			return fmt.Errorf("failed to write holding: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE accounts SET last_modified = $2 WHERE id = $1`, id, now); err != nil {
			return fmt.Errorf("failed to touch account: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// MarkApplied records tradeID as settled. It reports false when the trade
// was already recorded.
func (s *AccountStore) MarkApplied(ctx context.Context, tradeID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO settled_trades (trade_id, settled_at) VALUES ($1, $2) ON CONFLICT (trade_id) DO NOTHING`,
		tradeID, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to record settled trade: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
