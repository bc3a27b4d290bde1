package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/pgxscan"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockmatch/pkg/order"
)

const orderColumns = `seq, id, created_by, stock_symbol, order_type, quantity, price, status, created, last_modified`

type orderRow struct {
	Seq          int64           `db:"seq"`
	ID           string          `db:"id"`
	CreatedBy    string          `db:"created_by"`
	StockSymbol  string          `db:"stock_symbol"`
	OrderType    string          `db:"order_type"`
	Quantity     int64           `db:"quantity"`
	Price        decimal.Decimal `db:"price"`
	Status       string          `db:"status"`
	Created      time.Time       `db:"created"`
	LastModified time.Time       `db:"last_modified"`
}

func (r orderRow) toOrder() (*order.Order, error) {
	side, err := order.ParseSide(r.OrderType)
	if err != nil {
		return nil, err
	}
	status, err := order.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &order.Order{
		ID:           r.ID,
		Seq:          uint64(r.Seq),
		Owner:        r.CreatedBy,
		Symbol:       r.StockSymbol,
		Side:         side,
		Quantity:     r.Quantity,
		Price:        r.Price,
		Status:       status,
		CreatedAt:    r.Created.UTC(),
		LastModified: r.LastModified.UTC(),
	}, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", order.ErrStorage, op, err)
}

// OrderStore is the PostgreSQL order repository. Each mutation is a single
// conditional statement, so concurrent updates from several processes stay
// consistent.
type OrderStore struct {
	*DB
}

var _ order.Repository = (*OrderStore)(nil)

func NewOrderStore(db *DB) *OrderStore {
	return &OrderStore{DB: db}
}

func (s *OrderStore) queryOne(ctx context.Context, op, query string, args ...interface{}) (*order.Order, bool, error) {
	var row orderRow
	if err := pgxscan.Get(ctx, s.pool, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, false, nil
		}
		return nil, false, storageErr(op, err)
	}
	o, err := row.toOrder()
	if err != nil {
		return nil, false, storageErr(op, err)
	}
	return o, true, nil
}

func (s *OrderStore) queryMany(ctx context.Context, op, query string, args ...interface{}) ([]*order.Order, error) {
	var rows []orderRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, storageErr(op, err)
	}
	out := make([]*order.Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOrder()
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *OrderStore) Save(ctx context.Context, o *order.Order) (string, error) {
	if o.Symbol == "" {
		return "", fmt.Errorf("invalid symbol %q", o.Symbol)
	}
	if o.Quantity < 0 {
		return "", order.ErrNegativeQuantity
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate order id: %w", err)
	}
	now := s.clock.Now()

	var seq int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO orders (id, created_by, stock_symbol, order_type, quantity, price, status, created, last_modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING seq`,
		id.String(), o.Owner, o.Symbol, o.Side.String(), o.Quantity, o.Price, order.Open.String(), now,
	).Scan(&seq)
	if err != nil {
		return "", storageErr("insert order", err)
	}
	o.ID = id.String()
	o.Seq = uint64(seq)
	o.Status = order.Open
	o.CreatedAt = now
	o.LastModified = now
	return o.ID, nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (*order.Order, error) {
	o, ok, err := s.queryOne(ctx, "get order",
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o, nil
}

func (s *OrderStore) List(ctx context.Context, f order.Filter, p order.Page) (*order.ListResult, error) {
	p = p.Normalize()

	args := []interface{}{}
	predicates := []string{}
	if f.Status != nil {
		predicates = append(predicates, "status = "+nextBindVar(&args, f.Status.String()))
	}
	if f.Side != nil {
		predicates = append(predicates, "order_type = "+nextBindVar(&args, f.Side.String()))
	}
	if f.Symbol != "" {
		predicates = append(predicates, "stock_symbol = "+nextBindVar(&args, order.NormalizeSymbol(f.Symbol)))
	}
	if f.Owner != "" {
		predicates = append(predicates, "created_by = "+nextBindVar(&args, f.Owner))
	}
	if !f.From.IsZero() {
		predicates = append(predicates, "created >= "+nextBindVar(&args, f.From))
	}
	if !f.To.IsZero() {
		predicates = append(predicates, "created <= "+nextBindVar(&args, f.To))
	}
	where := ""
	if len(predicates) > 0 {
		where = " WHERE " + strings.Join(predicates, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, storageErr("count orders", err)
	}
	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY seq DESC LIMIT %d OFFSET %d`,
		orderColumns, where, p.Size, p.Offset())
	orders, err := s.queryMany(ctx, "list orders", query, args...)
	if err != nil {
		return nil, err
	}
	return order.NewListResult(orders, total, p), nil
}

func (s *OrderStore) UpdateQuantity(ctx context.Context, id string, delta int64) (*order.Order, error) {
	o, ok, err := s.queryOne(ctx, "update order quantity",
		`UPDATE orders SET quantity = quantity + $2, last_modified = $3
		 WHERE id = $1 AND status = 'open' AND quantity + $2 >= 0
		 RETURNING `+orderColumns, id, delta, s.clock.Now())
	if err != nil || ok {
		return o, err
	}
	// no row matched: report why
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.IsOpen() {
		return nil, fmt.Errorf("%w: order %s is %s", order.ErrNotOpen, id, cur.Status)
	}
	return nil, fmt.Errorf("%w: order %s has %d, delta %d", order.ErrNegativeQuantity, id, cur.Quantity, delta)
}

func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status order.Status) (*order.Order, error) {
	if status == order.Complete {
		o, ok, err := s.queryOne(ctx, "update order status",
			`UPDATE orders SET status = 'complete', last_modified = $2
			 WHERE id = $1 AND status = 'open' AND quantity = 0
			 RETURNING `+orderColumns, id, s.clock.Now())
		if err != nil || ok {
			return o, err
		}
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == status {
		return cur, nil
	}
	if cur.Status != order.Open || status != order.Complete {
		return nil, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, cur.Status, status)
	}
	return nil, fmt.Errorf("%w: order %s still has quantity %d", order.ErrInvalidTransition, id, cur.Quantity)
}

func (s *OrderStore) DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM orders WHERE status = 'complete' AND last_modified < $1`, cutoff)
	if err != nil {
		return 0, storageErr("delete completed orders", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *OrderStore) DistinctOpenSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	if err := pgxscan.Select(ctx, s.pool, &symbols,
		`SELECT DISTINCT stock_symbol FROM orders WHERE status = 'open' ORDER BY stock_symbol`); err != nil {
		return nil, storageErr("list open symbols", err)
	}
	return symbols, nil
}

func (s *OrderStore) OpenOrders(ctx context.Context, symbol string, side order.Side) ([]*order.Order, error) {
	return s.queryMany(ctx, "list open orders",
		`SELECT `+orderColumns+` FROM orders
		 WHERE stock_symbol = $1 AND order_type = $2 AND status = 'open'
		 ORDER BY seq`, symbol, side.String())
}

func (s *OrderStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete order", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return nil
}

func (s *OrderStore) Amend(ctx context.Context, id string, quantity int64, price decimal.Decimal) (*order.Order, error) {
	if quantity < 0 {
		return nil, order.ErrNegativeQuantity
	}
	o, ok, err := s.queryOne(ctx, "amend order",
		`UPDATE orders SET quantity = $2, price = $3, last_modified = $4
		 WHERE id = $1 AND status = 'open'
		 RETURNING `+orderColumns, id, quantity, price, s.clock.Now())
	if err != nil || ok {
		return o, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", order.ErrNotOpen, id)
}
