package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockmatch/pkg/order"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

// OrderStore is the Pebble order repository.
// Thread-safe: every read-modify-write runs under mu and commits one batch,
// so concurrent decrements from matching and cancellation never interleave.
type OrderStore struct {
	db    *DB
	clock util.Clock

	mu  sync.Mutex
	seq uint64
}

var _ order.Repository = (*OrderStore)(nil)

func NewOrderStore(db *DB, clock util.Clock) (*OrderStore, error) {
	s := &OrderStore{db: db, clock: clock}
	val, ok, err := db.get([]byte(keyOrderSeq))
	if err != nil {
		return nil, storageErr("load order sequence", err)
	}
	if ok {
		if s.seq, err = decodeSeq(val); err != nil {
			return nil, storageErr("decode order sequence", err)
		}
	}
	return s, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", order.ErrStorage, op, err)
}

// Save persists o as a new open order and assigns its ID, Seq and timestamps.
func (s *OrderStore) Save(_ context.Context, o *order.Order) (string, error) {
	if strings.ContainsRune(o.Symbol, ':') || o.Symbol == "" {
		return "", fmt.Errorf("invalid symbol %q", o.Symbol)
	}
	if o.Quantity < 0 {
		return "", order.ErrNegativeQuantity
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate order id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	o.ID = id.String()
	o.Seq = s.seq + 1
	o.Status = order.Open
	o.CreatedAt = now
	o.LastModified = now

	b := s.db.db.NewBatch()
	defer b.Close()
	if err := putOrder(b, o); err != nil {
		return "", err
	}
	if err := b.Set(orderIDKey(o.ID), encodeSeq(o.Seq), nil); err != nil {
		return "", storageErr("index order id", err)
	}
	if err := b.Set(openKey(o.Symbol, o.Side, o.Seq), nil, nil); err != nil {
		return "", storageErr("index open order", err)
	}
	if err := b.Set([]byte(keyOrderSeq), encodeSeq(o.Seq), nil); err != nil {
		return "", storageErr("advance order sequence", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return "", storageErr("save order", err)
	}
	s.seq = o.Seq
	return o.ID, nil
}

func putOrder(b *pebble.Batch, o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := b.Set(orderKey(o.Seq), data, nil); err != nil {
		return storageErr("write order", err)
	}
	return nil
}

func (s *OrderStore) Get(_ context.Context, id string) (*order.Order, error) {
	return s.loadByID(id)
}

func (s *OrderStore) loadByID(id string) (*order.Order, error) {
	val, ok, err := s.db.get(orderIDKey(id))
	if err != nil {
		return nil, storageErr("get order id", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	seq, err := decodeSeq(val)
	if err != nil {
		return nil, storageErr("decode order seq", err)
	}
	o, err := s.loadBySeq(seq)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o, nil
}

// loadBySeq returns nil if the order doesn't exist
func (s *OrderStore) loadBySeq(seq uint64) (*order.Order, error) {
	val, ok, err := s.db.get(orderKey(seq))
	if err != nil {
		return nil, storageErr("get order", err)
	}
	if !ok {
		return nil, nil
	}
	var o order.Order
	if err := json.Unmarshal(val, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

// List scans orders newest-first and returns one page of the matches.
func (s *OrderStore) List(_ context.Context, f order.Filter, p order.Page) (*order.ListResult, error) {
	p = p.Normalize()
	iter, err := s.db.prefixIter([]byte(prefixOrder))
	if err != nil {
		return nil, storageErr("open order iterator", err)
	}
	defer iter.Close()

	start, end := p.Offset(), p.Offset()+p.Size
	var (
		total int
		page  []*order.Order
	)
	for iter.Last(); iter.Valid(); iter.Prev() {
		var o order.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		if !f.Match(&o) {
			continue
		}
		if total >= start && total < end {
			page = append(page, &o)
		}
		total++
	}
	if err := iter.Error(); err != nil {
		return nil, storageErr("scan orders", err)
	}
	return order.NewListResult(page, total, p), nil
}

// UpdateQuantity atomically adds delta to the remaining quantity of an
// open order.
func (s *OrderStore) UpdateQuantity(_ context.Context, id string, delta int64) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.loadByID(id)
	if err != nil {
		return nil, err
	}
	if !o.IsOpen() {
		return nil, fmt.Errorf("%w: order %s is %s", order.ErrNotOpen, id, o.Status)
	}
	if o.Quantity+delta < 0 {
		return nil, fmt.Errorf("%w: order %s has %d, delta %d", order.ErrNegativeQuantity, id, o.Quantity, delta)
	}
	o.Quantity += delta
	o.LastModified = s.clock.Now()

	b := s.db.db.NewBatch()
	defer b.Close()
	if err := putOrder(b, o); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, storageErr("update order quantity", err)
	}
	return o, nil
}

// UpdateStatus moves an order to status. Only open -> complete is allowed,
// and only once the remaining quantity is zero.
func (s *OrderStore) UpdateStatus(_ context.Context, id string, status order.Status) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.loadByID(id)
	if err != nil {
		return nil, err
	}
	if o.Status == status {
		return o, nil
	}
	if o.Status != order.Open || status != order.Complete {
		return nil, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, o.Status, status)
	}
	if o.Quantity != 0 {
		return nil, fmt.Errorf("%w: order %s still has quantity %d", order.ErrInvalidTransition, id, o.Quantity)
	}
	o.Status = status
	o.LastModified = s.clock.Now()

	b := s.db.db.NewBatch()
	defer b.Close()
	if err := putOrder(b, o); err != nil {
		return nil, err
	}
	if err := b.Delete(openKey(o.Symbol, o.Side, o.Seq), nil); err != nil {
		return nil, storageErr("unindex open order", err)
	}
	if err := b.Set(doneKey(o.LastModified.UnixNano(), o.Seq), nil, nil); err != nil {
		return nil, storageErr("index completed order", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, storageErr("update order status", err)
	}
	return o, nil
}

// DeleteCompletedOlderThan removes completed orders last modified before cutoff.
func (s *OrderStore) DeleteCompletedOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte(prefixDone)
	iter, err := s.db.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: []byte(fmt.Sprintf("%s%020d", prefixDone, cutoff.UnixNano())),
	})
	if err != nil {
		return 0, storageErr("open completed iterator", err)
	}
	defer iter.Close()

	b := s.db.db.NewBatch()
	defer b.Close()
	deleted := 0
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := seqFromDoneKey(iter.Key())
		if err != nil {
			return 0, storageErr("parse completed index", err)
		}
		o, err := s.loadBySeq(seq)
		if err != nil {
			return 0, err
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return 0, storageErr("unindex completed order", err)
		}
		if o == nil {
			continue
		}
		if err := deleteOrder(b, o); err != nil {
			return 0, err
		}
		deleted++
	}
	if err := iter.Error(); err != nil {
		return 0, storageErr("scan completed orders", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, storageErr("delete completed orders", err)
	}
	return deleted, nil
}

func deleteOrder(b *pebble.Batch, o *order.Order) error {
	if err := b.Delete(orderKey(o.Seq), nil); err != nil {
		return storageErr("delete order", err)
	}
	if err := b.Delete(orderIDKey(o.ID), nil); err != nil {
		return storageErr("delete order id", err)
	}
	if err := b.Delete(openKey(o.Symbol, o.Side, o.Seq), nil); err != nil {
		return storageErr("unindex open order", err)
	}
	return nil
}

// DistinctOpenSymbols lists the symbols having at least one open order,
// in lexicographic order.
func (s *OrderStore) DistinctOpenSymbols(_ context.Context) ([]string, error) {
	iter, err := s.db.prefixIter([]byte(prefixOpen))
	if err != nil {
		return nil, storageErr("open symbol iterator", err)
	}
	defer iter.Close()

	var symbols []string
	for valid := iter.First(); valid; {
		sym, ok := symbolFromOpenKey(iter.Key())
		if !ok {
			valid = iter.Next()
			continue
		}
		symbols = append(symbols, sym)
		// skip the rest of this symbol
		valid = iter.SeekGE(keyUpperBound([]byte(prefixOpen + sym + ":")))
	}
	if err := iter.Error(); err != nil {
		return nil, storageErr("scan open symbols", err)
	}
	return symbols, nil
}

// OpenOrders returns the open orders of one symbol and side, oldest first.
func (s *OrderStore) OpenOrders(_ context.Context, symbol string, side order.Side) ([]*order.Order, error) {
	iter, err := s.db.prefixIter(openPrefix(symbol, side))
	if err != nil {
		return nil, storageErr("open order iterator", err)
	}
	defer iter.Close()

	var out []*order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := seqFromOpenKey(iter.Key())
		if err != nil {
			return nil, storageErr("parse open index", err)
		}
		o, err := s.loadBySeq(seq)
		if err != nil {
			return nil, err
		}
		if o != nil && o.IsOpen() {
			out = append(out, o)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, storageErr("scan open orders", err)
	}
	return out, nil
}

// Delete removes an order and its indexes.
func (s *OrderStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.loadByID(id)
	if err != nil {
		return err
	}
	b := s.db.db.NewBatch()
	defer b.Close()
	if err := deleteOrder(b, o); err != nil {
		return err
	}
	if o.Status == order.Complete {
		if err := b.Delete(doneKey(o.LastModified.UnixNano(), o.Seq), nil); err != nil {
			return storageErr("unindex completed order", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return storageErr("delete order", err)
	}
	return nil
}

// Amend replaces the quantity and price of an open order.
func (s *OrderStore) Amend(_ context.Context, id string, quantity int64, price decimal.Decimal) (*order.Order, error) {
	if quantity < 0 {
		return nil, order.ErrNegativeQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.loadByID(id)
	if err != nil {
		return nil, err
	}
	if !o.IsOpen() {
		return nil, fmt.Errorf("%w: %s", order.ErrNotOpen, id)
	}
	o.Quantity = quantity
	o.Price = price
	o.LastModified = s.clock.Now()

	b := s.db.db.NewBatch()
	defer b.Close()
	if err := putOrder(b, o); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, storageErr("amend order", err)
	}
	return o, nil
}
