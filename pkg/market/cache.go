package market

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
)

// Cached memoizes answers of a slower DataSource for ttl.
type Cached struct {
	src      DataSource
	prices   *expirable.LRU[string, decimal.Decimal]
	tradable *expirable.LRU[string, bool]
}

var _ DataSource = (*Cached)(nil)

func NewCached(src DataSource, size int, ttl time.Duration) *Cached {
	return &Cached{
		src:      src,
		prices:   expirable.NewLRU[string, decimal.Decimal](size, nil, ttl),
		tradable: expirable.NewLRU[string, bool](size, nil, ttl),
	}
}

func (c *Cached) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := c.prices.Get(symbol); ok {
		return p, nil
	}
	p, err := c.src.CurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	c.prices.Add(symbol, p)
	return p, nil
}

func (c *Cached) IsTradable(ctx context.Context, symbol string) (bool, error) {
	if ok, hit := c.tradable.Get(symbol); hit {
		return ok, nil
	}
	ok, err := c.src.IsTradable(ctx, symbol)
	if err != nil {
		return false, err
	}
	c.tradable.Add(symbol, ok)
	return ok, nil
}

// Invalidate drops cached answers for symbol.
func (c *Cached) Invalidate(symbol string) {
	c.prices.Remove(symbol)
	c.tradable.Remove(symbol)
}
