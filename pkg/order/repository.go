package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository is the order store. Quantity and status updates are atomic
// with respect to other callers of the same store.
type Repository interface {
	Save(ctx context.Context, o *Order) (string, error)
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, f Filter, p Page) (*ListResult, error)
	UpdateQuantity(ctx context.Context, id string, delta int64) (*Order, error)
	UpdateStatus(ctx context.Context, id string, status Status) (*Order, error)
	DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	DistinctOpenSymbols(ctx context.Context) ([]string, error)
	OpenOrders(ctx context.Context, symbol string, side Side) ([]*Order, error)
	Delete(ctx context.Context, id string) error
	Amend(ctx context.Context, id string, quantity int64, price decimal.Decimal) (*Order, error)
}

// Filter narrows List. Zero values match everything; From and To bound
// CreatedAt inclusively.
type Filter struct {
	Status *Status
	Side   *Side
	Symbol string
	Owner  string
	From   time.Time
	To     time.Time
}

func (f Filter) Match(o *Order) bool {
	if f.Status != nil && o.Status != *f.Status {
		return false
	}
	if f.Side != nil && o.Side != *f.Side {
		return false
	}
	if f.Symbol != "" && o.Symbol != NormalizeSymbol(f.Symbol) {
		return false
	}
	if f.Owner != "" && o.Owner != f.Owner {
		return false
	}
	if !f.From.IsZero() && o.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && o.CreatedAt.After(f.To) {
		return false
	}
	return true
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps a page request to valid bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of records preceding the page.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// ListResult is one page of orders, newest first.
type ListResult struct {
	Orders       []*Order `json:"orders"`
	TotalRecords int      `json:"total_records"`
	TotalPages   int      `json:"total_pages"`
	Page         int      `json:"page"`
	PageSize     int      `json:"page_size"`
}

// NewListResult fills the pagination totals for a page of a larger result.
func NewListResult(orders []*Order, total int, p Page) *ListResult {
	pages := 0
	if total > 0 {
		pages = (total + p.Size - 1) / p.Size
	}
	if orders == nil {
		orders = []*Order{}
	}
	return &ListResult{
		Orders:       orders,
		TotalRecords: total,
		TotalPages:   pages,
		Page:         p.Number,
		PageSize:     p.Size,
	}
}
