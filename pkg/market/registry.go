package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Registry manages listed instruments in a thread-safe manner.
// It is the default DataSource: a symbol is tradable while registered and
// active, and its price is the last execution price (or the listing price).
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument // symbol -> instrument
	onUpdate    []func(symbol string)
}

var _ DataSource = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{instruments: make(map[string]*Instrument)}
}

// ParseSeed builds a registry from "SYM:price,SYM:price".
func ParseSeed(seed string) (*Registry, error) {
	r := NewRegistry()
	for _, part := range strings.Split(seed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, priceStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid market entry %q (want SYMBOL:PRICE)", part)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(priceStr))
		if err != nil {
			return nil, fmt.Errorf("invalid price for %s: %w", sym, err)
		}
		if err := r.Register(sym, price); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register lists a new instrument.
// Returns error if the symbol is already listed
func (r *Registry) Register(symbol string, price decimal.Decimal) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || strings.ContainsRune(symbol, ':') {
		return fmt.Errorf("invalid symbol %q", symbol)
	}
	if !price.IsPositive() {
		return fmt.Errorf("listing price for %s must be positive", symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[symbol]; exists {
		return fmt.Errorf("instrument %s already registered", symbol)
	}
	r.instruments[symbol] = &Instrument{Symbol: symbol, LastPrice: price, Status: Active, UpdatedAt: time.Now().UTC()}
	return nil
}

// Get returns a copy of the instrument.
func (r *Registry) Get(symbol string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.instruments[symbol]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return *in, nil
}

// List returns all instruments sorted by symbol.
func (r *Registry) List() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.instruments[symbol]
	return exists
}

// OnUpdate registers fn to run after a status or price change.
// Not safe to call concurrently with updates; register during setup.
func (r *Registry) OnUpdate(fn func(symbol string)) {
	r.onUpdate = append(r.onUpdate, fn)
}

func (r *Registry) notify(symbol string) {
	for _, fn := range r.onUpdate {
		fn(symbol)
	}
}

// SetStatus halts or resumes trading in symbol.
func (r *Registry) SetStatus(symbol string, status Status) error {
	r.mu.Lock()
	in, ok := r.instruments[symbol]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	in.Status = status
	in.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.notify(symbol)
	return nil
}

// RecordPrice stores the last execution price of symbol.
func (r *Registry) RecordPrice(symbol string, price decimal.Decimal, at time.Time) {
	r.mu.Lock()
	in, ok := r.instruments[symbol]
	if ok {
		in.LastPrice = price
		in.UpdatedAt = at
	}
	r.mu.Unlock()

	if ok {
		r.notify(symbol)
	}
}

func (r *Registry) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	in, err := r.Get(symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return in.LastPrice, nil
}

func (r *Registry) IsTradable(_ context.Context, symbol string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instruments[symbol]
	return ok && in.Status == Active, nil
}
