// Package matching crosses resting orders, at most one pair per symbol per
// pass, and publishes the resulting trades.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/broker"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
	"github.com/uhyunpark/stockmatch/pkg/order"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

// ErrSymbolBusy is returned when another pass in this process holds the symbol.
var ErrSymbolBusy = errors.New("symbol is being matched")

// PriceRecorder receives execution prices.
type PriceRecorder interface {
	RecordPrice(symbol string, price decimal.Decimal, at time.Time)
}

type Engine struct {
	orders  order.Repository
	pub     broker.Publisher
	prices  PriceRecorder
	clock   util.Clock
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	muLocks sync.Mutex
	locks   map[string]*sync.Mutex

	muHooks sync.RWMutex
	onTrade []func(order.Trade)
}

type Config struct {
	Orders    order.Repository
	Publisher broker.Publisher
	// Prices is optional.
	Prices  PriceRecorder
	Clock   util.Clock
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
}

func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Engine{
		orders:  cfg.Orders,
		pub:     cfg.Publisher,
		prices:  cfg.Prices,
		clock:   clock,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// OnTrade registers fn to be called after each published trade.
func (e *Engine) OnTrade(fn func(order.Trade)) {
	e.muHooks.Lock()
	defer e.muHooks.Unlock()
	e.onTrade = append(e.onTrade, fn)
}

// SymbolFailure is a symbol whose match sequence stopped on an error.
type SymbolFailure struct {
	Symbol string `json:"stock_symbol"`
	Error  string `json:"error"`
}

// PassResult summarizes one matching pass.
type PassResult struct {
	Symbols  int             `json:"symbols"`
	Trades   []order.Trade   `json:"trades"`
	Failures []SymbolFailure `json:"failures,omitempty"`
}

// RunPass examines every symbol with open orders and executes at most one
// trade per symbol. Failures are logged and reported; they never stop the
// pass.
func (e *Engine) RunPass(ctx context.Context) PassResult {
	defer e.metrics.StartMatchPass()()

	res := PassResult{Trades: []order.Trade{}}
	symbols, err := e.orders.DistinctOpenSymbols(ctx)
	if err != nil {
		e.log.Errorw("match_pass_failed", "err", err)
		res.Failures = append(res.Failures, SymbolFailure{Error: err.Error()})
		return res
	}
	res.Symbols = len(symbols)

	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		trade, err := e.MatchSymbol(ctx, sym)
		switch {
		case errors.Is(err, ErrSymbolBusy):
			e.log.Infow("match_symbol_skipped", "symbol", sym, "reason", "busy")
		case err != nil:
			res.Failures = append(res.Failures, SymbolFailure{Symbol: sym, Error: err.Error()})
		case trade != nil:
			res.Trades = append(res.Trades, *trade)
		}
	}
	e.log.Infow("match_pass_done", "symbols", res.Symbols, "trades", len(res.Trades), "failures", len(res.Failures))
	return res
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.muLocks.Lock()
	defer e.muLocks.Unlock()
	l, ok := e.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.locks[symbol] = l
	}
	return l
}

// MatchSymbol executes at most one trade for symbol. It returns nil, nil
// when no pair crosses.
func (e *Engine) MatchSymbol(ctx context.Context, symbol string) (*order.Trade, error) {
	l := e.symbolLock(symbol)
	if !l.TryLock() {
		return nil, ErrSymbolBusy
	}
	defer l.Unlock()

	sells, err := e.orders.OpenOrders(ctx, symbol, order.Sell)
	if err != nil {
		e.log.Errorw("load_open_orders_failed", "symbol", symbol, "side", "SELL", "err", err)
		return nil, err
	}
	if len(sells) == 0 {
		return nil, nil
	}
	buys, err := e.orders.OpenOrders(ctx, symbol, order.Buy)
	if err != nil {
		e.log.Errorw("load_open_orders_failed", "symbol", symbol, "side", "BUY", "err", err)
		return nil, err
	}

	sell, buy := selectPair(sells, buys)
	if sell == nil {
		return nil, nil
	}
	return e.execute(ctx, symbol, sell, buy)
}

// execute applies one trade. A failure stops the sequence; quantities
// already decremented are left as they are.
func (e *Engine) execute(ctx context.Context, symbol string, sell, buy *order.Order) (*order.Trade, error) {
	qty := min(sell.Quantity, buy.Quantity)
	price := decimal.Min(sell.Price, buy.Price)

	sellAfter, err := e.orders.UpdateQuantity(ctx, sell.ID, -qty)
	if err != nil {
		e.log.Errorw("order_decrement_failed", "symbol", symbol, "order_id", sell.ID, "quantity", qty, "err", err)
		return nil, fmt.Errorf("decrement sell %s: %w", sell.ID, err)
	}
	buyAfter, err := e.orders.UpdateQuantity(ctx, buy.ID, -qty)
	if err != nil {
		e.log.Errorw("order_decrement_failed", "symbol", symbol, "order_id", buy.ID, "quantity", qty, "err", err,
			"sell_order_decremented", sell.ID)
		return nil, fmt.Errorf("decrement buy %s: %w", buy.ID, err)
	}
	for _, o := range []*order.Order{sellAfter, buyAfter} {
		if o.Quantity != 0 {
			continue
		}
		if _, err := e.orders.UpdateStatus(ctx, o.ID, order.Complete); err != nil {
			e.log.Errorw("order_complete_failed", "symbol", symbol, "order_id", o.ID, "err", err)
			return nil, fmt.Errorf("complete order %s: %w", o.ID, err)
		}
		e.log.Infow("order_completed", "symbol", symbol, "order_id", o.ID, "side", o.Side.String())
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate trade id: %w", err)
	}
	trade := order.Trade{
		ID:          id.String(),
		Symbol:      symbol,
		Price:       price,
		Quantity:    qty,
		SellerID:    sell.Owner,
		BuyerID:     buy.Owner,
		SellOrderID: sell.ID,
		BuyOrderID:  buy.ID,
		MatchedAt:   e.clock.Now(),
	}

	data, err := json.Marshal(trade)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trade: %w", err)
	}
	msgID, err := e.pub.Publish(ctx, broker.TopicTrades, data)
	if err != nil {
		// orders are already decremented; the log line is the only record
		e.log.Errorw("trade_publish_failed", "trade", string(data), "err", err)
		return nil, fmt.Errorf("publish trade %s: %w", trade.ID, err)
	}

	e.metrics.TradeMatched(symbol, qty)
	if e.prices != nil {
		e.prices.RecordPrice(symbol, price, trade.MatchedAt)
	}
	e.log.Infow("trade_published",
		"trade_id", trade.ID,
		"message_id", msgID,
		"symbol", symbol,
		"price", price.String(),
		"quantity", qty,
		"seller", sell.Owner,
		"buyer", buy.Owner,
	)

	e.muHooks.RLock()
	hooks := e.onTrade
	e.muHooks.RUnlock()
	for _, fn := range hooks {
		fn(trade)
	}
	return &trade, nil
}
