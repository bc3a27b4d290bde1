package matching

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/broker"
	"github.com/uhyunpark/stockmatch/pkg/market"
	"github.com/uhyunpark/stockmatch/pkg/order"
	"github.com/uhyunpark/stockmatch/pkg/storage"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

type testEngine struct {
	*Engine
	orders *storage.OrderStore
	bus    *broker.Memory
	prices *market.Registry
}

func getTestEngine(t *testing.T) *testEngine {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := util.NewManualClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	orders, err := storage.NewOrderStore(db, clock)
	require.NoError(t, err)
	bus := broker.NewMemory(64, nil)
	t.Cleanup(func() { bus.Close() })
	prices, err := market.ParseSeed("AAPL:1,MSFT:1")
	require.NoError(t, err)

	e := NewEngine(Config{
		Orders:    orders,
		Publisher: bus,
		Prices:    prices,
		Clock:     clock,
		Logger:    zap.NewNop().Sugar(),
	})
	return &testEngine{Engine: e, orders: orders, bus: bus, prices: prices}
}

func (te *testEngine) place(t *testing.T, owner, symbol string, side order.Side, qty int64, price string) *order.Order {
	t.Helper()
	o := &order.Order{Owner: owner, Symbol: symbol, Side: side, Quantity: qty, Price: decimal.RequireFromString(price)}
	_, err := te.orders.Save(context.Background(), o)
	require.NoError(t, err)
	return o
}

func (te *testEngine) get(t *testing.T, id string) *order.Order {
	t.Helper()
	o, err := te.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

// publishedTrades drains the trades topic.
func (te *testEngine) publishedTrades(t *testing.T) []order.Trade {
	t.Helper()
	n := te.bus.Pending(broker.TopicTrades)
	if n == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan order.Trade, n)
	go te.bus.Subscribe(ctx, broker.TopicTrades, func(_ context.Context, m broker.Message) error {
		tr, err := order.DecodeTrade(m.Data)
		if err != nil {
			return err
		}
		out <- tr
		return nil
	})
	trades := make([]order.Trade, 0, n)
	for i := 0; i < n; i++ {
		select {
		case tr := <-out:
			trades = append(trades, tr)
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d trades delivered", i, n)
		}
	}
	return trades
}

func TestMatchPartialFill(t *testing.T) {
	te := getTestEngine(t)
	sell := te.place(t, "seller", "AAPL", order.Sell, 10, "100")
	buy := te.place(t, "buyer", "AAPL", order.Buy, 15, "120")

	res := te.RunPass(context.Background())
	require.Len(t, res.Trades, 1)
	assert.Empty(t, res.Failures)

	tr := res.Trades[0]
	assert.Equal(t, "100", tr.Price.String())
	assert.Equal(t, int64(10), tr.Quantity)
	assert.Equal(t, "seller", tr.SellerID)
	assert.Equal(t, "buyer", tr.BuyerID)
	assert.Equal(t, sell.ID, tr.SellOrderID)
	assert.Equal(t, buy.ID, tr.BuyOrderID)

	s := te.get(t, sell.ID)
	assert.Equal(t, int64(0), s.Quantity)
	assert.Equal(t, order.Complete, s.Status)
	b := te.get(t, buy.ID)
	assert.Equal(t, int64(5), b.Quantity)
	assert.Equal(t, order.Open, b.Status)

	published := te.publishedTrades(t)
	require.Len(t, published, 1)
	assert.Equal(t, tr.ID, published[0].ID)

	p, err := te.prices.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "100", p.String(), "execution price is recorded")
}

func TestMatchOneTradePerSymbolPerPass(t *testing.T) {
	te := getTestEngine(t)
	ctx := context.Background()
	te.place(t, "s1", "AAPL", order.Sell, 5, "10")
	te.place(t, "s2", "AAPL", order.Sell, 5, "11")
	te.place(t, "b1", "AAPL", order.Buy, 10, "12")
	te.place(t, "s3", "MSFT", order.Sell, 1, "300")
	te.place(t, "b3", "MSFT", order.Buy, 1, "301")

	res := te.RunPass(ctx)
	assert.Equal(t, 2, res.Symbols)
	require.Len(t, res.Trades, 2, "one trade for AAPL and one for MSFT")

	res = te.RunPass(ctx)
	require.Len(t, res.Trades, 1, "remaining AAPL quantity is matched on the next pass")
	assert.Equal(t, "s2", res.Trades[0].SellerID)
	assert.Equal(t, "11", res.Trades[0].Price.String())

	res = te.RunPass(ctx)
	assert.Empty(t, res.Trades)
	assert.Equal(t, 0, res.Symbols)
}

func TestMatchBothCompleteOnEqualQuantity(t *testing.T) {
	te := getTestEngine(t)
	sell := te.place(t, "a", "AAPL", order.Sell, 7, "10")
	buy := te.place(t, "b", "AAPL", order.Buy, 7, "10.01")

	res := te.RunPass(context.Background())
	require.Len(t, res.Trades, 1)
	assert.Equal(t, order.Complete, te.get(t, sell.ID).Status)
	assert.Equal(t, order.Complete, te.get(t, buy.ID).Status)
}

func TestMatchRequiresStrictCross(t *testing.T) {
	te := getTestEngine(t)
	te.place(t, "a", "AAPL", order.Sell, 7, "10")
	te.place(t, "b", "AAPL", order.Buy, 7, "10")
	te.place(t, "c", "AAPL", order.Buy, 7, "9")

	res := te.RunPass(context.Background())
	assert.Empty(t, res.Trades)
}

func TestMatchSelfTradeAvoidance(t *testing.T) {
	te := getTestEngine(t)
	// x is both the cheapest seller and the oldest crossable buyer
	te.place(t, "x", "AAPL", order.Sell, 10, "90")
	other := te.place(t, "y", "AAPL", order.Sell, 10, "100")
	oldest := te.place(t, "x", "AAPL", order.Buy, 10, "110")
	te.place(t, "z", "AAPL", order.Buy, 10, "110")

	res := te.RunPass(context.Background())
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.NotEqual(t, tr.SellerID, tr.BuyerID)
	assert.Equal(t, other.ID, tr.SellOrderID)
	assert.Equal(t, oldest.ID, tr.BuyOrderID)
	assert.Equal(t, "100", tr.Price.String())
}

func TestMatchSellerPricedAboveBuyer(t *testing.T) {
	te := getTestEngine(t)
	te.place(t, "b", "AAPL", order.Sell, 5, "90")
	sell := te.place(t, "s", "AAPL", order.Sell, 5, "120")
	buy := te.place(t, "b", "AAPL", order.Buy, 5, "100")

	res := te.RunPass(context.Background())
	require.Len(t, res.Trades, 1)
	assert.Empty(t, res.Failures)
	tr := res.Trades[0]
	assert.Equal(t, sell.ID, tr.SellOrderID)
	assert.Equal(t, buy.ID, tr.BuyOrderID)
	assert.Equal(t, "100", tr.Price.String())
	assert.Equal(t, int64(5), tr.Quantity)
	assert.Equal(t, order.Complete, te.get(t, sell.ID).Status)
	assert.Equal(t, order.Complete, te.get(t, buy.ID).Status)
}

func TestMatchNoCounterpartyButSelf(t *testing.T) {
	te := getTestEngine(t)
	te.place(t, "x", "AAPL", order.Sell, 10, "90")
	te.place(t, "x", "AAPL", order.Buy, 10, "110")

	res := te.RunPass(context.Background())
	assert.Empty(t, res.Trades)
	assert.Empty(t, res.Failures)
}

func TestMatchSkipsOneSidedBooks(t *testing.T) {
	te := getTestEngine(t)
	te.place(t, "a", "AAPL", order.Buy, 1, "10")
	te.place(t, "b", "MSFT", order.Sell, 1, "10")

	res := te.RunPass(context.Background())
	assert.Equal(t, 2, res.Symbols)
	assert.Empty(t, res.Trades)
}

func TestMatchSymbolBusy(t *testing.T) {
	te := getTestEngine(t)
	te.place(t, "a", "AAPL", order.Sell, 1, "10")
	te.place(t, "b", "AAPL", order.Buy, 1, "11")

	l := te.symbolLock("AAPL")
	l.Lock()
	_, err := te.MatchSymbol(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrSymbolBusy)

	res := te.RunPass(context.Background())
	assert.Empty(t, res.Trades)
	assert.Empty(t, res.Failures, "a busy symbol is skipped, not failed")
	l.Unlock()

	res = te.RunPass(context.Background())
	assert.Len(t, res.Trades, 1)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, string, []byte) (string, error) {
	p.calls++
	return "", errors.New("channel down")
}

func TestMatchPublishFailureKeepsDecrements(t *testing.T) {
	te := getTestEngine(t)
	pub := &failingPublisher{}
	te.pub = pub
	sell := te.place(t, "a", "AAPL", order.Sell, 4, "10")
	buy := te.place(t, "b", "AAPL", order.Buy, 6, "11")

	res := te.RunPass(context.Background())
	assert.Empty(t, res.Trades)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "AAPL", res.Failures[0].Symbol)
	assert.Equal(t, 1, pub.calls)

	assert.Equal(t, int64(0), te.get(t, sell.ID).Quantity)
	assert.Equal(t, int64(2), te.get(t, buy.ID).Quantity)
}

func TestOnTradeHook(t *testing.T) {
	te := getTestEngine(t)
	var seen []string
	te.OnTrade(func(tr order.Trade) { seen = append(seen, fmt.Sprintf("%s:%d", tr.Symbol, tr.Quantity)) })
	te.place(t, "a", "AAPL", order.Sell, 3, "10")
	te.place(t, "b", "AAPL", order.Buy, 3, "11")

	te.RunPass(context.Background())
	assert.Equal(t, []string{"AAPL:3"}, seen)
}

func TestSchedulerRunsPasses(t *testing.T) {
	te := getTestEngine(t)
	te.place(t, "a", "AAPL", order.Sell, 3, "10")
	te.place(t, "b", "AAPL", order.Buy, 1, "11")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewScheduler(te.Engine, 10*time.Millisecond, util.RealClock{}, zap.NewNop().Sugar())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return te.bus.Pending(broker.TopicTrades) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestSchedulerDisabled(t *testing.T) {
	s := NewScheduler(nil, 0, nil, zap.NewNop().Sugar())
	assert.NoError(t, s.Run(context.Background()))
}
