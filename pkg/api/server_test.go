package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/account"
	"github.com/uhyunpark/stockmatch/pkg/broker"
	"github.com/uhyunpark/stockmatch/pkg/housekeeping"
	"github.com/uhyunpark/stockmatch/pkg/intake"
	"github.com/uhyunpark/stockmatch/pkg/market"
	"github.com/uhyunpark/stockmatch/pkg/matching"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
	"github.com/uhyunpark/stockmatch/pkg/order"
	"github.com/uhyunpark/stockmatch/pkg/storage"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

type testServer struct {
	*Server
	http    *httptest.Server
	bus     *broker.Memory
	creator *intake.Creator
	orders  *storage.OrderStore
	clock   *util.ManualClock
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	log := zap.NewNop().Sugar()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := util.NewManualClock(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC))
	orders, err := storage.NewOrderStore(db, clock)
	require.NoError(t, err)
	accounts := storage.NewAccountStore(db, clock)
	bus := broker.NewMemory(64, log)
	t.Cleanup(func() { bus.Close() })
	registry, err := market.ParseSeed("AAPL:100,MSFT:400")
	require.NoError(t, err)
	m := metrics.New()

	engine := matching.NewEngine(matching.Config{
		Orders: orders, Publisher: bus, Prices: registry, Clock: clock, Metrics: m, Logger: log,
	})
	s := NewServer(Deps{
		Orders:   orders,
		Intake:   intake.NewService(registry, accounts, orders, bus, m, log),
		Matcher:  engine,
		Cleaner:  housekeeping.NewService(orders, clock, 5, 0, m, log),
		Accounts: account.NewManager(accounts, registry, decimal.NewFromInt(10000), log),
		Markets:  registry,
		Metrics:  m,
		Logger:   log,
	}, opts)
	engine.OnTrade(s.PublishTrade)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testServer{
		Server:  s,
		http:    ts,
		bus:     bus,
		creator: intake.NewCreator(orders, m, log),
		orders:  orders,
		clock:   clock,
	}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// createOrders runs every queued intake message through the creator.
func (ts *testServer) createOrders(t *testing.T) {
	t.Helper()
	n := ts.bus.Pending(broker.TopicOrders)
	if n == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{}, n)
	go ts.bus.Subscribe(ctx, broker.TopicOrders, func(ctx context.Context, m broker.Message) error {
		defer func() { done <- struct{}{} }()
		return ts.creator.Handle(ctx, m)
	})
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d orders created", i, n)
		}
	}
}

func (ts *testServer) openAccount(t *testing.T, id string, holdings map[string]int64) {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/accounts/"+id, "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	for sym, qty := range holdings {
		resp := ts.do(t, http.MethodPut, "/api/accounts/"+id+"/portfolio", id, PortfolioRequest{Symbol: sym, Quantity: qty})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func (ts *testServer) submit(t *testing.T, user, side string, qty int64, price string) {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/orders", user, map[string]interface{}{
		"stock_symbol": "AAPL", "order_type": side, "quantity": qty, "price": json.Number(price),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decode[intake.Ack](t, resp)
	require.NotEmpty(t, ack.MessageID)
}

func TestPing(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp := ts.do(t, http.MethodGet, "/ping", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "pong!", string(b))
}

func TestSubmitMatchAndFeed(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.openAccount(t, "seller", map[string]int64{"AAPL": 10})
	ts.openAccount(t, "buyer", nil)

	// websocket subscriber for the trade feed
	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"trades:aapl"}}))
	require.Eventually(t, func() bool {
		ts.hub.mu.RLock()
		defer ts.hub.mu.RUnlock()
		for c := range ts.hub.clients {
			if c.IsSubscribed("trades:AAPL") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	ts.submit(t, "seller", "SELL", 10, "100")
	ts.submit(t, "buyer", "BUY", 15, "120")
	ts.createOrders(t)

	resp := ts.do(t, http.MethodGet, "/api/orders?symbol=aapl", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[OrderListResponse](t, resp)
	require.Len(t, list.Orders, 2)
	assert.Equal(t, 2, list.Pagination.TotalRecords)
	assert.Equal(t, "buyer", list.Orders[0].Owner, "newest first")

	resp = ts.do(t, http.MethodPost, "/api/orders/match", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pass := decode[matching.PassResult](t, resp)
	require.Len(t, pass.Trades, 1)
	assert.Equal(t, "100", pass.Trades[0].Price.String())
	assert.Equal(t, int64(10), pass.Trades[0].Quantity)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var update TradeUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "trade", update.Type)
	assert.Equal(t, pass.Trades[0].ID, update.Trade.ID)

	complete := order.Complete.String()
	resp = ts.do(t, http.MethodGet, "/api/orders?status="+complete, "", nil)
	list = decode[OrderListResponse](t, resp)
	require.Len(t, list.Orders, 1)
	assert.Equal(t, "seller", list.Orders[0].Owner)
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.openAccount(t, "alice", nil)

	resp := ts.do(t, http.MethodPost, "/api/orders", "", map[string]interface{}{"stock_symbol": "AAPL"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tests := []struct {
		name   string
		body   map[string]interface{}
		reason string
	}{
		{"unknown symbol", map[string]interface{}{"stock_symbol": "ZZZZ", "order_type": "BUY", "quantity": 1, "price": 1}, "unknown_symbol"},
		{"bad side", map[string]interface{}{"stock_symbol": "AAPL", "order_type": "HOLD", "quantity": 1, "price": 1}, "invalid_side"},
		{"bad quantity", map[string]interface{}{"stock_symbol": "AAPL", "order_type": "BUY", "quantity": 0, "price": 1}, "invalid_quantity"},
		{"no funds", map[string]interface{}{"stock_symbol": "AAPL", "order_type": "BUY", "quantity": 1000, "price": 100}, "insufficient_funds"},
		{"no holding", map[string]interface{}{"stock_symbol": "AAPL", "order_type": "SELL", "quantity": 1, "price": 100}, "insufficient_holdings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/orders", "alice", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			er := decode[ErrorResponse](t, resp)
			require.Len(t, er.Errors, 1)
			assert.Equal(t, tt.reason, er.Errors[0].Reason)
			assert.NotEmpty(t, er.Errors[0].Message)
		})
	}
	assert.Equal(t, 0, ts.bus.Pending(broker.TopicOrders), "rejected orders are never published")
}

func TestOrderOwnership(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.openAccount(t, "alice", nil)
	ts.submit(t, "alice", "BUY", 5, "10")
	ts.createOrders(t)

	list := decode[OrderListResponse](t, ts.do(t, http.MethodGet, "/api/orders?owner=alice", "", nil))
	require.Len(t, list.Orders, 1)
	id := list.Orders[0].ID

	resp := ts.do(t, http.MethodGet, "/api/orders/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/orders/"+id, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/api/orders/"+id, "alice", AmendOrderRequest{Quantity: 7, Price: decimal.NewFromInt(11)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	amended := decode[order.Order](t, resp)
	assert.Equal(t, int64(7), amended.Quantity)
	assert.Equal(t, "11", amended.Price.String())

	resp = ts.do(t, http.MethodDelete, "/api/orders/"+id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/orders/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	er := decode[ErrorResponse](t, resp)
	require.Len(t, er.Errors, 1)
	assert.Equal(t, "not_found", er.Errors[0].Reason)
}

func TestListOrdersQuery(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.openAccount(t, "alice", nil)
	for i := 0; i < 3; i++ {
		ts.submit(t, "alice", "BUY", 1, "10")
	}
	ts.createOrders(t)

	list := decode[OrderListResponse](t, ts.do(t, http.MethodGet, "/api/orders?startDate=01-05-2024&endDate=01-05-2024&pageSize=2", "", nil))
	assert.Len(t, list.Orders, 2)
	assert.Equal(t, 3, list.Pagination.TotalRecords)
	assert.Equal(t, 2, list.Pagination.TotalPages)

	list = decode[OrderListResponse](t, ts.do(t, http.MethodGet, "/api/orders?startDate=02-05-2024", "", nil))
	assert.Empty(t, list.Orders)

	for _, q := range []string{"startDate=2024-05-01", "status=pending", "side=HOLD", "page=x"} {
		resp := ts.do(t, http.MethodGet, "/api/orders?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestCleanup(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	o := &order.Order{Owner: "a", Symbol: "AAPL", Side: order.Buy, Quantity: 1, Price: decimal.NewFromInt(1)}
	id, err := ts.orders.Save(ctx, o)
	require.NoError(t, err)
	_, err = ts.orders.UpdateQuantity(ctx, id, -1)
	require.NoError(t, err)
	_, err = ts.orders.UpdateStatus(ctx, id, order.Complete)
	require.NoError(t, err)

	resp := ts.do(t, http.MethodPost, "/api/orders/clean-up?days=x", "ops", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/orders/clean-up?days=-1", "ops", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/orders/clean-up", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/orders/clean-up", "ops", nil)
	res := decode[CleanupResponse](t, resp)
	assert.Equal(t, 5, res.Days)
	assert.Equal(t, 0, res.Deleted)

	ts.clock.Advance(6 * 24 * time.Hour)
	res = decode[CleanupResponse](t, ts.do(t, http.MethodPost, "/api/orders/clean-up", "ops", nil))
	assert.Equal(t, 1, res.Deleted)
}

func TestAccountsAndMarkets(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.openAccount(t, "alice", map[string]int64{"MSFT": 3})

	resp := ts.do(t, http.MethodPost, "/api/accounts/alice", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "opening twice returns the account")

	resp = ts.do(t, http.MethodPut, "/api/accounts/alice/increment-balance", "", IncrementBalanceRequest{Amount: decimal.NewFromInt(5)})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = ts.do(t, http.MethodPut, "/api/accounts/alice/portfolio", "", PortfolioRequest{Symbol: "MSFT", Quantity: 1})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/api/accounts/alice/increment-balance", "alice", IncrementBalanceRequest{Amount: decimal.NewFromInt(-5)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.do(t, http.MethodPut, "/api/accounts/alice/increment-balance", "alice", IncrementBalanceRequest{Amount: decimal.NewFromInt(5)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	acc := decode[account.Account](t, ts.do(t, http.MethodGet, "/api/accounts/alice", "", nil))
	assert.Equal(t, "10005", acc.Balance.String())
	assert.Equal(t, int64(3), acc.QuantityOf("MSFT"))

	resp = ts.do(t, http.MethodGet, "/api/accounts/nobody", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodPut, "/api/accounts/alice/portfolio", "alice", PortfolioRequest{Symbol: "ZZZZ", Quantity: 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	markets := decode[[]market.Instrument](t, ts.do(t, http.MethodGet, "/api/markets", "", nil))
	require.Len(t, markets, 2)
	assert.Equal(t, "AAPL", markets[0].Symbol)

	resp = ts.do(t, http.MethodPut, "/api/markets/aapl/status", "", MarketStatusRequest{Status: "halted"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/orders", "alice", map[string]interface{}{
		"stock_symbol": "AAPL", "order_type": "BUY", "quantity": 1, "price": 1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "halted symbols are not tradable")

	resp = ts.do(t, http.MethodPut, "/api/markets/ZZZZ/status", "", MarketStatusRequest{Status: "active"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{RateLimitPerMin: 2})
	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodGet, "/ping", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := ts.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.do(t, http.MethodGet, "/ping", "", nil)
	resp := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `route="/ping"`)
}
