// Package api serves the REST and websocket interface of the broker.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/account"
	"github.com/uhyunpark/stockmatch/pkg/housekeeping"
	"github.com/uhyunpark/stockmatch/pkg/intake"
	"github.com/uhyunpark/stockmatch/pkg/market"
	"github.com/uhyunpark/stockmatch/pkg/matching"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
	"github.com/uhyunpark/stockmatch/pkg/order"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-ID"

// dateLayout is the DD-MM-YYYY format of startDate/endDate.
const dateLayout = "02-01-2006"

type OrderIntake interface {
	Submit(ctx context.Context, req intake.Request) (intake.Ack, error)
	Cancel(ctx context.Context, owner, id string) error
	Amend(ctx context.Context, owner, id string, quantity int64, price decimal.Decimal) (*order.Order, error)
}

type Matcher interface {
	RunPass(ctx context.Context) matching.PassResult
}

type Cleaner interface {
	DeleteCompleteOrdersOlderThan(ctx context.Context, days int) (int, error)
	RetentionDays() int
}

type Accounts interface {
	Get(ctx context.Context, id string) (*account.Account, error)
	Open(ctx context.Context, id string) (*account.Account, bool, error)
	Deposit(ctx context.Context, id string, amount decimal.Decimal) (*account.Account, error)
	AdjustHolding(ctx context.Context, id, symbol string, quantity int64) (*account.Account, error)
}

type Markets interface {
	List() []market.Instrument
	SetStatus(symbol string, status market.Status) error
}

// Deps are the services behind the handlers.
type Deps struct {
	Orders   order.Repository
	Intake   OrderIntake
	Matcher  Matcher
	Cleaner  Cleaner
	Accounts Accounts
	Markets  Markets
	Metrics  *metrics.Metrics
	Logger   *zap.SugaredLogger
}

type Options struct {
	CORSOrigins     []string
	RateLimitPerMin int // 0 disables rate limiting
}

// Server handles REST API and WebSocket connections
type Server struct {
	Deps
	opts    Options
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	handler http.Handler
}

func NewServer(deps Deps, opts Options) *Server {
	s := &Server{
		Deps:   deps,
		opts:   opts,
		router: mux.NewRouter(),
		hub:    NewHub(deps.Logger),
		log:    deps.Logger,
	}
	s.setupRoutes()
	s.handler = s.wrap(s.router)
	return s
}

// Hub returns the websocket hub, for wiring trade broadcasts.
func (s *Server) Hub() *Hub { return s.hub }

// PublishTrade pushes t to subscribers of trades:{SYMBOL}.
func (s *Server) PublishTrade(t order.Trade) {
	s.hub.BroadcastToChannel("trades:"+t.Symbol, newTradeUpdate(t))
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Orders; fixed paths before {id}
	api.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/match", s.handleMatch).Methods(http.MethodPost)
	api.HandleFunc("/orders/clean-up", s.handleCleanup).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.handleAmendOrder).Methods(http.MethodPut)
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods(http.MethodDelete)

	// Accounts
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", s.handleOpenAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/increment-balance", s.handleIncrementBalance).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{id}/portfolio", s.handleAdjustPortfolio).Methods(http.MethodPut)

	// Markets
	api.HandleFunc("/markets", s.handleListMarkets).Methods(http.MethodGet)
	api.HandleFunc("/markets/{symbol}/status", s.handleSetMarketStatus).Methods(http.MethodPut)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
}

// wrap applies request accounting, rate limiting and CORS.
func (s *Server) wrap(h http.Handler) http.Handler {
	h = s.observe(h)
	if s.opts.RateLimitPerMin > 0 {
		lmt := tollbooth.NewLimiter(float64(s.opts.RateLimitPerMin)/60, &limiter.ExpirableOptions{
			DefaultExpirationTTL: time.Hour,
		})
		lmt.SetBurst(s.opts.RateLimitPerMin)
		lmt.SetIPLookups([]string{"RemoteAddr"})
		lmt.SetMessageContentType("application/json")
		lmt.SetMessage(`{"errors":[{"message":"too many requests","reason":"rate_limited"}]}`)
		h = tollbooth.LimitHandler(lmt, h)
	}
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", UserHeader},
	})
	return c.Handler(h)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		var match mux.RouteMatch
		if s.router.Match(r, &match) && match.Route != nil {
			if tpl, err := match.Route.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.Metrics.APIRequest(route, strconv.Itoa(rec.status))
		s.log.Debugw("http_request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.log.Infow("api_server_stopping", "addr", addr)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// ==============================
// Order Handlers
// ==============================

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	f, p, err := parseOrderQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_query")
		return
	}
	res, err := s.Orders.List(r.Context(), f, p)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OrderListResponse{
		Orders: res.Orders,
		Pagination: Pagination{
			TotalRecords: res.TotalRecords,
			TotalPages:   res.TotalPages,
			Page:         res.Page,
			PageSize:     res.PageSize,
		},
	})
}

func parseOrderQuery(r *http.Request) (order.Filter, order.Page, error) {
	q := r.URL.Query()
	var (
		f order.Filter
		p order.Page
	)
	if v := q.Get("status"); v != "" {
		st, err := order.ParseStatus(v)
		if err != nil {
			return f, p, err
		}
		f.Status = &st
	}
	side := q.Get("side")
	if side == "" {
		side = q.Get("order_type")
	}
	if side != "" {
		sd, err := order.ParseSide(side)
		if err != nil {
			return f, p, err
		}
		f.Side = &sd
	}
	f.Symbol = q.Get("symbol")
	f.Owner = q.Get("owner")

	if v := q.Get("startDate"); v != "" {
		t, err := time.ParseInLocation(dateLayout, v, time.UTC)
		if err != nil {
			return f, p, fmt.Errorf("invalid startDate %q (want DD-MM-YYYY)", v)
		}
		f.From = t
	}
	if v := q.Get("endDate"); v != "" {
		t, err := time.ParseInLocation(dateLayout, v, time.UTC)
		if err != nil {
			return f, p, fmt.Errorf("invalid endDate %q (want DD-MM-YYYY)", v)
		}
		// inclusive of the whole end day
		f.To = t.Add(24*time.Hour - time.Nanosecond)
	}

	var err error
	if v := q.Get("page"); v != "" {
		if p.Number, err = strconv.Atoi(v); err != nil {
			return f, p, fmt.Errorf("invalid page %q", v)
		}
	}
	if v := q.Get("pageSize"); v != "" {
		if p.Size, err = strconv.Atoi(v); err != nil {
			return f, p, fmt.Errorf("invalid pageSize %q", v)
		}
	}
	return f, p, nil
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req intake.Request
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_body")
		return
	}
	req.Owner = user

	ack, err := s.Intake.Submit(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ack)
}

func (s *Server) handleAmendOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req AmendOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_body")
		return
	}
	o, err := s.Intake.Amend(r.Context(), user, mux.Vars(r)["id"], req.Quantity, req.Price)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.Intake.Cancel(r.Context(), user, mux.Vars(r)["id"]); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Matcher.RunPass(r.Context()))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	days := s.Cleaner.RetentionDays()
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid days %q", v), "invalid_query")
			return
		}
		days = n
	}
	n, err := s.Cleaner.DeleteCompleteOrdersOlderThan(r.Context(), days)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CleanupResponse{Days: days, Deleted: n})
}

// ==============================
// Account Handlers
// ==============================

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.Accounts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acc)
}

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	acc, created, err := s.Accounts.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, acc)
}

func (s *Server) handleIncrementBalance(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	var req IncrementBalanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_body")
		return
	}
	acc, err := s.Accounts.Deposit(r.Context(), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acc)
}

func (s *Server) handleAdjustPortfolio(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	var req PortfolioRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_body")
		return
	}
	acc, err := s.Accounts.AdjustHolding(r.Context(), mux.Vars(r)["id"], order.NormalizeSymbol(req.Symbol), req.Quantity)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acc)
}

// ==============================
// Market Handlers
// ==============================

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Markets.List())
}

func (s *Server) handleSetMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req MarketStatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_body")
		return
	}
	st, err := market.ParseStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_status")
		return
	}
	symbol := order.NormalizeSymbol(mux.Vars(r)["symbol"])
	if err := s.Markets.SetStatus(symbol, st); err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Infow("market_status_changed", "symbol", symbol, "status", st.String())
	respondJSON(w, http.StatusOK, map[string]string{"stock_symbol": symbol, "status": st.String()})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("pong!"))
}

// ==============================
// Helper Functions
// ==============================

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(UserHeader))
	if user == "" {
		respondError(w, http.StatusUnauthorized, "missing "+UserHeader+" header", "unauthenticated")
		return "", false
	}
	return user, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// respondErr maps service errors to status codes.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	if re, ok := intake.AsRejection(err); ok {
		respondError(w, http.StatusBadRequest, re.Message, string(re.Reason))
		return
	}
	switch {
	case errors.Is(err, intake.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error(), "forbidden")
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, account.ErrNotFound),
		errors.Is(err, market.ErrUnknownSymbol):
		respondError(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, account.ErrInvalidAmount),
		errors.Is(err, account.ErrHoldingNotFound),
		errors.Is(err, account.ErrInsufficientHoldings),
		errors.Is(err, order.ErrNegativeQuantity),
		errors.Is(err, housekeeping.ErrInvalidDays):
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_request")
	case errors.Is(err, intake.ErrUnavailable), errors.Is(err, order.ErrStorage):
		s.log.Warnw("request_unavailable", "err", err)
		respondError(w, http.StatusServiceUnavailable, "service temporarily unavailable, retry later", "unavailable")
	default:
		s.log.Errorw("request_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", "internal")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, reason string) {
	respondJSON(w, status, ErrorResponse{Errors: []ErrorDetail{{Message: message, Reason: reason}}})
}
