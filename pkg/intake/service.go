// Package intake validates order requests, publishes them for asynchronous
// persistence and consumes them into the order store.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/account"
	"github.com/uhyunpark/stockmatch/pkg/broker"
	"github.com/uhyunpark/stockmatch/pkg/market"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
	"github.com/uhyunpark/stockmatch/pkg/order"
)

// Request is an order submission as received from a user.
type Request struct {
	Owner    string          `json:"-"`
	Symbol   string          `json:"stock_symbol"`
	Side     string          `json:"order_type"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Ack is returned once an order has been handed to the message channel.
type Ack struct {
	MessageID string `json:"message_id"`
}

type Service struct {
	markets  market.DataSource
	accounts account.Reader
	orders   order.Repository
	pub      broker.Publisher
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
}

func NewService(markets market.DataSource, accounts account.Reader, orders order.Repository, pub broker.Publisher, m *metrics.Metrics, log *zap.SugaredLogger) *Service {
	return &Service{
		markets:  markets,
		accounts: accounts,
		orders:   orders,
		pub:      pub,
		metrics:  m,
		log:      log,
	}
}

// Submit validates req and publishes it on the orders topic. Checks run in
// a fixed order and the first failure is returned as a *RejectionError.
func (s *Service) Submit(ctx context.Context, req Request) (Ack, error) {
	msg, err := s.validate(ctx, req)
	if err != nil {
		if re, ok := AsRejection(err); ok {
			s.metrics.OrderRejected(string(re.Reason))
			s.log.Infow("order_rejected", "owner", req.Owner, "symbol", req.Symbol, "reason", re.Reason, "message", re.Message)
		}
		return Ack{}, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to encode order message: %w", err)
	}
	id, err := s.pub.Publish(ctx, broker.TopicOrders, data)
	if err != nil {
		s.log.Errorw("order_publish_failed", "owner", req.Owner, "symbol", msg.Symbol, "err", err)
		return Ack{}, fmt.Errorf("%w: publish order: %w", ErrUnavailable, err)
	}

	s.metrics.OrderSubmitted(msg.Side.String())
	s.log.Infow("order_submitted",
		"message_id", id,
		"owner", msg.UserID,
		"symbol", msg.Symbol,
		"side", msg.Side.String(),
		"quantity", msg.Quantity,
		"price", msg.Price.String(),
	)
	return Ack{MessageID: id}, nil
}

func (s *Service) validate(ctx context.Context, req Request) (order.OrderMessage, error) {
	symbol := order.NormalizeSymbol(req.Symbol)

	tradable, err := s.markets.IsTradable(ctx, symbol)
	if err != nil {
		return order.OrderMessage{}, fmt.Errorf("%w: market data: %w", ErrUnavailable, err)
	}
	if !tradable {
		return order.OrderMessage{}, reject(ReasonUnknownSymbol, "%s is not a valid stock symbol", req.Symbol)
	}

	side, err := order.ParseSide(req.Side)
	if err != nil {
		return order.OrderMessage{}, reject(ReasonInvalidSide, "order_type must be BUY or SELL, got %q", req.Side)
	}
	if err := checkTerms(req.Quantity, req.Price); err != nil {
		return order.OrderMessage{}, err
	}

	// informational only, as a reference for the requested price
	if current, err := s.markets.CurrentPrice(ctx, symbol); err == nil {
		s.log.Infow("current_stock_price", "symbol", symbol, "price", current.StringFixed(2))
	} else {
		s.log.Warnw("current_stock_price_unavailable", "symbol", symbol, "err", err)
	}

	if err := s.checkCoverage(ctx, req.Owner, symbol, side, req.Quantity, req.Price); err != nil {
		return order.OrderMessage{}, err
	}

	return order.OrderMessage{
		UserID:   req.Owner,
		Symbol:   symbol,
		Side:     side,
		Quantity: req.Quantity,
		Price:    req.Price,
	}, nil
}

func checkTerms(quantity int64, price decimal.Decimal) error {
	if quantity <= 0 {
		return reject(ReasonInvalidQuantity, "quantity must be positive, got %d", quantity)
	}
	if !price.IsPositive() {
		return reject(ReasonInvalidPrice, "price must be positive, got %s", price)
	}
	return nil
}

// checkCoverage verifies a BUY is funded or a SELL is held.
func (s *Service) checkCoverage(ctx context.Context, owner, symbol string, side order.Side, quantity int64, price decimal.Decimal) error {
	acc, err := s.accounts.Get(ctx, owner)
	if errors.Is(err, account.ErrNotFound) {
		return reject(ReasonUnknownAccount, "no account for user %q", owner)
	}
	if err != nil {
		return fmt.Errorf("%w: account lookup: %w", ErrUnavailable, err)
	}

	if side == order.Buy {
		total := price.Mul(decimal.NewFromInt(quantity))
		if acc.Balance.LessThan(total) {
			return reject(ReasonInsufficientFunds, "Insufficient fund! Balance of %s is less than %s", acc.Balance, total)
		}
		return nil
	}

	h, ok := acc.Holding(symbol)
	if !ok {
		return reject(ReasonInsufficientHoldings, "Seller does not have %s in stock portfolio.", symbol)
	}
	if h.Quantity < quantity {
		return reject(ReasonInsufficientHoldings,
			"Insufficient quantity! %s portfolio quantity %d is less than sell order quantity %d", symbol, h.Quantity, quantity)
	}
	return nil
}

// Cancel deletes an open order owned by owner.
func (s *Service) Cancel(ctx context.Context, owner, id string) error {
	o, err := s.owned(ctx, owner, id)
	if err != nil {
		return err
	}
	if !o.IsOpen() {
		return reject(ReasonNotOpen, "order %s is %s", id, o.Status)
	}
	if err := s.orders.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Infow("order_cancelled", "order_id", id, "owner", owner, "symbol", o.Symbol)
	return nil
}

// Amend replaces the quantity and price of an open order owned by owner,
// re-checking funds or holdings against the new terms.
func (s *Service) Amend(ctx context.Context, owner, id string, quantity int64, price decimal.Decimal) (*order.Order, error) {
	o, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if !o.IsOpen() {
		return nil, reject(ReasonNotOpen, "order %s is %s", id, o.Status)
	}
	if err := checkTerms(quantity, price); err != nil {
		return nil, err
	}
	if err := s.checkCoverage(ctx, owner, o.Symbol, o.Side, quantity, price); err != nil {
		return nil, err
	}
	amended, err := s.orders.Amend(ctx, id, quantity, price)
	if errors.Is(err, order.ErrNotOpen) {
		return nil, reject(ReasonNotOpen, "order %s is no longer open", id)
	}
	if err != nil {
		return nil, err
	}
	s.log.Infow("order_amended", "order_id", id, "owner", owner, "quantity", quantity, "price", price.String())
	return amended, nil
}

func (s *Service) owned(ctx context.Context, owner, id string) (*order.Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return o, nil
}
