package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockmatch/pkg/order"
)

// ==============================
// REST Request Types
// ==============================

// AmendOrderRequest is the payload for PUT /api/orders/{id}
type AmendOrderRequest struct {
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// IncrementBalanceRequest is the payload for PUT /api/accounts/{id}/increment-balance
type IncrementBalanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PortfolioRequest is the payload for PUT /api/accounts/{id}/portfolio
type PortfolioRequest struct {
	Symbol   string `json:"stock_symbol"`
	Quantity int64  `json:"quantity"`
}

// MarketStatusRequest is the payload for PUT /api/markets/{symbol}/status
type MarketStatusRequest struct {
	Status string `json:"status"` // "active" or "halted"
}

// ==============================
// REST Response Types
// ==============================

// Pagination describes one page of a list response
type Pagination struct {
	TotalRecords int `json:"total_records"`
	TotalPages   int `json:"total_pages"`
	Page         int `json:"page"`
	PageSize     int `json:"page_size"`
}

// OrderListResponse is returned by GET /api/orders
type OrderListResponse struct {
	Orders     []*order.Order `json:"orders"`
	Pagination Pagination     `json:"pagination"`
}

// CleanupResponse is returned by POST /api/orders/clean-up
type CleanupResponse struct {
	Days    int `json:"days"`
	Deleted int `json:"deleted"`
}

// ErrorDetail is one entry of an error response
type ErrorDetail struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Errors []ErrorDetail `json:"errors"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades:AAPL"]
}

// TradeUpdate is broadcast on trades:{SYMBOL} when a trade is published
type TradeUpdate struct {
	Type      string      `json:"type"` // "trade"
	Trade     order.Trade `json:"trade"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds
}

func newTradeUpdate(t order.Trade) TradeUpdate {
	return TradeUpdate{Type: "trade", Trade: t, Timestamp: time.Now().UnixMilli()}
}
