package order

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one execution between a resting SELL and a resting BUY.
// Trades are not persisted; they travel on the trades topic.
type Trade struct {
	ID          string          `json:"trade_id"`
	Symbol      string          `json:"stock_symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	SellerID    string          `json:"sell_order_user_id"`
	BuyerID     string          `json:"buy_order_user_id"`
	SellOrderID string          `json:"sell_order_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	MatchedAt   time.Time       `json:"matched_at"`
}

func (t Trade) MarshalJSON() ([]byte, error) {
	type alias Trade
	return json.Marshal(struct {
		alias
		Price json.Number `json:"price"`
	}{alias: alias(t), Price: json.Number(t.Price.String())})
}

// Notional is price x quantity, the cash that changes hands.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// DecodeTrade parses a trades-topic payload.
func DecodeTrade(data []byte) (Trade, error) {
	var t Trade
	if err := json.Unmarshal(data, &t); err != nil {
		return Trade{}, err
	}
	return t, nil
}

// OrderMessage is the payload published on the orders topic by intake.
type OrderMessage struct {
	UserID   string          `json:"user_id"`
	Symbol   string          `json:"stock_symbol"`
	Side     Side            `json:"order_type"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

func (m OrderMessage) MarshalJSON() ([]byte, error) {
	type alias OrderMessage
	return json.Marshal(struct {
		alias
		Price json.Number `json:"price"`
	}{alias: alias(m), Price: json.Number(m.Price.String())})
}

func DecodeOrderMessage(data []byte) (OrderMessage, error) {
	var m OrderMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return OrderMessage{}, err
	}
	return m, nil
}

// NewOrder builds an open order from an intake message. Identity and
// sequence are assigned by the store.
func (m OrderMessage) NewOrder() *Order {
	return &Order{
		Owner:    m.UserID,
		Symbol:   NormalizeSymbol(m.Symbol),
		Side:     m.Side,
		Quantity: m.Quantity,
		Price:    m.Price,
		Status:   Open,
	}
}
