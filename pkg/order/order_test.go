package order

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseSide(t *testing.T) {
	tests := []struct {
		in      string
		want    Side
		wantErr bool
	}{
		{"BUY", Buy, false},
		{"sell", Sell, false},
		{" Buy ", Buy, false},
		{"HOLD", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSide(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSide(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSide) {
				t.Errorf("ParseSide(%q) error = %v, want ErrInvalidSide", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseSide(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestOrderJSONWireNames(t *testing.T) {
	o := Order{
		ID:       "o-1",
		Owner:    "alice",
		Symbol:   "AAPL",
		Side:     Sell,
		Quantity: 100,
		Price:    decimal.RequireFromString("10.25"),
		Status:   Open,
	}
	b, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"price":10.25`, `"order_type":"SELL"`, `"status":"open"`, `"stock_symbol":"AAPL"`, `"created_by":"alice"`} {
		if !strings.Contains(s, want) {
			t.Errorf("json %s missing %s", s, want)
		}
	}

	var back Order
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !back.Price.Equal(o.Price) || back.Side != Sell || back.Status != Open {
		t.Errorf("Unmarshal = %+v, want %+v", back, o)
	}
}

func TestTradeMessageShape(t *testing.T) {
	tr := Trade{
		ID:       "t-1",
		Symbol:   "AAPL",
		Price:    decimal.NewFromInt(10),
		Quantity: 100,
		SellerID: "s",
		BuyerID:  "b",
	}
	b, err := json.Marshal(tr)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"stock_symbol", "price", "quantity", "sell_order_user_id", "buy_order_user_id"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("trade payload missing %q: %s", key, b)
		}
	}
	if raw["price"] != float64(10) {
		t.Errorf("price = %v, want bare number 10", raw["price"])
	}

	got, err := DecodeTrade(b)
	if err != nil {
		t.Fatalf("DecodeTrade: %v", err)
	}
	if got.Notional().String() != "1000" {
		t.Errorf("Notional = %s, want 1000", got.Notional())
	}
}

func TestDecodeOrderMessageRejectsUnknownSide(t *testing.T) {
	_, err := DecodeOrderMessage([]byte(`{"user_id":"u","stock_symbol":"AAPL","order_type":"HOLD","quantity":1,"price":1}`))
	if err == nil {
		t.Fatal("DecodeOrderMessage accepted side HOLD")
	}
}

func TestPageNormalize(t *testing.T) {
	tests := []struct {
		in   Page
		want Page
	}{
		{Page{}, Page{Number: 1, Size: DefaultPageSize}},
		{Page{Number: 2, Size: 5}, Page{Number: 2, Size: 5}},
		{Page{Number: -3, Size: 10_000}, Page{Number: 1, Size: MaxPageSize}},
	}
	for _, tt := range tests {
		if got := tt.in.Normalize(); got != tt.want {
			t.Errorf("Normalize(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestNewListResultTotals(t *testing.T) {
	r := NewListResult(nil, 12, Page{Number: 2, Size: 5})
	if r.TotalPages != 3 || r.TotalRecords != 12 {
		t.Errorf("totals = %d pages / %d records, want 3 / 12", r.TotalPages, r.TotalRecords)
	}
	if r.Orders == nil {
		t.Error("Orders should be an empty slice, not nil")
	}
	if r := NewListResult(nil, 0, Page{Number: 1, Size: 5}); r.TotalPages != 0 {
		t.Errorf("TotalPages for empty result = %d, want 0", r.TotalPages)
	}
}

func TestFilterMatch(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	o := &Order{Owner: "alice", Symbol: "AAPL", Side: Buy, Status: Open, CreatedAt: now}
	open, complete := Open, Complete
	sell := Sell

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"status match", Filter{Status: &open}, true},
		{"status mismatch", Filter{Status: &complete}, false},
		{"side mismatch", Filter{Side: &sell}, false},
		{"symbol case-insensitive", Filter{Symbol: "aapl"}, true},
		{"owner mismatch", Filter{Owner: "bob"}, false},
		{"inside range", Filter{From: now.Add(-time.Hour), To: now.Add(time.Hour)}, true},
		{"before range", Filter{From: now.Add(time.Minute)}, false},
		{"after range", Filter{To: now.Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Match(o); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}
