// Package market answers which symbols are tradable and at what price.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

//go:generate go run github.com/golang/mock/mockgen -destination mocks/data_source_mock.go -package mocks github.com/uhyunpark/stockmatch/pkg/market DataSource

// DataSource is the market-data collaborator consulted by order intake.
type DataSource interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	IsTradable(ctx context.Context, symbol string) (bool, error)
}

// Status is the trading status of an instrument
type Status uint8

const (
	Active Status = iota
	Halted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Halted:
		return "halted"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return Active, nil
	case "halted":
		return Halted, nil
	default:
		return 0, fmt.Errorf("invalid market status %q", s)
	}
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Instrument is a listed stock.
type Instrument struct {
	Symbol    string          `json:"stock_symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	Status    Status          `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}
