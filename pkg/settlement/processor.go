// Package settlement applies matched trades to account balances and
// portfolios.
package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/account"
	"github.com/uhyunpark/stockmatch/pkg/broker"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
	"github.com/uhyunpark/stockmatch/pkg/order"
)

// Step names, in the order they are applied.
const (
	StepSellerBalance = "seller_balance"
	StepBuyerBalance  = "buyer_balance"
	StepSellerHolding = "seller_holding"
	StepBuyerHolding  = "buyer_holding"
)

// AppliedLedger remembers settled trade ids. MarkApplied reports true the
// first time it sees an id.
type AppliedLedger interface {
	MarkApplied(ctx context.Context, tradeID string) (bool, error)
}

// StepResult is the outcome of one account mutation.
type StepResult struct {
	Step    string `json:"step"`
	Account string `json:"account"`
	Err     error  `json:"-"`
}

// Report describes what Apply did with one trade.
type Report struct {
	TradeID string
	Skipped bool // already applied
	Steps   []StepResult
}

// Failed returns the steps that did not apply.
func (r Report) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

type Processor struct {
	accounts account.Repository
	ledger   AppliedLedger
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
}

// NewProcessor returns a processor. A nil ledger applies every delivery,
// duplicates included.
func NewProcessor(accounts account.Repository, ledger AppliedLedger, m *metrics.Metrics, log *zap.SugaredLogger) *Processor {
	return &Processor{accounts: accounts, ledger: ledger, metrics: m, log: log}
}

// Apply runs the four settlement steps for t. Each step is an independent
// atomic update; a failed step is logged and the rest still run.
func (p *Processor) Apply(ctx context.Context, t order.Trade) Report {
	rep := Report{TradeID: t.ID}

	if p.ledger != nil && t.ID != "" {
		first, err := p.ledger.MarkApplied(ctx, t.ID)
		if err != nil {
			// settle anyway
			p.log.Warnw("settlement_ledger_failed", "trade_id", t.ID, "err", err)
		} else if !first {
			p.log.Infow("settlement_duplicate_skipped", "trade_id", t.ID)
			rep.Skipped = true
			return rep
		}
	}

	amount := t.Notional()
	steps := []struct {
		name    string
		account string
		fn      func() error
	}{
		{StepSellerBalance, t.SellerID, func() error {
			_, err := p.accounts.IncrementBalance(ctx, t.SellerID, amount)
			return err
		}},
		{StepBuyerBalance, t.BuyerID, func() error {
			_, err := p.accounts.IncrementBalance(ctx, t.BuyerID, amount.Neg())
			return err
		}},
		{StepSellerHolding, t.SellerID, func() error {
			_, err := p.accounts.IncrementPortfolioQuantity(ctx, t.SellerID, t.Symbol, -t.Quantity, t.Price)
			return err
		}},
		{StepBuyerHolding, t.BuyerID, func() error {
			_, err := p.accounts.IncrementPortfolioQuantity(ctx, t.BuyerID, t.Symbol, t.Quantity, t.Price)
			return err
		}},
	}

	for _, s := range steps {
		err := s.fn()
		rep.Steps = append(rep.Steps, StepResult{Step: s.name, Account: s.account, Err: err})
		if err != nil {
			p.metrics.SettlementStepFailed(s.name)
			p.log.Errorw("settlement_step_failed",
				"trade_id", t.ID,
				"step", s.name,
				"account", s.account,
				"symbol", t.Symbol,
				"quantity", t.Quantity,
				"price", t.Price.String(),
				"err", err,
			)
		}
	}

	p.log.Infow("trade_settled",
		"trade_id", t.ID,
		"symbol", t.Symbol,
		"amount", amount.String(),
		"seller", t.SellerID,
		"buyer", t.BuyerID,
		"failed_steps", len(rep.Failed()),
	)
	return rep
}

// Handle is the trades topic consumer.
func (p *Processor) Handle(ctx context.Context, msg broker.Message) error {
	t, err := order.DecodeTrade(msg.Data)
	if err != nil {
		return fmt.Errorf("failed to decode trade %s: %w", msg.ID, err)
	}
	p.Apply(ctx, t)
	return nil
}
