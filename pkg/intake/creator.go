package intake

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/broker"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
	"github.com/uhyunpark/stockmatch/pkg/order"
)

// Creator consumes the orders topic and persists each message as a new
// open order. Messages were validated at submission and are not checked
// again; a redelivered message creates a second order.
type Creator struct {
	orders  order.Repository
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func NewCreator(orders order.Repository, m *metrics.Metrics, log *zap.SugaredLogger) *Creator {
	return &Creator{orders: orders, metrics: m, log: log}
}

// Handle implements broker.Handler.
func (c *Creator) Handle(ctx context.Context, msg broker.Message) error {
	om, err := order.DecodeOrderMessage(msg.Data)
	if err != nil {
		return fmt.Errorf("decode order message %s: %w", msg.ID, err)
	}
	o := om.NewOrder()
	id, err := c.orders.Save(ctx, o)
	if err != nil {
		return fmt.Errorf("save order from message %s: %w", msg.ID, err)
	}
	c.metrics.OrderCreated()
	c.log.Infow("order_created",
		"order_id", id,
		"message_id", msg.ID,
		"owner", o.Owner,
		"symbol", o.Symbol,
		"side", o.Side.String(),
		"quantity", o.Quantity,
		"price", o.Price.String(),
	)
	return nil
}
