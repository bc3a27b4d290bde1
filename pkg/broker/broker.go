// Package broker carries intake and trade messages between components.
// Delivery is at-least-once: consumers must tolerate duplicates.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	TopicOrders = "orders"
	TopicTrades = "trades"
)

var ErrClosed = errors.New("broker closed")

// Message is one delivery on a topic.
type Message struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Data        []byte    `json:"data"`
	PublishedAt time.Time `json:"published_at"`
}

// Handler processes one message. A returned error is logged; the consumer
// moves on to the next message.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	// Publish sends data to topic and returns the broker-assigned message id.
	Publish(ctx context.Context, topic string, data []byte) (string, error)
}

type Subscriber interface {
	// Subscribe consumes topic until ctx is done, calling h for each message
	// in delivery order.
	Subscribe(ctx context.Context, topic string, h Handler) error
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// dispatch runs h for msg, turning panics into errors and logging failures.
func dispatch(ctx context.Context, log *zap.SugaredLogger, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil && log != nil {
			log.Errorw("message_handler_failed", "topic", msg.Topic, "id", msg.ID, "err", err)
		}
	}()
	return h(ctx, msg)
}
