package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Memory is an in-process broker. Each topic is a buffered queue; several
// subscribers on one topic compete for its messages.
type Memory struct {
	log    *zap.SugaredLogger
	buffer int

	mu     sync.Mutex
	queues map[string]chan Message
	done   chan struct{}
	closed bool
}

var _ Broker = (*Memory)(nil)

func NewMemory(buffer int, log *zap.SugaredLogger) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{
		log:    log,
		buffer: buffer,
		queues: make(map[string]chan Message),
		done:   make(chan struct{}),
	}
}

func (m *Memory) queue(topic string) (chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q, ok := m.queues[topic]
	if !ok {
		q = make(chan Message, m.buffer)
		m.queues[topic] = q
	}
	return q, nil
}

func (m *Memory) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	q, err := m.queue(topic)
	if err != nil {
		return "", err
	}
	msg := Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Data:        append([]byte(nil), data...),
		PublishedAt: time.Now().UTC(),
	}
	select {
	case q <- msg:
		return msg.ID, nil
	case <-m.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
}

func (m *Memory) Subscribe(ctx context.Context, topic string, h Handler) error {
	q, err := m.queue(topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case msg := <-q:
			_ = dispatch(ctx, m.log, h, msg)
		}
	}
}

// Pending is the number of undelivered messages on topic.
func (m *Memory) Pending(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[topic])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
