package broker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func TestMemoryDeliversInOrder(t *testing.T) {
	b := NewMemory(16, zap.NewNop().Sugar())
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for _, payload := range []string{"a", "b", "c"} {
		id, err := b.Publish(ctx, TopicOrders, []byte(payload))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		ids = append(ids, id)
	}
	assert.Equal(t, 3, b.Pending(TopicOrders))

	c := &collector{}
	go b.Subscribe(ctx, TopicOrders, c.handle)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	got := c.snapshot()
	for i, m := range got {
		assert.Equal(t, ids[i], m.ID)
		assert.Equal(t, TopicOrders, m.Topic)
	}
	assert.Equal(t, "c", string(got[2].Data))
}

func TestMemoryContinuesAfterHandlerFailure(t *testing.T) {
	b := NewMemory(16, zap.NewNop().Sugar())
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collector{}
	h := func(ctx context.Context, msg Message) error {
		switch string(msg.Data) {
		case "fail":
			return errors.New("boom")
		case "panic":
			panic("handler bug")
		}
		return c.handle(ctx, msg)
	}
	for _, p := range []string{"fail", "panic", "ok"} {
		_, err := b.Publish(ctx, TopicTrades, []byte(p))
		require.NoError(t, err)
	}

	go b.Subscribe(ctx, TopicTrades, h)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ok", string(c.snapshot()[0].Data))
}

func TestMemoryClosed(t *testing.T) {
	b := NewMemory(1, nil)
	require.NoError(t, b.Close())
	_, err := b.Publish(context.Background(), TopicOrders, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemorySubscribeStopsOnCancel(t *testing.T) {
	b := NewMemory(1, nil)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, TopicOrders, func(context.Context, Message) error { return nil }) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestLibp2pLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a libp2p host")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := NewLibp2p(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0", Logger: zap.NewNop().Sugar()})
	require.NoError(t, err)
	defer b.Close()

	c := &collector{}
	go b.Subscribe(ctx, TopicTrades, c.handle)

	require.Eventually(t, func() bool {
		if _, err := b.Publish(ctx, TopicTrades, []byte(`{"quantity":1}`)); err != nil {
			return false
		}
		return len(c.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	m := c.snapshot()[0]
	assert.Equal(t, TopicTrades, m.Topic)
	assert.JSONEq(t, `{"quantity":1}`, string(m.Data))
}

func TestRedisStreams(t *testing.T) {
	addr := os.Getenv("STOCKMATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STOCKMATCH_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := NewRedis(ctx, RedisConfig{Addr: addr, Group: "test-" + time.Now().Format("150405.000000"), Logger: zap.NewNop().Sugar()})
	require.NoError(t, err)
	defer b.Close()

	topic := "test-" + time.Now().Format("150405.000000")
	id, err := b.Publish(ctx, topic, []byte("hello"))
	require.NoError(t, err)

	c := &collector{}
	go b.Subscribe(ctx, topic, c.handle)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, id, c.snapshot()[0].ID)
	assert.Equal(t, "hello", string(c.snapshot()[0].Data))
}
