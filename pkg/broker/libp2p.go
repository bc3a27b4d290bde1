package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const topicPrefix = "stockmatch/"

// Libp2p publishes messages over gossipsub. Every subscribed peer receives
// every message, including the publisher itself.
type Libp2p struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ Broker = (*Libp2p)(nil)

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewLibp2p(ctx context.Context, cfg Libp2pConfig) (*Libp2p, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return &Libp2p{h: h, ps: ps, log: cfg.Logger, topics: make(map[string]*pubsub.Topic)}, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (b *Libp2p) Host() host.Host { return b.h }

// join returns the joined topic; pubsub allows one Join per topic name.
func (b *Libp2p) join(topic string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		return t, nil
	}
	t, err := b.ps.Join(topicPrefix + topic)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}
	b.topics[topic] = t
	return t, nil
}

func (b *Libp2p) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	t, err := b.join(topic)
	if err != nil {
		return "", err
	}
	msg := Message{ID: uuid.NewString(), Topic: topic, Data: data, PublishedAt: time.Now().UTC()}
	wire, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if err := t.Publish(ctx, wire); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return msg.ID, nil
}

func (b *Libp2p) Subscribe(ctx context.Context, topic string, h Handler) error {
	t, err := b.join(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	defer sub.Cancel()

	for {
		pm, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("next on %s: %w", topic, err)
		}
		var msg Message
		if err := json.Unmarshal(pm.Data, &msg); err != nil {
			if b.log != nil {
				b.log.Warnw("malformed_message", "topic", topic, "from", pm.ReceivedFrom.String(), "err", err)
			}
			continue
		}
		_ = dispatch(ctx, b.log, h, msg)
	}
}

func (b *Libp2p) Close() error {
	b.mu.Lock()
	for name, t := range b.topics {
		_ = t.Close()
		delete(b.topics, name)
	}
	b.mu.Unlock()
	return b.h.Close()
}
