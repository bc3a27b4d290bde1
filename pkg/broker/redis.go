package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "stockmatch:"

// Redis is a broker on Redis Streams. Subscribers of one topic share a
// consumer group, so each message is handled by one of them; a message is
// acknowledged after its handler returns and redelivered to the same
// consumer after a crash.
type Redis struct {
	client   *redis.Client
	group    string
	consumer string
	block    time.Duration
	log      *zap.SugaredLogger
}

var _ Broker = (*Redis)(nil)

type RedisConfig struct {
	Addr   string
	Group  string
	Logger *zap.SugaredLogger
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	host, _ := os.Hostname()
	return &Redis{
		client:   client,
		group:    cfg.Group,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		block:    5 * time.Second,
		log:      cfg.Logger,
	}, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + topic,
		Values: map[string]interface{}{
			"data":         data,
			"published_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

func (r *Redis) ensureGroup(ctx context.Context, stream string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", r.group, stream, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) error {
	stream := streamPrefix + topic
	if err := r.ensureGroup(ctx, stream); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until ctx is done

	// "0" first drains this consumer's pending entries, ">" then reads new ones.
	cursor := "0"
	for ctx.Err() == nil {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{stream, cursor},
			Count:    32,
			Block:    r.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := bo.NextBackOff()
			if r.log != nil {
				r.log.Warnw("redis_read_failed", "topic", topic, "retry_in", wait, "err", err)
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			continue
		}
		bo.Reset()

		delivered := 0
		for _, s := range streams {
			for _, xm := range s.Messages {
				delivered++
				_ = dispatch(ctx, r.log, h, toMessage(topic, xm))
				if err := r.client.XAck(ctx, stream, r.group, xm.ID).Err(); err != nil && r.log != nil {
					r.log.Warnw("redis_ack_failed", "topic", topic, "id", xm.ID, "err", err)
				}
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
	return nil
}

func toMessage(topic string, xm redis.XMessage) Message {
	msg := Message{ID: xm.ID, Topic: topic}
	if v, ok := xm.Values["data"].(string); ok {
		msg.Data = []byte(v)
	}
	if v, ok := xm.Values["published_at"].(string); ok {
		msg.PublishedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return msg
}

func (r *Redis) Close() error { return r.client.Close() }
