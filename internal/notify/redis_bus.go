package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// RedisBus carries status messages between processes over Redis pub/sub.
// Workers publish to it; API processes forward it into their local Hub.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisBus(rdb *goredis.Client, channel string, logger *slog.Logger) (*RedisBus, error) {
	if rdb == nil {
		return nil, errors.New("redis client required")
	}
	if channel == "" {
		channel = "pipeline:status"
	}
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With(slog.String("component", "redis_bus")),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, msg domain.StatusMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal status message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// StartForwarder subscribes to the bus and hands every message to onMsg
// until ctx is cancelled.
func (b *RedisBus) StartForwarder(ctx context.Context, onMsg func(domain.StatusMessage)) error {
	if onMsg == nil {
		return errors.New("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg domain.StatusMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.logger.Warn("Bad status payload on bus",
						slog.Any("error", err),
					)
					continue
				}
				onMsg(msg)
			}
		}
	}()

	return nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
