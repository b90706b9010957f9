package cache

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Bus broadcasts invalidation messages between processes over Redis pub/sub.
type Bus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewBus constructs a Bus. A nil client makes every operation a no-op.
func NewBus(client *redis.Client, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, logger: logger}
}

// Publish sends payload on channel.
func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers every message on channel to handle until ctx is cancelled. It returns once
// the subscription is confirmed.
func (b *Bus) Subscribe(ctx context.Context, channel string, handle func(payload string)) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.logger.Debug("invalidation received", slog.String("channel", channel), slog.String("payload", msg.Payload))
				handle(msg.Payload)
			}
		}
	}()
	return nil
}
