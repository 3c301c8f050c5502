package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// Channel names published by the engine.
const (
	ChannelOpportunities = "opportunities"
	ChannelExecutions    = "executions"
	ChannelVenueStatus   = "venue_status"
)

// SignalBus implements domain.SignalBus over Redis Pub/Sub. The ws hub and
// the notifier subscribe; the engine publishes. Delivery is best-effort and
// at-most-once, which matches what the outward surfaces need.
type SignalBus struct {
	rdb *redis.Client
}

func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw payloads. The subscription closes when
// ctx is cancelled; the returned channel is closed at that point too.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}

	// Receive the subscription confirmation before handing out the channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
