// Package redisbus carries relay events between instances over Redis
// Pub/Sub. Every instance publishes locally originated events and fans out
// the events of the others.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/phcsync/internal/app"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultChannel = "phcsync:relay"

// Connect parses a URL such as "redis://localhost:6379/0" and pings the server.
func Connect(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Bus implements app.Bus on a single Pub/Sub channel.
type Bus struct {
	rdb     *goredis.Client
	channel string
}

func New(rdb *goredis.Client, channel string) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{rdb: rdb, channel: channel}
}

func (b *Bus) Publish(ctx context.Context, msg app.BusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal relay event: %w", err)
	}
	return b.rdb.Publish(ctx, b.channel, data).Err()
}

// Subscription is an active subscription to the relay channel.
type Subscription struct {
	sub     *goredis.PubSub
	channel string
}

// Subscribe returns once Redis has confirmed the subscription, so every
// event published afterwards is received.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	log.Info().Str("module", "redisbus").Str("channel", b.channel).Msg("subscribed")
	return &Subscription{sub: sub, channel: b.channel}, nil
}

// Run hands every received event to deliver until ctx is done or the
// subscription is closed. Undecodable messages are skipped.
func (s *Subscription) Run(ctx context.Context, deliver func(app.BusMessage)) {
	msgCh := s.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			var event app.BusMessage
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warn().Err(err).Str("module", "redisbus").Str("channel", s.channel).Msg("bad relay event")
				continue
			}
			deliver(event)
		}
	}
}

func (s *Subscription) Close() error {
	return s.sub.Close()
}
