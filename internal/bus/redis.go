package bus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus backs the Bus contract with a redis instance: keys for the
// cache side, pub/sub channels for broadcast events. Invalidation
// signals therefore reach every process sharing the redis.
type RedisBus struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisBus(addr, password string, db int, log zerolog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{client: client, log: log}, nil
}

// HealthPing implements health.HealthPinger.
func (b *RedisBus) HealthPing(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error { return b.client.Close() }

func (b *RedisBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBus) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return v, err
}

func (b *RedisBus) Clean(ctx context.Context, pattern string) error {
	iter := b.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

func (b *RedisBus) Emit(ctx context.Context, event string, payload []byte) error {
	return b.client.Publish(ctx, event, payload).Err()
}

// Subscribe consumes the event's pub/sub channel until ctx is canceled.
func (b *RedisBus) Subscribe(ctx context.Context, event string, h Handler) error {
	sub := b.client.Subscribe(ctx, event)
	// confirm the subscription before returning so callers can rely on
	// delivery of events emitted afterwards
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
	return nil
}
