package notify

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const ledgerPrefix = "helpdesk:delivered:"

// Ledger remembers which channel deliveries of an event already happened
// so a redelivered event does not repeat them.
type Ledger interface {
	Delivered(ctx context.Context, key string) (bool, error)
	MarkDelivered(ctx context.Context, key string) error
	// Forget drops marks once every channel of an event is delivered.
	Forget(ctx context.Context, keys ...string) error
}

// RedisLedger stores delivery marks in Redis.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLedger returns a Redis-backed ledger. With ttl <= 0 marks persist
// until Forget; outbox events retry without limit, so a positive ttl shorter
// than the longest redelivery gap lets a channel be delivered twice.
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisLedger{client: client, ttl: ttl}
}

func (l *RedisLedger) Delivered(ctx context.Context, key string) (bool, error) {
	err := l.client.Get(ctx, ledgerPrefix+key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *RedisLedger) MarkDelivered(ctx context.Context, key string) error {
	return l.client.Set(ctx, ledgerPrefix+key, time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
}

func (l *RedisLedger) Forget(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = ledgerPrefix + key
	}
	return l.client.Del(ctx, prefixed...).Err()
}

// Once runs deliver unless key is already marked, then marks it. A ledger
// read failure falls through to delivery; a nil ledger always delivers.
func Once(ctx context.Context, ledger Ledger, key string, deliver func(context.Context) error) error {
	if ledger != nil {
		if done, err := ledger.Delivered(ctx, key); err == nil && done {
			return nil
		}
	}
	if err := deliver(ctx); err != nil {
		return err
	}
	if ledger != nil {
		return ledger.MarkDelivered(ctx, key)
	}
	return nil
}
