// Package lockcache implements the per-order sync lock the payment service
// takes before pulling an order replica: a Redis-backed distributed lock
// keyed by order_id, non-blocking — acquisition fails fast with
// ErrLoadOrderConflict rather than waiting. The lock must hold across the
// service's processes, so an in-process mutex is not enough.
package lockcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrLoadOrderConflict is returned when another process already holds the
// sync lock for the same order_id.
var ErrLoadOrderConflict = errors.New("lockcache: order replica load already in progress")

// Cache is a non-blocking, fail-fast distributed lock over Redis SETNX.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(addr string, ttl time.Duration) *Cache {
	return &Cache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

func lockKey(orderID string) string { return "order-sync-lock:" + orderID }

// Acquire attempts to take the per-order sync lock without blocking. On
// conflict it returns ErrLoadOrderConflict immediately. The returned
// release func must be called on every exit path.
func (c *Cache) Acquire(ctx context.Context, orderID string) (release func(context.Context), err error) {
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := c.rdb.SetNX(ctx, lockKey(orderID), token, c.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lockcache: acquire: %w", err)
	}
	if !ok {
		return nil, ErrLoadOrderConflict
	}
	return func(releaseCtx context.Context) {
		current, err := c.rdb.Get(releaseCtx, lockKey(orderID)).Result()
		if err != nil {
			return
		}
		if current == token {
			c.rdb.Del(releaseCtx, lockKey(orderID))
		}
	}, nil
}

func (c *Cache) Close() error { return c.rdb.Close() }
