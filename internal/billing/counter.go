package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter tracks per-period usage. Keys carry their own expiry so a new
// period starts from zero without a reset job.
type Counter interface {
	Get(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string, expireAt time.Time) (int64, error)
}

type memoryEntry struct {
	value    int64
	expireAt time.Time
}

type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCounter) Get(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expireAt) {
		return 0, nil
	}
	return e.value, nil
}

func (c *MemoryCounter) Incr(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expireAt) {
		e = memoryEntry{}
	}
	e.value++
	e.expireAt = expireAt
	c.entries[key] = e
	return e.value, nil
}

type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage %s: %w", key, err)
	}
	return n, nil
}

func (c *RedisCounter) Incr(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, expireAt)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record usage %s: %w", key, err)
	}
	return incr.Val(), nil
}
