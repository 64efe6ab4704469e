package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter increments a windowed counter and returns the new count. A fresh
// window starts at 1 and expires after ttl.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter enforces a fixed-window request cap per key.
type Limiter struct {
	counter Counter
	limit   int64
	window  time.Duration
}

func NewLimiter(counter Counter, limit int64, window time.Duration) *Limiter {
	return &Limiter{counter: counter, limit: limit, window: window}
}

// Allow reports whether the key is under its window limit. Counter failures
// fail open: an unreachable Redis must not block job submission.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		return true, err
	}
	return n <= l.limit, nil
}

// RedisCounter is the shared-state implementation for multi-instance
// deployments.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

var _ Counter = (*RedisCounter)(nil)

func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	full := fmt.Sprintf("%s:%s", c.prefix, key)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, full)
	pipe.Expire(ctx, full, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return incr.Val(), nil
}

// MemoryCounter is the single-process fallback when Redis is not configured.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int64
	resetAt time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*window), now: time.Now}
}

var _ Counter = (*MemoryCounter)(nil)

func (c *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w, ok := c.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(ttl)}
		c.windows[key] = w
	}
	w.count++
	return w.count, nil
}
