package governor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per key in a bounded window
type Limiter interface {
	// Allow records one request and reports whether it stays within limit
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// MemoryLimiter is a sliding-window limiter for single-instance deployments
type MemoryLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{events: make(map[string][]time.Time), now: time.Now}
}

// Allow implements Limiter. Rejected requests are not recorded.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	kept := l.events[key][:0]
	for _, t := range l.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		l.events[key] = kept
		return false, nil
	}
	l.events[key] = append(kept, now)
	return true, nil
}

// RedisLimiter is a fixed-window counter shared by every instance
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "governor:"
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

// Allow implements Limiter with INCR and EXPIRE on a per-window bucket
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	bucket := l.now().UnixNano() / int64(window)
	k := l.prefix + key + ":" + strconv.FormatInt(bucket, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate counter: %w", err)
	}
	return incr.Val() <= int64(limit), nil
}
