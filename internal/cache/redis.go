package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

const scanBatch = 100

// RedisBackend keeps entries as plain keys with native expiry
type RedisBackend struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

// NewRedisBackend creates a redis backend over an existing client
func NewRedisBackend(client *redis.Client, prefix string, logger *zap.Logger) *RedisBackend {
	return &RedisBackend{client: client, logger: logger, prefix: prefix}
}

// Get implements Backend
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache: %w", err)
	}
	return val, true, nil
}

// Set implements Backend
func (b *RedisBackend) Set(ctx context.Context, key string, _ types.Platform, payload []byte, ttl time.Duration) error {
	return b.client.Set(ctx, b.prefix+key, payload, ttl).Err()
}

// Delete implements Backend
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.prefix+key).Err()
}

// Clear deletes matching keys using SCAN so Redis is never blocked
func (b *RedisBackend) Clear(ctx context.Context, platform types.Platform) (int64, error) {
	pattern := b.prefix + "*"
	if platform != "" {
		pattern = b.prefix + string(platform) + ":*"
	}

	keys, err := b.scan(ctx, pattern)
	if err != nil {
		return 0, err
	}

	var deleted int64
	// Delete keys in batches to avoid large DEL commands
	for i := 0; i < len(keys); i += scanBatch {
		end := min(i+scanBatch, len(keys))
		n, err := b.client.Del(ctx, keys[i:end]...).Result()
		if err != nil {
			b.logger.Error("Failed to delete cache batch", zap.String("pattern", pattern), zap.Error(err))
			return deleted, fmt.Errorf("failed to delete cache keys: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

// CountByPlatform implements Backend
func (b *RedisBackend) CountByPlatform(ctx context.Context) (map[types.Platform]int64, error) {
	keys, err := b.scan(ctx, b.prefix+"*")
	if err != nil {
		return nil, err
	}

	counts := make(map[types.Platform]int64)
	for _, k := range keys {
		platform, _, ok := strings.Cut(strings.TrimPrefix(k, b.prefix), ":")
		if ok {
			counts[types.Platform(platform)]++
		}
	}
	return counts, nil
}

// Close is a no-op; the client is shared and closed by its owner
func (b *RedisBackend) Close() error {
	return nil
}

func (b *RedisBackend) scan(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := b.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
