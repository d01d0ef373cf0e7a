package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long a coalescing entry lives after its last refresh.
const DefaultCacheTTL = 24 * time.Hour

const cacheKeyPrefix = "DOCUMENT_"

// Cache remembers the last persisted serialized state per document.
// It is an optimization only; it is never authoritative.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// CacheKey returns the coalescing cache key for a document.
func CacheKey(id uuid.UUID) string {
	return cacheKeyPrefix + id.String()
}

// RedisCache is a Cache backed by Redis string keys with expiry.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache wraps an existing client. The caller owns the client lifecycle.
func NewRedisCache(client redis.Cmdable) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("document: nil redis client")
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}
