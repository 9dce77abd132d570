package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Loader produces the authoritative value for a cache miss.
type Loader func(ctx context.Context) (any, error)

// Aside serves key from the cache or, on a miss, calls load, stores the
// JSON encoding with ttl and returns it. Hits and misses return the same
// bytes. Cache failures degrade to load and are only logged; load errors are
// returned and nothing is stored.
//
// A load that races a concurrent invalidation may store a stale value; it
// lives at most ttl.
func (c *Cache) Aside(ctx context.Context, key string, ttl time.Duration, load Loader) (json.RawMessage, error) {
	raw, ok, err := c.GetRaw(ctx, key)
	switch {
	case err != nil:
		c.count("error")
		c.log.Warn("cache read failed, falling back to store", zap.String("key", key), zap.Error(err))
	case ok && json.Valid(raw):
		c.count("hit")
		return raw, nil
	default:
		c.count("miss")
	}

	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %w", ErrCacheSerialization, key, err)
	}
	if err := c.Set(ctx, key, json.RawMessage(b), ttl); err != nil {
		c.log.Warn("cache populate failed", zap.String("key", key), zap.Error(err))
	}
	return b, nil
}

func (c *Cache) count(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
