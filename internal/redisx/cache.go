package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-product-catalog/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const scanBatchSize = 100

var (
	// ErrCacheUnavailable wraps every transport failure. Read paths treat it
	// as a miss.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrCacheSerialization is returned for values that cannot be encoded.
	ErrCacheSerialization = errors.New("cache serialization failed")
)

// Cache is a TTL key/value cache on redis. Structured values are stored as
// JSON, scalar-like values as plain text. It is safe for concurrent use.
type Cache struct {
	rdb        redis.UniversalClient
	defaultTTL time.Duration
	opTimeout  time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics
}

type CacheOption func(*Cache)

func WithLogger(l *zap.Logger) CacheOption {
	return func(c *Cache) { c.log = l }
}

func WithMetrics(m *metrics.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

func WithOpTimeout(d time.Duration) CacheOption {
	return func(c *Cache) { c.opTimeout = d }
}

// NewCache wraps rdb. The caller keeps ownership of rdb and closes it.
func NewCache(rdb redis.UniversalClient, defaultTTL time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		rdb:        rdb,
		defaultTTL: defaultTTL,
		opTimeout:  2 * time.Second,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) DefaultTTL() time.Duration { return c.defaultTTL }

func (c *Cache) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func unavailable(action, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrCacheUnavailable, action, key, err)
}

// GetRaw returns the stored bytes of key. ok is false on a miss.
func (c *Cache) GetRaw(ctx context.Context, key string) (raw []byte, ok bool, err error) {
	ctx, cancel := c.op(ctx)
	defer cancel()

	raw, err = c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", key, err)
	}
	return raw, true, nil
}

// Get decodes key into dst. A *string dst receives the stored text as is,
// mirroring how Set writes strings. Any other value that does not decode is
// reported as a miss and dropped.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := c.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if s, isStr := dst.(*string); isStr {
		*s = string(raw)
		return true, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Debug("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = c.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// Set stores value under key. ttl <= 0 uses the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return fmt.Errorf("%w: key %s: %w", ErrCacheSerialization, key, err)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	ctx, cancel := c.op(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case bool:
		return strconv.AppendBool(nil, v), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return []byte(fmt.Sprint(v)), nil
	}
	return json.Marshal(value)
}

// Delete removes keys; absent keys are ignored.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.op(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return unavailable("del", keys[0], err)
	}
	return nil
}

// InvalidatePattern deletes every key matching the glob pattern, walking
// the keyspace with SCAN. The walk is not atomic: a matching key written
// while the scan runs may or may not be removed. Callers rely on TTL for
// whatever slips through.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := c.scan(ctx, cursor, pattern)
		if err != nil {
			return deleted, unavailable("scan", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.del(ctx, keys)
			if err != nil {
				return deleted, unavailable("del", pattern, err)
			}
			deleted += n
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	c.log.Debug("invalidated cache pattern",
		zap.String("pattern", pattern),
		zap.Int64("deleted", deleted))
	return deleted, nil
}

func (c *Cache) scan(ctx context.Context, cursor uint64, pattern string) ([]string, uint64, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()
	return c.rdb.Scan(ctx, cursor, pattern, scanBatchSize).Result()
}

func (c *Cache) del(ctx context.Context, keys []string) (int64, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()
	return c.rdb.Del(ctx, keys...).Result()
}

// ClearAll flushes the configured logical database. Administrative use only.
func (c *Cache) ClearAll(ctx context.Context) error {
	ctx, cancel := c.op(ctx)
	defer cancel()
	if err := c.rdb.FlushDB(ctx).Err(); err != nil {
		return unavailable("flushdb", "*", err)
	}
	c.log.Warn("cache flushed")
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := c.op(ctx)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}
