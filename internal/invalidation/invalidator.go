package invalidation

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-product-catalog/internal/metrics"
	"github.com/ariefcatur/go-product-catalog/internal/redisx"
	"go.uber.org/zap"
)

// Origins label where an invalidation was triggered.
const (
	OriginWrite    = "write"
	OriginListener = "listener"
)

// Invalidator drops the cached item of a resource together with every
// cached page that may list it. Running it twice is harmless.
type Invalidator struct {
	cache   *redisx.Cache
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewInvalidator(cache *redisx.Cache, log *zap.Logger, m *metrics.Metrics) *Invalidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Invalidator{cache: cache, log: log, metrics: m}
}

func (i *Invalidator) Product(ctx context.Context, origin string, id int64) error {
	return i.invalidate(ctx, origin, redisx.ProductKey(id), redisx.PatternProducts)
}

func (i *Invalidator) Category(ctx context.Context, origin string, id int64) error {
	return i.invalidate(ctx, origin, redisx.CategoryKey(id), redisx.PatternCategories)
}

func (i *Invalidator) invalidate(ctx context.Context, origin, key, pattern string) error {
	var errs []error
	if err := i.cache.Delete(ctx, key); err != nil {
		errs = append(errs, err)
	}
	n, err := i.cache.InvalidatePattern(ctx, pattern)
	if err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		i.count(origin, "failed")
		return err
	}
	i.count(origin, "ok")
	i.log.Debug("cache invalidated",
		zap.String("origin", origin),
		zap.String("key", key),
		zap.String("pattern", pattern),
		zap.Int64("pages", n))
	return nil
}

func (i *Invalidator) count(origin, status string) {
	if i.metrics != nil {
		i.metrics.Invalidations.WithLabelValues(origin, status).Inc()
	}
}
