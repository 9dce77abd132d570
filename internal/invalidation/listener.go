package invalidation

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-product-catalog/internal/catalog"
	kafkax "github.com/ariefcatur/go-product-catalog/internal/kafka"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type subscriber interface {
	Subscribe(ctx context.Context, pattern string, h kafkax.Handler) error
}

// Listener keeps the cache in step with writes made by any instance: it
// binds product.* and category.* and invalidates on every event.
type Listener struct {
	sub subscriber
	inv *Invalidator
	log *zap.Logger
}

func NewListener(sub subscriber, inv *Invalidator, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{sub: sub, inv: inv, log: log}
}

// Run blocks until ctx is done or one of the subscriptions fails, in which
// case the other is stopped too.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info("invalidation listener started")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.sub.Subscribe(ctx, catalog.PatternProductEvents, l.HandleProductEvent)
	})
	g.Go(func() error {
		return l.sub.Subscribe(ctx, catalog.PatternCategoryEvents, l.HandleCategoryEvent)
	})
	err := g.Wait()
	l.log.Info("invalidation listener stopped", zap.Error(err))
	return err
}

func (l *Listener) HandleProductEvent(ctx context.Context, env kafkax.Envelope) error {
	id, err := resourceID(env)
	if err != nil {
		return err
	}
	return l.inv.Product(ctx, OriginListener, id)
}

func (l *Listener) HandleCategoryEvent(ctx context.Context, env kafkax.Envelope) error {
	id, err := resourceID(env)
	if err != nil {
		return err
	}
	return l.inv.Category(ctx, OriginListener, id)
}

type idPayload struct {
	ID int64 `json:"id"`
}

// resourceID reads data.id. A payload without a usable id is skipped.
func resourceID(env kafkax.Envelope) (int64, error) {
	p, err := kafkax.UnwrapPayload[idPayload](env)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", kafkax.ErrSkip, err)
	}
	if p.ID <= 0 {
		return 0, fmt.Errorf("%w: %s without a valid id", kafkax.ErrSkip, env.Event)
	}
	return p.ID, nil
}
