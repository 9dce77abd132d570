package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/ariefcatur/go-product-catalog/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Prices are stored as NUMERIC(12,2) and quantities as INTEGER.
const priceScale = 2

var maxPrice = decimal.New(1, 10)

type Options struct {
	DefaultPageLimit int
	MaxPageLimit     int
	PublishTimeout   time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// Service owns the catalog mutations: validate, write in one transaction,
// commit, then publish the domain event. The store is the source of truth;
// a failed publish is reported but never undoes a committed write.
type Service struct {
	store    Store
	pub      Publisher
	validate *validator.Validate
	log      *zap.Logger
	metrics  *metrics.Metrics

	defaultLimit   int
	maxLimit       int
	publishTimeout time.Duration
}

func NewService(store Store, pub Publisher, opts Options) *Service {
	if opts.DefaultPageLimit <= 0 {
		opts.DefaultPageLimit = 100
	}
	if opts.MaxPageLimit <= 0 {
		opts.MaxPageLimit = 100
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		store:          store,
		pub:            pub,
		validate:       newValidator(),
		log:            opts.Logger,
		metrics:        opts.Metrics,
		defaultLimit:   opts.DefaultPageLimit,
		maxLimit:       opts.MaxPageLimit,
		publishTimeout: opts.PublishTimeout,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Service) CreateCategory(ctx context.Context, in CategoryInput) (Category, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := s.check(in); err != nil {
		return Category{}, err
	}

	var out Category
	err := s.store.WithTx(ctx, func(q Queries) error {
		c, err := q.InsertCategory(ctx, in)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Category{}, fmt.Errorf("create category: %w", err)
	}

	s.publish(ctx, EventCategoryCreated, CategoryKey(out.ID), out)
	return out, nil
}

func (s *Service) GetCategory(ctx context.Context, id int64) (Category, error) {
	c, err := s.store.GetCategory(ctx, id)
	if err != nil {
		return Category{}, fmt.Errorf("get category: %w", err)
	}
	return c, nil
}

func (s *Service) ListCategories(ctx context.Context, p Page) ([]Category, error) {
	p, err := s.NormalizePage(p)
	if err != nil {
		return nil, err
	}
	cs, err := s.store.ListCategories(ctx, p.Skip, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	if cs == nil {
		cs = []Category{}
	}
	return cs, nil
}

func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (Product, error) {
	in = normalizeProduct(in)
	if err := s.checkProduct(in); err != nil {
		return Product{}, err
	}

	var out Product
	err := s.store.WithTx(ctx, func(q Queries) error {
		// No product row is written for a missing category.
		if _, err := q.GetCategory(ctx, in.CategoryID); err != nil {
			return err
		}
		p, err := q.InsertProduct(ctx, in)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Product{}, fmt.Errorf("create product: %w", err)
	}

	s.publish(ctx, EventProductCreated, ProductKey(out.ID), out)
	return out, nil
}

func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (s *Service) ListProducts(ctx context.Context, p Page) ([]Product, error) {
	p, err := s.NormalizePage(p)
	if err != nil {
		return nil, err
	}
	ps, err := s.store.ListProducts(ctx, p.Skip, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	if ps == nil {
		ps = []Product{}
	}
	return ps, nil
}

// UpdateProduct replaces every field of product id with in.
func (s *Service) UpdateProduct(ctx context.Context, id int64, in ProductInput) (Product, error) {
	in = normalizeProduct(in)
	if err := s.checkProduct(in); err != nil {
		return Product{}, err
	}

	var out Product
	err := s.store.WithTx(ctx, func(q Queries) error {
		cur, err := q.LockProduct(ctx, id)
		if err != nil {
			return err
		}
		if in.CategoryID != cur.CategoryID {
			if _, err := q.GetCategory(ctx, in.CategoryID); err != nil {
				return err
			}
		}
		p, err := q.UpdateProduct(ctx, id, in)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Product{}, fmt.Errorf("update product %d: %w", id, err)
	}

	s.publish(ctx, EventProductUpdated, ProductKey(out.ID), out)
	return out, nil
}

// DeleteProduct hard-deletes product id. The deleted event carries the
// product as it was before deletion.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	var gone Product
	err := s.store.WithTx(ctx, func(q Queries) error {
		cur, err := q.LockProduct(ctx, id)
		if err != nil {
			return err
		}
		if err := q.DeleteProduct(ctx, id); err != nil {
			return err
		}
		gone = cur
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete product %d: %w", id, err)
	}

	s.publish(ctx, EventProductDeleted, ProductKey(gone.ID), gone)
	return nil
}

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// NormalizePage applies the default limit and caps it at the maximum.
func (s *Service) NormalizePage(p Page) (Page, error) {
	if p.Skip < 0 {
		return Page{}, invalid("skip", "must be >= 0")
	}
	if p.Limit < 0 {
		return Page{}, invalid("limit", "must be >= 0")
	}
	if p.Limit == 0 {
		p.Limit = s.defaultLimit
	}
	if p.Limit > s.maxLimit {
		p.Limit = s.maxLimit
	}
	return p, nil
}

// publish runs after commit. It is detached from the caller's cancellation
// so an aborted request still announces a committed mutation.
func (s *Service) publish(ctx context.Context, event string, key []byte, payload any) {
	if s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	status := "ok"
	if err := s.pub.Publish(ctx, event, key, payload); err != nil {
		status = "failed"
		s.log.Error("event publish failed after commit; downstream caches may be stale",
			zap.String("event", event),
			zap.ByteString("key", key),
			zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.EventsPublish.WithLabelValues(event, status).Inc()
	}
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return invalid(fe.Field(), fmt.Sprintf("failed on the '%s' rule", fe.Tag()))
	}
	return invalid("", err.Error())
}

func (s *Service) checkProduct(in ProductInput) error {
	if err := s.check(in); err != nil {
		return err
	}
	switch {
	case in.Price == nil:
		return invalid("price", "is required")
	case in.Price.IsNegative():
		return invalid("price", "must be >= 0")
	case !in.Price.Equal(in.Price.Round(priceScale)):
		return invalid("price", "must have at most 2 decimal places")
	case in.Price.GreaterThanOrEqual(maxPrice):
		return invalid("price", "must be less than "+maxPrice.String())
	case *in.Quantity > math.MaxInt32:
		return invalid("quantity", fmt.Sprintf("must be <= %d", math.MaxInt32))
	}
	return nil
}

func normalizeProduct(in ProductInput) ProductInput {
	in.Name = strings.TrimSpace(in.Name)
	in.SKU = strings.TrimSpace(in.SKU)
	return in
}
