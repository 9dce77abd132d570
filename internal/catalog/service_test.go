package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ariefcatur/go-product-catalog/internal/catalog"
	"github.com/ariefcatur/go-product-catalog/internal/catalog/catalogtest"
	"github.com/ariefcatur/go-product-catalog/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*catalog.Service, *catalogtest.MemoryStore, *catalogtest.RecordingPublisher, *metrics.Metrics) {
	t.Helper()
	store := catalogtest.NewMemoryStore()
	pub := &catalogtest.RecordingPublisher{}
	m := metrics.New()
	svc := catalog.NewService(store, pub, catalog.Options{
		DefaultPageLimit: 2,
		MaxPageLimit:     3,
		Metrics:          m,
	})
	return svc, store, pub, m
}

func ptr[T any](v T) *T { return &v }

func price(s string) *decimal.Decimal { return ptr(decimal.RequireFromString(s)) }

func phone(categoryID int64) catalog.ProductInput {
	return catalog.ProductInput{
		Name:       "Phone",
		SKU:        "PHONE-001",
		Price:      price("999.99"),
		Quantity:   ptr(10),
		CategoryID: categoryID,
	}
}

func TestCreateCategory(t *testing.T) {
	svc, _, pub, _ := newService(t)
	ctx := context.Background()
	desc := "gadgets"

	c, err := svc.CreateCategory(ctx, catalog.CategoryInput{Name: "Electronics", Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.ID)
	assert.Equal(t, "Electronics", c.Name)
	assert.Equal(t, &desc, c.Description)
	assert.False(t, c.CreatedAt.IsZero())
	assert.Nil(t, c.UpdatedAt)

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, catalog.EventCategoryCreated, events[0].Event)
	assert.Equal(t, "category:1", events[0].Key)
}

func TestCreateCategory_EmptyName(t *testing.T) {
	svc, _, pub, _ := newService(t)

	_, err := svc.CreateCategory(context.Background(), catalog.CategoryInput{Name: "   "})
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrValidation)

	var verr *catalog.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)
	assert.Empty(t, pub.Events())
}

func TestCatalogScenario(t *testing.T) {
	svc, _, pub, _ := newService(t)
	ctx := context.Background()

	cat, err := svc.CreateCategory(ctx, catalog.CategoryInput{Name: "Electronics"})
	require.NoError(t, err)
	require.Equal(t, int64(1), cat.ID)

	p, err := svc.CreateProduct(ctx, phone(cat.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.ID)
	assert.True(t, p.IsActive)
	assert.Equal(t, "PHONE-001", p.SKU)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("999.99")))
	assert.Equal(t, 10, p.Quantity)

	got, err := svc.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	in := phone(cat.ID)
	in.Price = price("799.99")
	upd, err := svc.UpdateProduct(ctx, p.ID, in)
	require.NoError(t, err)
	assert.Equal(t, p.ID, upd.ID)
	assert.Equal(t, "PHONE-001", upd.SKU)
	assert.True(t, upd.Price.Equal(decimal.RequireFromString("799.99")))
	assert.NotNil(t, upd.UpdatedAt)
	assert.Equal(t, p.CreatedAt, upd.CreatedAt)

	names := []string{}
	for _, e := range pub.Events() {
		names = append(names, e.Event)
	}
	assert.Equal(t, []string{catalog.EventCategoryCreated, catalog.EventProductCreated, catalog.EventProductUpdated}, names)

	var payload catalog.Product
	require.NoError(t, json.Unmarshal(pub.Events()[2].Payload, &payload))
	assert.True(t, payload.Price.Equal(decimal.RequireFromString("799.99")))
}

func TestCreateProduct_MissingCategory(t *testing.T) {
	svc, store, pub, _ := newService(t)

	_, err := svc.CreateProduct(context.Background(), phone(42))
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	var nf *catalog.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "category", nf.Resource)
	assert.Equal(t, int64(42), nf.ID)

	assert.Equal(t, 0, store.ProductCount())
	assert.Empty(t, pub.Events())
}

func TestCreateProduct_Validation(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	cat, err := svc.CreateCategory(ctx, catalog.CategoryInput{Name: "Electronics"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		edit  func(*catalog.ProductInput)
		field string
	}{
		{"empty name", func(in *catalog.ProductInput) { in.Name = "" }, "name"},
		{"empty sku", func(in *catalog.ProductInput) { in.SKU = " " }, "sku"},
		{"negative quantity", func(in *catalog.ProductInput) { in.Quantity = ptr(-1) }, "quantity"},
		{"missing quantity", func(in *catalog.ProductInput) { in.Quantity = nil }, "quantity"},
		{"quantity above int4", func(in *catalog.ProductInput) { in.Quantity = ptr(math.MaxInt32 + 1) }, "quantity"},
		{"negative price", func(in *catalog.ProductInput) { in.Price = price("-1") }, "price"},
		{"missing price", func(in *catalog.ProductInput) { in.Price = nil }, "price"},
		{"price with three decimals", func(in *catalog.ProductInput) { in.Price = price("999.999") }, "price"},
		{"price too large", func(in *catalog.ProductInput) { in.Price = price("10000000000") }, "price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := phone(cat.ID)
			tt.edit(&in)
			_, err := svc.CreateProduct(ctx, in)
			var verr *catalog.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			_, err = svc.UpdateProduct(ctx, 1, in)
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Equal(t, 0, store.ProductCount())
}

func TestCreateProduct_PriceBounds(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	cat, err := svc.CreateCategory(ctx, catalog.CategoryInput{Name: "Electronics"})
	require.NoError(t, err)

	in := phone(cat.ID)
	in.Price = price("9999999999.99")
	in.Quantity = ptr(math.MaxInt32)
	p, err := svc.CreateProduct(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "9999999999.99", p.Price.String())
	assert.Equal(t, math.MaxInt32, p.Quantity)

	in.SKU = "FREE-1"
	in.Price = price("0")
	in.Quantity = ptr(0)
	p, err = svc.CreateProduct(ctx, in)
	require.NoError(t, err)
	assert.True(t, p.Price.IsZero())
	assert.Equal(t, 0, p.Quantity)
}

func TestCreateProduct_NonPositiveCategoryIsNotFound(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()

	for _, id := range []int64{0, -1} {
		_, err := svc.CreateProduct(ctx, phone(id))
		var nf *catalog.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "category", nf.Resource)
		assert.Equal(t, id, nf.ID)
	}
	assert.Equal(t, 0, store.ProductCount())
}

func TestCreateProduct_DuplicateSKU(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	cat, err := svc.CreateCategory(ctx, catalog.CategoryInput{Name: "Electronics"})
	require.NoError(t, err)

	_, err = svc.CreateProduct(ctx, phone(cat.ID))
	require.NoError(t, err)
	_, err = svc.CreateProduct(ctx, phone(cat.ID))
	assert.ErrorIs(t, err, catalog.ErrConflict)
}

func TestUpdateProduct(t *testing.T) {
	svc, _, pub, _ := newService(t)
	ctx := context.Background()
	cat, err := svc.CreateCategory(ctx, catalog.CategoryInput{Name: "Electronics"})
	require.NoError(t, err)
	p, err := svc.CreateProduct(ctx, phone(cat.ID))
	require.NoError(t, err)

	t.Run("missing product", func(t *testing.T) {
		_, err := svc.UpdateProduct(ctx, 99, phone(cat.ID))
		var nf *catalog.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "product", nf.Resource)
	})

	t.Run("new category must exist", func(t *testing.T) {
		_, err := svc.UpdateProduct(ctx, p.ID, phone(7))
		var nf *catalog.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "category", nf.Resource)

		still, err := svc.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, cat.ID, still.CategoryID)
	})

	t.Run("full replace resets omitted fields", func(t *testing.T) {
		off := false
		in := phone(cat.ID)
		in.IsActive = &off
		in.Description = nil
		upd, err := svc.UpdateProduct(ctx, p.ID, in)
		require.NoError(t, err)
		assert.False(t, upd.IsActive)

		upd, err = svc.UpdateProduct(ctx, p.ID, phone(cat.ID))
		require.NoError(t, err)
		assert.True(t, upd.IsActive)
	})

	assert.Len(t, pub.Events(), 4)
}

func TestDeleteProduct(t *testing.T) {
	svc, store, pub, _ := newService(t)
	ctx := context.Background()
	cat, err := svc.CreateCategory(ctx, catalog.CategoryInput{Name: "Electronics"})
	require.NoError(t, err)
	p, err := svc.CreateProduct(ctx, phone(cat.ID))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteProduct(ctx, p.ID))
	assert.Equal(t, 0, store.ProductCount())

	_, err = svc.GetProduct(ctx, p.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	events := pub.Events()
	last := events[len(events)-1]
	assert.Equal(t, catalog.EventProductDeleted, last.Event)
	var gone catalog.Product
	require.NoError(t, json.Unmarshal(last.Payload, &gone))
	assert.Equal(t, "PHONE-001", gone.SKU)

	// Repeated deletes keep failing the same way.
	for i := 0; i < 3; i++ {
		err := svc.DeleteProduct(ctx, p.ID)
		var nf *catalog.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "product", nf.Resource)
	}
	assert.Len(t, pub.Events(), len(events))
}

func TestPublishFailureDoesNotUndoCommit(t *testing.T) {
	svc, store, pub, m := newService(t)
	ctx := context.Background()
	cat, err := svc.CreateCategory(ctx, catalog.CategoryInput{Name: "Electronics"})
	require.NoError(t, err)

	pub.Err = errors.New("bus down")
	p, err := svc.CreateProduct(ctx, phone(cat.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, store.ProductCount())

	got, err := svc.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublish.WithLabelValues(catalog.EventProductCreated, "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublish.WithLabelValues(catalog.EventCategoryCreated, "ok")))
}

type cancelAfterCommit struct {
	catalog.Store
	cancel context.CancelFunc
}

func (s cancelAfterCommit) WithTx(ctx context.Context, fn func(q catalog.Queries) error) error {
	err := s.Store.WithTx(ctx, fn)
	s.cancel()
	return err
}

type ctxRecordingPublisher struct {
	err         error
	hasDeadline bool
}

func (p *ctxRecordingPublisher) Publish(ctx context.Context, _ string, _ []byte, _ any) error {
	p.err = ctx.Err()
	_, p.hasDeadline = ctx.Deadline()
	return nil
}

func TestPublishSurvivesCancelledRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &ctxRecordingPublisher{}
	store := cancelAfterCommit{Store: catalogtest.NewMemoryStore(), cancel: cancel}
	svc := catalog.NewService(store, pub, catalog.Options{PublishTimeout: time.Second})

	_, err := svc.CreateCategory(ctx, catalog.CategoryInput{Name: "Electronics"})
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.NoError(t, pub.err)
	assert.True(t, pub.hasDeadline)
}

func TestListPaging(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c", "d"} {
		_, err := svc.CreateCategory(ctx, catalog.CategoryInput{Name: n})
		require.NoError(t, err)
	}

	got, err := svc.ListCategories(ctx, catalog.Page{})
	require.NoError(t, err)
	assert.Len(t, got, 2, "default limit")

	got, err = svc.ListCategories(ctx, catalog.Page{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, got, 3, "capped at max limit")

	got, err = svc.ListCategories(ctx, catalog.Page{Skip: 3, Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d", got[0].Name)

	got, err = svc.ListCategories(ctx, catalog.Page{Skip: 10})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	products, err := svc.ListProducts(ctx, catalog.Page{})
	require.NoError(t, err)
	assert.NotNil(t, products)
	assert.Empty(t, products)

	_, err = svc.ListProducts(ctx, catalog.Page{Skip: -1})
	assert.ErrorIs(t, err, catalog.ErrValidation)
	_, err = svc.ListCategories(ctx, catalog.Page{Limit: -5})
	assert.ErrorIs(t, err, catalog.ErrValidation)
}
