// Package catalogtest provides in-memory doubles of the catalog's
// collaborators for tests.
package catalogtest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-product-catalog/internal/catalog"
)

// MemoryStore is a catalog.Store kept in maps. Transactions run on a copy of
// the state, serialized by one mutex, and are swapped in on commit. It
// enforces the category foreign key and SKU uniqueness like the Postgres
// schema does.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	Now   func() time.Time

	// PingErr is returned by Ping when set.
	PingErr error
}

type memState struct {
	categories map[int64]catalog.Category
	products   map[int64]catalog.Product
	nextCat    int64
	nextProd   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			categories: map[int64]catalog.Category{},
			products:   map[int64]catalog.Product{},
		},
		Now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(q catalog.Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memQueries{st: m.state.clone(), now: m.Now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = tx.st
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return m.PingErr }

// ProductCount reports how many products are stored.
func (m *MemoryStore) ProductCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.products)
}

func (m *MemoryStore) read() *memQueries {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memQueries{st: m.state.clone(), now: m.Now}
}

func (m *MemoryStore) GetCategory(ctx context.Context, id int64) (catalog.Category, error) {
	return m.read().GetCategory(ctx, id)
}

func (m *MemoryStore) ListCategories(ctx context.Context, skip, limit int) ([]catalog.Category, error) {
	return m.read().ListCategories(ctx, skip, limit)
}

func (m *MemoryStore) InsertCategory(ctx context.Context, in catalog.CategoryInput) (catalog.Category, error) {
	var out catalog.Category
	err := m.WithTx(ctx, func(q catalog.Queries) error {
		var err error
		out, err = q.InsertCategory(ctx, in)
		return err
	})
	return out, err
}

func (m *MemoryStore) GetProduct(ctx context.Context, id int64) (catalog.Product, error) {
	return m.read().GetProduct(ctx, id)
}

func (m *MemoryStore) LockProduct(ctx context.Context, id int64) (catalog.Product, error) {
	return m.read().GetProduct(ctx, id)
}

func (m *MemoryStore) ListProducts(ctx context.Context, skip, limit int) ([]catalog.Product, error) {
	return m.read().ListProducts(ctx, skip, limit)
}

func (m *MemoryStore) InsertProduct(ctx context.Context, in catalog.ProductInput) (catalog.Product, error) {
	var out catalog.Product
	err := m.WithTx(ctx, func(q catalog.Queries) error {
		var err error
		out, err = q.InsertProduct(ctx, in)
		return err
	})
	return out, err
}

func (m *MemoryStore) UpdateProduct(ctx context.Context, id int64, in catalog.ProductInput) (catalog.Product, error) {
	var out catalog.Product
	err := m.WithTx(ctx, func(q catalog.Queries) error {
		var err error
		out, err = q.UpdateProduct(ctx, id, in)
		return err
	})
	return out, err
}

func (m *MemoryStore) DeleteProduct(ctx context.Context, id int64) error {
	return m.WithTx(ctx, func(q catalog.Queries) error { return q.DeleteProduct(ctx, id) })
}

func (s *memState) clone() *memState {
	c := &memState{
		categories: make(map[int64]catalog.Category, len(s.categories)),
		products:   make(map[int64]catalog.Product, len(s.products)),
		nextCat:    s.nextCat,
		nextProd:   s.nextProd,
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	return c
}

type memQueries struct {
	st  *memState
	now func() time.Time
}

func (q *memQueries) GetCategory(_ context.Context, id int64) (catalog.Category, error) {
	c, ok := q.st.categories[id]
	if !ok {
		return catalog.Category{}, &catalog.NotFoundError{Resource: "category", ID: id}
	}
	return c, nil
}

func (q *memQueries) ListCategories(_ context.Context, skip, limit int) ([]catalog.Category, error) {
	ids := sortedKeys(q.st.categories)
	out := []catalog.Category{}
	for _, id := range window(ids, skip, limit) {
		out = append(out, q.st.categories[id])
	}
	return out, nil
}

func (q *memQueries) InsertCategory(_ context.Context, in catalog.CategoryInput) (catalog.Category, error) {
	q.st.nextCat++
	c := catalog.Category{
		ID:          q.st.nextCat,
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   q.now(),
	}
	q.st.categories[c.ID] = c
	return c, nil
}

func (q *memQueries) GetProduct(_ context.Context, id int64) (catalog.Product, error) {
	p, ok := q.st.products[id]
	if !ok {
		return catalog.Product{}, &catalog.NotFoundError{Resource: "product", ID: id}
	}
	return p, nil
}

func (q *memQueries) LockProduct(ctx context.Context, id int64) (catalog.Product, error) {
	return q.GetProduct(ctx, id)
}

func (q *memQueries) ListProducts(_ context.Context, skip, limit int) ([]catalog.Product, error) {
	ids := sortedKeys(q.st.products)
	out := []catalog.Product{}
	for _, id := range window(ids, skip, limit) {
		out = append(out, q.st.products[id])
	}
	return out, nil
}

func (q *memQueries) InsertProduct(_ context.Context, in catalog.ProductInput) (catalog.Product, error) {
	if err := q.checkRefs(0, in); err != nil {
		return catalog.Product{}, err
	}
	q.st.nextProd++
	p := catalog.Product{
		ID:          q.st.nextProd,
		Name:        in.Name,
		Description: in.Description,
		SKU:         in.SKU,
		Price:       in.PriceValue(),
		Quantity:    in.QuantityValue(),
		CategoryID:  in.CategoryID,
		IsActive:    in.Active(),
		CreatedAt:   q.now(),
	}
	q.st.products[p.ID] = p
	return p, nil
}

func (q *memQueries) UpdateProduct(_ context.Context, id int64, in catalog.ProductInput) (catalog.Product, error) {
	cur, ok := q.st.products[id]
	if !ok {
		return catalog.Product{}, &catalog.NotFoundError{Resource: "product", ID: id}
	}
	if err := q.checkRefs(id, in); err != nil {
		return catalog.Product{}, err
	}
	now := q.now()
	cur.Name = in.Name
	cur.Description = in.Description
	cur.SKU = in.SKU
	cur.Price = in.PriceValue()
	cur.Quantity = in.QuantityValue()
	cur.CategoryID = in.CategoryID
	cur.IsActive = in.Active()
	cur.UpdatedAt = &now
	q.st.products[id] = cur
	return cur, nil
}

func (q *memQueries) DeleteProduct(_ context.Context, id int64) error {
	if _, ok := q.st.products[id]; !ok {
		return &catalog.NotFoundError{Resource: "product", ID: id}
	}
	delete(q.st.products, id)
	return nil
}

func (q *memQueries) checkRefs(self int64, in catalog.ProductInput) error {
	if _, ok := q.st.categories[in.CategoryID]; !ok {
		return &catalog.NotFoundError{Resource: "category", ID: in.CategoryID}
	}
	for id, p := range q.st.products {
		if id != self && p.SKU == in.SKU {
			return catalog.ErrConflict
		}
	}
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func window(ids []int64, skip, limit int) []int64 {
	if skip >= len(ids) {
		return nil
	}
	ids = ids[skip:]
	if limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

// Published is one call recorded by RecordingPublisher.
type Published struct {
	Event   string
	Key     string
	Payload json.RawMessage
}

// RecordingPublisher is a catalog.Publisher that keeps every call in memory
// and optionally fails them.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Published
	Err    error
}

func (p *RecordingPublisher) Publish(_ context.Context, event string, key []byte, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, Published{Event: event, Key: string(key), Payload: b})
	return nil
}

func (p *RecordingPublisher) Events() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.events...)
}
