package catalog

import "context"

// Queries is the data access surface of the catalog. Lookups of a missing
// row return *NotFoundError; implementations translate their driver errors
// into this package's taxonomy.
type Queries interface {
	GetCategory(ctx context.Context, id int64) (Category, error)
	ListCategories(ctx context.Context, skip, limit int) ([]Category, error)
	InsertCategory(ctx context.Context, in CategoryInput) (Category, error)

	GetProduct(ctx context.Context, id int64) (Product, error)
	// LockProduct reads a product and holds a row lock until the enclosing
	// transaction ends.
	LockProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context, skip, limit int) ([]Product, error)
	InsertProduct(ctx context.Context, in ProductInput) (Product, error)
	UpdateProduct(ctx context.Context, id int64, in ProductInput) (Product, error)
	DeleteProduct(ctx context.Context, id int64) error
}

type Store interface {
	Queries
	// WithTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back otherwise, including when ctx is cancelled.
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
}

type Publisher interface {
	Publish(ctx context.Context, event string, key []byte, payload any) error
}
