package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-product-catalog/internal/catalog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// SQLSTATE codes translated into the catalog error taxonomy.
const (
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
	codeCheckViolation      = "23514"
	codeNumericOutOfRange   = "22003"
)

// querier is the part of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements catalog.Store on a pgx pool. Outside WithTx every call
// runs on its own pooled connection.
type Store struct {
	DB *pgxpool.Pool
	queries
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db, queries: queries{q: db}}
}

func (s *Store) WithTx(ctx context.Context, fn func(q catalog.Queries) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// Rollback after Commit is a no-op; on every other path, including a
	// cancelled ctx, this releases the transaction.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(err, "commit", 0)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

type queries struct{ q querier }

const categoryCols = `id, name, description, created_at, updated_at`

const productCols = `id, name, description, sku, price::text, quantity, category_id, is_active, created_at, updated_at`

func scanCategory(row pgx.Row) (catalog.Category, error) {
	var c catalog.Category
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = utcPtr(c.UpdatedAt)
	return c, err
}

func scanProduct(row pgx.Row) (catalog.Product, error) {
	var (
		p     catalog.Product
		price string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.SKU, &price, &p.Quantity,
		&p.CategoryID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return p, fmt.Errorf("decode price %q: %w", price, err)
	}
	p.Price = d
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = utcPtr(p.UpdatedAt)
	return p, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (r queries) GetCategory(ctx context.Context, id int64) (catalog.Category, error) {
	c, err := scanCategory(r.q.QueryRow(ctx, `SELECT `+categoryCols+` FROM categories WHERE id=$1`, id))
	if err != nil {
		return catalog.Category{}, translate(err, "category", id)
	}
	return c, nil
}

func (r queries) ListCategories(ctx context.Context, skip, limit int) ([]catalog.Category, error) {
	rows, err := r.q.Query(ctx, `SELECT `+categoryCols+` FROM categories ORDER BY id OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []catalog.Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r queries) InsertCategory(ctx context.Context, in catalog.CategoryInput) (catalog.Category, error) {
	c, err := scanCategory(r.q.QueryRow(ctx, `
		INSERT INTO categories(name, description)
		VALUES ($1, $2)
		RETURNING `+categoryCols, in.Name, in.Description))
	if err != nil {
		return catalog.Category{}, translate(err, "category", 0)
	}
	return c, nil
}

func (r queries) GetProduct(ctx context.Context, id int64) (catalog.Product, error) {
	p, err := scanProduct(r.q.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
	if err != nil {
		return catalog.Product{}, translate(err, "product", id)
	}
	return p, nil
}

func (r queries) LockProduct(ctx context.Context, id int64) (catalog.Product, error) {
	p, err := scanProduct(r.q.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return catalog.Product{}, translate(err, "product", id)
	}
	return p, nil
}

func (r queries) ListProducts(ctx context.Context, skip, limit int) ([]catalog.Product, error) {
	rows, err := r.q.Query(ctx, `SELECT `+productCols+` FROM products ORDER BY id OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []catalog.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r queries) InsertProduct(ctx context.Context, in catalog.ProductInput) (catalog.Product, error) {
	p, err := scanProduct(r.q.QueryRow(ctx, `
		INSERT INTO products(name, description, sku, price, quantity, category_id, is_active)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7)
		RETURNING `+productCols,
		in.Name, in.Description, in.SKU, in.PriceValue().String(), in.QuantityValue(), in.CategoryID, in.Active()))
	if err != nil {
		return catalog.Product{}, translateProduct(err, in)
	}
	return p, nil
}

func (r queries) UpdateProduct(ctx context.Context, id int64, in catalog.ProductInput) (catalog.Product, error) {
	p, err := scanProduct(r.q.QueryRow(ctx, `
		UPDATE products
		SET name=$2, description=$3, sku=$4, price=$5::text::numeric, quantity=$6,
		    category_id=$7, is_active=$8, updated_at=now()
		WHERE id=$1
		RETURNING `+productCols,
		id, in.Name, in.Description, in.SKU, in.PriceValue().String(), in.QuantityValue(), in.CategoryID, in.Active()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Product{}, &catalog.NotFoundError{Resource: "product", ID: id}
		}
		return catalog.Product{}, translateProduct(err, in)
	}
	return p, nil
}

func (r queries) DeleteProduct(ctx context.Context, id int64) error {
	ct, err := r.q.Exec(ctx, `DELETE FROM products WHERE id=$1`, id)
	if err != nil {
		return translate(err, "product", id)
	}
	if ct.RowsAffected() != 1 {
		return &catalog.NotFoundError{Resource: "product", ID: id}
	}
	return nil
}

func translateProduct(err error, in catalog.ProductInput) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
		return &catalog.NotFoundError{Resource: "category", ID: in.CategoryID}
	}
	return translate(err, "product", 0)
}

// translate maps driver errors onto the catalog taxonomy so callers never
// see pgx types.
func translate(err error, resource string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &catalog.NotFoundError{Resource: resource, ID: id}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", catalog.ErrConflict, pgErr.Detail)
		case codeForeignKeyViolation:
			return &catalog.NotFoundError{Resource: "category"}
		case codeCheckViolation:
			return &catalog.ValidationError{Field: pgErr.ConstraintName, Message: "violates check constraint"}
		case codeNumericOutOfRange:
			return &catalog.ValidationError{Message: "numeric value out of range"}
		}
		return fmt.Errorf("%s: postgres %s: %s", resource, pgErr.Code, pgErr.Message)
	}
	return err
}

var _ catalog.Store = (*Store)(nil)
