package postgres

import (
	"fmt"
	"testing"

	"github.com/ariefcatur/go-product-catalog/internal/catalog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	pgErr := func(code string) error {
		return fmt.Errorf("exec: %w", &pgconn.PgError{Code: code, Message: "boom"})
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, catalog.ErrNotFound},
		{"unique", pgErr(codeUniqueViolation), catalog.ErrConflict},
		{"foreign key", pgErr(codeForeignKeyViolation), catalog.ErrNotFound},
		{"check", pgErr(codeCheckViolation), catalog.ErrValidation},
		{"numeric out of range", pgErr(codeNumericOutOfRange), catalog.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translate(tt.err, "product", 1), tt.want)
		})
	}

	err := translate(pgErr("57014"), "product", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, catalog.ErrValidation)
	assert.Contains(t, err.Error(), "57014")
}

func TestTranslateProduct_ForeignKeyNamesCategory(t *testing.T) {
	err := translateProduct(&pgconn.PgError{Code: codeForeignKeyViolation}, catalog.ProductInput{CategoryID: 404})
	var nf *catalog.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "category", nf.Resource)
	assert.Equal(t, int64(404), nf.ID)
}
