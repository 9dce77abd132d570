package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// prices go out as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true
}

type Category struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

type Product struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description *string         `json:"description"`
	SKU         string          `json:"sku"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	CategoryID  int64           `json:"category_id"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   *time.Time      `json:"updated_at"`
}

type CategoryInput struct {
	Name        string  `json:"name" validate:"required,max=255"`
	Description *string `json:"description"`
}

// ProductInput is used for both create and update. Update replaces every
// field, so an omitted is_active resets to true.
type ProductInput struct {
	Name        string           `json:"name" validate:"required,max=255"`
	Description *string          `json:"description"`
	SKU         string           `json:"sku" validate:"required,max=64"`
	Price       *decimal.Decimal `json:"price"`
	Quantity    *int             `json:"quantity" validate:"required,gte=0"`
	CategoryID  int64            `json:"category_id"`
	IsActive    *bool            `json:"is_active"`
}

func (in ProductInput) Active() bool {
	return in.IsActive == nil || *in.IsActive
}

func (in ProductInput) PriceValue() decimal.Decimal {
	if in.Price == nil {
		return decimal.Zero
	}
	return *in.Price
}

func (in ProductInput) QuantityValue() int {
	if in.Quantity == nil {
		return 0
	}
	return *in.Quantity
}

type Page struct {
	Skip  int
	Limit int
}
