package redisx

import "fmt"

const (
	// product:{id} -> serialized product
	KeyProduct = "product:%d"

	// products:skip={s}:limit={l} -> serialized product page
	KeyProducts = "products:skip=%d:limit=%d"

	// category:{id} -> serialized category
	KeyCategory = "category:%d"

	// categories:skip={s}:limit={l} -> serialized category page
	KeyCategories = "categories:skip=%d:limit=%d"

	// Every cached page of a resource list.
	PatternProducts   = "products:*"
	PatternCategories = "categories:*"
)

func ProductKey(id int64) string { return fmt.Sprintf(KeyProduct, id) }

func ProductsKey(skip, limit int) string { return fmt.Sprintf(KeyProducts, skip, limit) }

func CategoryKey(id int64) string { return fmt.Sprintf(KeyCategory, id) }

func CategoriesKey(skip, limit int) string { return fmt.Sprintf(KeyCategories, skip, limit) }
