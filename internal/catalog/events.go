package catalog

import "strconv"

// Routing keys on the events topic: "<resource>.<verb>".
const (
	EventCategoryCreated = "category.created"
	EventProductCreated  = "product.created"
	EventProductUpdated  = "product.updated"
	EventProductDeleted  = "product.deleted"

	PatternCategoryEvents = "category.*"
	PatternProductEvents  = "product.*"
)

// Message key = resource:id, so every event of one resource lands on the
// same partition and keeps its order.
func CategoryKey(id int64) []byte { return []byte("category:" + strconv.FormatInt(id, 10)) }

func ProductKey(id int64) []byte { return []byte("product:" + strconv.FormatInt(id, 10)) }
