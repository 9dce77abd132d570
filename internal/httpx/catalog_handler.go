package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ariefcatur/go-product-catalog/internal/catalog"
	"github.com/ariefcatur/go-product-catalog/internal/invalidation"
	"github.com/ariefcatur/go-product-catalog/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// CatalogHandler serves categories and products. Reads go through the cache,
// writes go to the service and then drop the affected cache entries.
type CatalogHandler struct {
	Service     *catalog.Service
	Cache       *redisx.Cache
	Invalidator *invalidation.Invalidator
	Log         *zap.Logger
}

type errorResp struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type deleteResp struct {
	Deleted bool  `json:"deleted"`
	ID      int64 `json:"id"`
}

// Register mounts the routes at the root and under /api/v1.
func (h *CatalogHandler) Register(r chi.Router) {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	h.routes(r)
	r.Route("/api/v1", h.routes)
}

func (h *CatalogHandler) routes(r chi.Router) {
	r.Post("/categories", h.createCategory)
	r.Get("/categories", h.listCategories)
	r.Get("/categories/{id}", h.getCategory)

	r.Post("/products", h.createProduct)
	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)
	r.Put("/products/{id}", h.updateProduct)
	r.Delete("/products/{id}", h.deleteProduct)
}

func (h *CatalogHandler) createCategory(w http.ResponseWriter, r *http.Request) {
	var in catalog.CategoryInput
	if !h.decode(w, r, &in) {
		return
	}
	c, err := h.Service.CreateCategory(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidate(r, "category", c.ID, h.Invalidator.Category)
	writeJSON(w, http.StatusOK, c)
}

func (h *CatalogHandler) listCategories(w http.ResponseWriter, r *http.Request) {
	p, ok := h.page(w, r)
	if !ok {
		return
	}
	b, err := h.Cache.Aside(r.Context(), redisx.CategoriesKey(p.Skip, p.Limit), 0, func(ctx context.Context) (any, error) {
		return h.Service.ListCategories(ctx, p)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, b)
}

func (h *CatalogHandler) getCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	b, err := h.Cache.Aside(r.Context(), redisx.CategoryKey(id), 0, func(ctx context.Context) (any, error) {
		return h.Service.GetCategory(ctx, id)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, b)
}

func (h *CatalogHandler) createProduct(w http.ResponseWriter, r *http.Request) {
	var in catalog.ProductInput
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.Service.CreateProduct(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidate(r, "product", p.ID, h.Invalidator.Product)
	writeJSON(w, http.StatusOK, p)
}

func (h *CatalogHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	p, ok := h.page(w, r)
	if !ok {
		return
	}
	b, err := h.Cache.Aside(r.Context(), redisx.ProductsKey(p.Skip, p.Limit), 0, func(ctx context.Context) (any, error) {
		return h.Service.ListProducts(ctx, p)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, b)
}

func (h *CatalogHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	b, err := h.Cache.Aside(r.Context(), redisx.ProductKey(id), 0, func(ctx context.Context) (any, error) {
		return h.Service.GetProduct(ctx, id)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, b)
}

func (h *CatalogHandler) updateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var in catalog.ProductInput
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.Service.UpdateProduct(r.Context(), id, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidate(r, "product", id, h.Invalidator.Product)
	writeJSON(w, http.StatusOK, p)
}

func (h *CatalogHandler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.Service.DeleteProduct(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidate(r, "product", id, h.Invalidator.Product)
	writeJSON(w, http.StatusOK, deleteResp{Deleted: true, ID: id})
}

// invalidate runs after a committed write. The write already succeeded, so a
// cache failure is only logged; the listener and the TTL catch up.
func (h *CatalogHandler) invalidate(r *http.Request, resource string, id int64, fn func(context.Context, string, int64) error) {
	ctx := context.WithoutCancel(r.Context())
	if err := fn(ctx, invalidation.OriginWrite, id); err != nil {
		h.Log.Warn("cache invalidation after write failed",
			zap.String("resource", resource),
			zap.Int64("id", id),
			zap.Error(err))
	}
}

func (h *CatalogHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResp{
			Error: "invalid type, expected " + typeErr.Type.String(),
			Field: typeErr.Field,
		})
		return false
	}
	writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
	return false
}

func (h *CatalogHandler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid id", Field: "id"})
		return 0, false
	}
	return id, true
}

// page reads skip and limit. The normalized page is also the cache key, so
// an omitted limit and the default limit share one entry.
func (h *CatalogHandler) page(w http.ResponseWriter, r *http.Request) (catalog.Page, bool) {
	var p catalog.Page
	for _, q := range []struct {
		name string
		dst  *int
	}{{"skip", &p.Skip}, {"limit", &p.Limit}} {
		raw := r.URL.Query().Get(q.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "must be an integer", Field: q.name})
			return p, false
		}
		*q.dst = n
	}
	p, err := h.Service.NormalizePage(p)
	if err != nil {
		var verr *catalog.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: verr.Message, Field: verr.Field})
			return p, false
		}
		h.writeError(w, r, err)
		return p, false
	}
	return p, true
}

func (h *CatalogHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *catalog.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResp{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, catalog.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResp{Error: err.Error()})
	case errors.Is(err, catalog.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, catalog.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRaw writes bytes that are already JSON, such as a cache entry.
func writeRaw(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
