package handler

import (
	"errors"
	"net/http"

	"dukapos-offline-core/internal/cache"
	"dukapos-offline-core/internal/domain"
	"dukapos-offline-core/pkg/response"

	"github.com/gorilla/mux"
)

type CacheHandler struct {
	cache *cache.Cache
}

func NewCacheHandler(c *cache.Cache) *CacheHandler {
	return &CacheHandler{cache: c}
}

// Get returns the cached reference data for a key, fetching on miss. The raw
// query string is folded into the cache key so filtered lists cache
// independently, e.g. "products?category=drinks".
func (h *CacheHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)

	value, err := h.cache.Get(r.Context(), key)
	if err != nil {
		var nerr *domain.NetworkError
		if errors.As(err, &nerr) {
			// Stale data beats no data for a form that only renders a list.
			if stale := h.cache.Stale(key); stale != nil {
				response.Success(w, stale)
				return
			}
			response.Error(w, http.StatusServiceUnavailable, "Reference data unavailable offline")
			return
		}
		response.InternalError(w, "Failed to read cache")
		return
	}

	response.Success(w, value)
}

func (h *CacheHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	value, err := h.cache.Refresh(r.Context(), key)
	if err != nil {
		response.Error(w, http.StatusServiceUnavailable, "Failed to refresh: "+err.Error())
		return
	}

	response.Success(w, value)
}

func cacheKey(r *http.Request) string {
	key := mux.Vars(r)["key"]
	if r.URL.RawQuery != "" {
		key = key + "?" + r.URL.RawQuery
	}
	return key
}
