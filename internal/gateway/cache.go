package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/cache"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/models"
)

// GetCacheEntry handles GET /api/cache/:category/:key.
// @Summary Read a cache entry
// @Tags cache
// @Produce json
// @Param category path string true "Cache category"
// @Param key path string true "Entry key"
// @Success 200 {object} models.CacheEntryResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /cache/{category}/{key} [get]
func (h *Handler) GetCacheEntry(c *gin.Context) {
	category, key := cache.Category(c.Param("category")), c.Param("key")
	value, ok, err := h.svc.Cache.Get(key, category)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "cache entry not found", Code: models.ErrCodeNotFound})
		return
	}
	c.JSON(http.StatusOK, models.CacheEntryResponse{Category: string(category), Key: key, Value: value})
}

// PutCacheEntry handles PUT /api/cache/:category/:key. ttlSeconds overrides
// the category TTL when positive.
// @Summary Write a cache entry
// @Tags cache
// @Accept json
// @Produce json
// @Param category path string true "Cache category"
// @Param key path string true "Entry key"
// @Param request body models.CacheEntryRequest true "Value and optional TTL"
// @Success 200 {object} models.CacheEntryResponse
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /cache/{category}/{key} [put]
func (h *Handler) PutCacheEntry(c *gin.Context) {
	var req models.CacheEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "value is required")
		return
	}
	if req.TTLSeconds < 0 || req.TTLSeconds > models.MaxCacheTTLSeconds {
		badRequest(c, fmt.Sprintf("ttlSeconds must be between 0 and %d", models.MaxCacheTTLSeconds))
		return
	}
	category, key := cache.Category(c.Param("category")), c.Param("key")

	var err error
	if req.TTLSeconds > 0 {
		err = h.svc.Cache.SetTTL(key, req.Value, category, time.Duration(req.TTLSeconds)*time.Second)
	} else {
		err = h.svc.Cache.Set(key, req.Value, category)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.CacheEntryResponse{Category: string(category), Key: key, Value: req.Value})
}

// DeleteCacheEntry handles DELETE /api/cache/:category/:key.
// @Summary Delete a cache entry
// @Tags cache
// @Produce json
// @Param category path string true "Cache category"
// @Param key path string true "Entry key"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /cache/{category}/{key} [delete]
func (h *Handler) DeleteCacheEntry(c *gin.Context) {
	removed, err := h.svc.Cache.Delete(c.Param("key"), cache.Category(c.Param("category")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}

// ClearCache handles DELETE /api/cache. Without ?category every entry goes.
// @Summary Clear a category or the whole cache
// @Tags cache
// @Produce json
// @Param category query string false "Cache category; admin role required when omitted"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /cache [delete]
func (h *Handler) ClearCache(c *gin.Context) {
	removed, err := h.svc.Cache.Clear(cache.Category(c.Query("category")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("cache cleared", "category", c.Query("category"), "removed", removed)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// CacheStats handles GET /api/cache/stats.
// @Summary Cache statistics
// @Tags cache
// @Produce json
// @Success 200 {object} cache.Stats
// @Security BearerAuth
// @Router /cache/stats [get]
func (h *Handler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Cache.Stats())
}

// PruneCache handles POST /api/cache/prune.
// @Summary Remove expired entries
// @Tags cache
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /cache/prune [post]
func (h *Handler) PruneCache(c *gin.Context) {
	removed := h.svc.Cache.PruneExpired()
	c.JSON(http.StatusOK, gin.H{"removed": removed, "remaining": h.svc.Cache.Len()})
}
