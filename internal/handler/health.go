package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"swingalgo/internal/cache"
	"swingalgo/internal/db"
	"swingalgo/internal/metrics"
)

type HealthHandler struct {
	DB    *db.DB
	Cache cache.Store
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
}

func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HealthHandler) ready(c *gin.Context) {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_missing"})
		return
	}
	if err := db.Ping(h.DB); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
		return
	}
	if h.Cache != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Cache.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "cache_unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type MetricsHandler struct {
	Metrics *metrics.Metrics
}

func (h *MetricsHandler) Register(r *gin.Engine) {
	if h.Metrics == nil {
		return
	}
	r.GET("/metrics", gin.WrapH(h.Metrics.Handler()))
}
