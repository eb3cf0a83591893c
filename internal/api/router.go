package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/mw"
	"attendance-sync-backend/internal/poller"
	"attendance-sync-backend/internal/store"
)

// NewRouter creates and configures a new Gin router for the control plane.
func NewRouter(cfg *config.ServerConfig, s store.Store, sync *poller.Service) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(s, sync)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	cacheTTL := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(cacheTTL, 2*cacheTTL)
	caching := mw.Cache(cacheStore, cacheTTL)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.POST("/sync/start", handler.StartSync)
		api.POST("/sync/stop", handler.StopSync)
		api.GET("/sync/status", handler.GetStatus)
		api.POST("/sync/backfill", handler.Backfill)

		api.GET("/attendance", caching, handler.GetAttendance)
	}

	return r
}
