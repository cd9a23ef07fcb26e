package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"locker-control-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(d Deps) *gin.Engine {
	r := gin.Default()
	handler := NewHandler(d)
	srv := d.Config.Server

	rateLimiter := mw.RateLimiter(rate.Limit(srv.RateLimitPerSec), srv.RateLimitBurst)

	// The kiosk directory only changes with the config; hardware status in it
	// may lag by one TTL.
	ttl := time.Duration(srv.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	r.GET("/health", handler.Health)
	r.GET("/discover", caching, handler.Discover)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/kiosks", caching, handler.GetKiosks)

		kiosks := api.Group("/kiosks/:kiosk_id")
		kiosks.GET("/lockers", handler.GetLockers)
		kiosks.GET("/lockers/:locker_id/history", handler.GetLockerHistory)
		kiosks.POST("/lockers/:locker_id/:action", handler.LockerAction)
		kiosks.GET("/hardware/health", handler.GetHardwareHealth)

		kiosks.POST("/commands", handler.SubmitCommand)
		kiosks.POST("/commands/bulk", handler.SubmitBulk)
		kiosks.GET("/commands", handler.ListCommands)

		kiosks.POST("/scan", handler.Scan)
		kiosks.POST("/select", handler.Select)
		kiosks.GET("/session", handler.GetSession)
		kiosks.DELETE("/session", handler.CancelSession)

		kiosks.GET("/events", handler.StreamEvents)

		api.GET("/commands/:command_id", handler.GetCommand)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
