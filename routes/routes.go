package routes

import (
	"narrative_backend/controllers"
	"narrative_backend/middleware"
	"narrative_backend/scheduler"
	"narrative_backend/services/cache"
	"narrative_backend/services/datafetcher"
	"narrative_backend/services/narrative"
	"narrative_backend/services/realtime"
	"narrative_backend/services/storage"

	"github.com/gin-gonic/gin"
)

// Deps are the services the HTTP layer is built on
type Deps struct {
	Store            storage.Store
	Cache            cache.QuoteCache
	Provider         datafetcher.Provider
	Collector        *scheduler.Collector
	Engine           *narrative.Engine
	Hub              *realtime.SnapshotHub
	CollectOneLimits *middleware.RateLimiter
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Deps) {
	collectorController := controllers.NewCollectorController(deps.Collector)
	narrativeController := controllers.NewNarrativeController(deps.Engine)
	marketController := controllers.NewMarketController(deps.Store, deps.Cache, deps.Provider, deps.Collector)

	api := router.Group("/api")
	{
		// Collector routes
		collector := api.Group("/collector")
		{
			collector.POST("/start", collectorController.Start)
			collector.POST("/stop", collectorController.Stop)
			collector.GET("/status", collectorController.Status)

			collectOne := []gin.HandlerFunc{collectorController.CollectOne}
			if deps.CollectOneLimits != nil {
				collectOne = append([]gin.HandlerFunc{middleware.RateLimitMiddleware(deps.CollectOneLimits)}, collectOne...)
			}
			collector.POST("/collect-one", collectOne...)
		}

		// Narrative routes
		api.GET("/narrative/:slug", narrativeController.GetNarrative)

		// Stored data routes
		db := api.Group("/db")
		{
			db.GET("/ping", marketController.PingStore)
			db.GET("/markets", marketController.ListMarkets)
			db.POST("/markets", marketController.AddMarket)
			db.POST("/markets/save", marketController.SaveSearchHit)
			db.DELETE("/markets/:slug", marketController.RemoveMarket)
			db.GET("/snapshots", marketController.ListSnapshots)
		}

		api.GET("/markets/:slug/latest", marketController.GetLatest)
		api.GET("/pm/market", marketController.LookupMarket)

		// Market discovery
		api.GET("/search", marketController.SearchMarkets)
		api.GET("/marketTypes", marketController.MarketTypes)
	}

	// Live snapshot feed
	if deps.Hub != nil {
		router.GET("/ws/snapshots", func(c *gin.Context) {
			deps.Hub.HandleWebSocket(c.Writer, c.Request)
		})
	}
}
