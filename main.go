package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"narrative_backend/config"
	"narrative_backend/middleware"
	"narrative_backend/routes"
	"narrative_backend/scheduler"
	"narrative_backend/services/cache"
	"narrative_backend/services/datafetcher"
	"narrative_backend/services/narrative"
	"narrative_backend/services/realtime"
	"narrative_backend/services/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	log.Println("==============================================")
	log.Println("  Market Narrative API - Starting...")
	log.Println("==============================================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("ERROR: Snapshot store unavailable: %v", err)
	}
	quotes := openQuoteCache(cfg)

	provider := datafetcher.NewGammaClient(cfg.ProviderBaseURL, cfg.ProviderTimeout, datafetcher.RetryOptions{
		MaxRetries: cfg.FetchMaxRetries,
		BaseDelay:  cfg.FetchBaseDelay(),
	})
	hub := realtime.NewSnapshotHub()
	timer := scheduler.NewGocronTimer()

	everySec := cfg.CollectEverySec
	watchlist := loadWatchlist(cfg)
	if watchlist != nil && watchlist.EverySec > 0 {
		everySec = watchlist.EverySec
	}

	collector := scheduler.NewCollector(scheduler.CollectorOptions{
		Store:       store,
		Provider:    provider,
		Timer:       timer,
		Cache:       quotes,
		Publisher:   hub,
		Interval:    time.Duration(everySec) * time.Second,
		MinInterval: time.Duration(cfg.CollectorMinEverySec) * time.Second,
		Concurrency: cfg.CollectorConcurrency,
	})
	seedWatchlist(collector, watchlist)

	// Create Gin router
	router := gin.New()

	// Add middlewares
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	setupHealthEndpoints(router, store)

	stopCleanup := make(chan struct{})
	collectOneLimits := middleware.NewRateLimiter(cfg.CollectOneRateLimit, cfg.CollectOneRateWindow)
	collectOneLimits.StartCleanup(10*time.Minute, stopCleanup)

	routes.SetupRoutes(router, routes.Deps{
		Store:            store,
		Cache:            quotes,
		Provider:         provider,
		Collector:        collector,
		Engine:           narrative.NewEngine(store),
		Hub:              hub,
		CollectOneLimits: collectOneLimits,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	cancelAutostart := func() {}
	if cfg.CollectorAutostart {
		log.Printf("Collector autostart in %s", cfg.CollectorAutostartDelay)
		cancelAutostart = collector.Autostart(cfg.CollectorAutostartDelay)
	}

	// Graceful shutdown
	gracefulShutdown(server, func() {
		cancelAutostart()
		collector.Stop()
		timer.Stop()
		close(stopCleanup)
		hub.Shutdown()
	}, store, quotes)
}

// openStore connects the snapshot store selected by DB_DRIVER
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.DBDriver {
	case "memory":
		log.Println("Using in-memory snapshot store; data is lost on restart")
		return storage.NewMemoryStore(), nil

	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)

	case "sqlite", "postgres", "":
		db, err := config.InitDB(cfg)
		if err != nil {
			return nil, err
		}
		store := storage.NewGormStore(db)

		log.Println("Running database migrations...")
		if err := store.Migrate(); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		log.Println("Database migrations completed successfully")
		return store, nil
	}
	return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
}

// openQuoteCache connects Redis when configured; the service runs without it
func openQuoteCache(cfg *config.Config) cache.QuoteCache {
	addr := cfg.RedisAddr()
	if addr == "" {
		log.Println("Redis not configured, latest-quote cache disabled")
		return cache.NoopQuoteCache{}
	}

	rc, err := cache.NewRedisQuoteCache(addr, cfg.RedisPassword, cfg.RedisTTL)
	if err != nil {
		log.Printf("Warning: %v; latest-quote cache disabled", err)
		return cache.NoopQuoteCache{}
	}
	log.Printf("Latest-quote cache connected at %s", addr)
	return rc
}

// loadWatchlist reads WATCHLIST_FILE when set
func loadWatchlist(cfg *config.Config) *config.Watchlist {
	if cfg.WatchlistFile == "" {
		return nil
	}
	wl, err := config.LoadWatchlist(cfg.WatchlistFile)
	if err != nil {
		log.Printf("Warning: Could not load watchlist: %v", err)
		return nil
	}
	return wl
}

// seedWatchlist activates every market from the seed file
func seedWatchlist(collector *scheduler.Collector, wl *config.Watchlist) {
	if wl == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	seeded := 0
	for _, m := range wl.Markets {
		if err := collector.AddMarket(ctx, m.Slug, m.League, m.Title); err != nil {
			log.Printf("Warning: Could not seed market %s: %v", m.Slug, err)
			continue
		}
		seeded++
	}
	log.Printf("Seeded %d market(s) from watchlist", seeded)
}

// setupHealthEndpoints sets up liveness and readiness probes
func setupHealthEndpoints(router *gin.Engine, store storage.Store) {
	// Root endpoint
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Market Narrative API",
			"version": "1.0.0",
		})
	})

	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Readiness probe - checks the snapshot store
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Snapshot store ping failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Requested-With")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests
		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown waits for SIGINT/SIGTERM, stops background work, then drains the server
func gracefulShutdown(server *http.Server, stopBackground func(), store storage.Store, quotes cache.QuoteCache) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	// Stop collector first
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if rc, ok := quotes.(*cache.RedisQuoteCache); ok {
		rc.Close()
	}

	if err := store.Close(ctx); err != nil {
		log.Printf("Error closing snapshot store: %v", err)
	} else {
		log.Println("Snapshot store closed")
	}

	log.Println("Server shutdown completed")
}
