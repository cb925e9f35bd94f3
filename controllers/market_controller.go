package controllers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"narrative_backend/scheduler"
	"narrative_backend/services/cache"
	"narrative_backend/services/datafetcher"
	"narrative_backend/services/storage"

	"github.com/gin-gonic/gin"
)

// MarketController handles the watchlist, stored snapshots and provider lookups
type MarketController struct {
	store     storage.Store
	cache     cache.QuoteCache
	provider  datafetcher.Provider
	collector *scheduler.Collector
}

// NewMarketController creates a new market controller
func NewMarketController(store storage.Store, quotes cache.QuoteCache, provider datafetcher.Provider, collector *scheduler.Collector) *MarketController {
	return &MarketController{
		store:     store,
		cache:     quotes,
		provider:  provider,
		collector: collector,
	}
}

// MarketRequest is the body of POST /api/db/markets
type MarketRequest struct {
	Slug   string `json:"slug"`
	League string `json:"league"`
	Title  string `json:"title"`
}

// ListMarkets returns tracked markets, active or not
// GET /api/db/markets?q=&league=&sort=updated_at&dir=desc&limit=200
func (mc *MarketController) ListMarkets(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	q := storage.MarketQuery{
		Q:      strings.TrimSpace(c.Query("q")),
		League: strings.TrimSpace(c.Query("league")),
		Sort:   c.Query("sort"),
		Dir:    c.Query("dir"),
		Limit:  limit,
	}

	rows, err := mc.store.ListTrackedMarkets(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch markets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

// AddMarket saves or reactivates a market on the watchlist
// POST /api/db/markets
func (mc *MarketController) AddMarket(c *gin.Context) {
	var req MarketRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	err := mc.collector.AddMarket(c.Request.Context(), req.Slug, req.League, req.Title)
	if errors.Is(err, scheduler.ErrSlugRequired) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing slug"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save market"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "slug": strings.TrimSpace(req.Slug)})
}

// RemoveMarket takes a market off the watchlist; snapshots are kept
// DELETE /api/db/markets/:slug
func (mc *MarketController) RemoveMarket(c *gin.Context) {
	slug := c.Param("slug")
	err := mc.collector.RemoveMarket(c.Request.Context(), slug)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Market not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove market"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "slug": slug, "active": false})
}

// ListSnapshots returns stored snapshots for a slug, newest first
// GET /api/db/snapshots?slug=&from=&to=&limit=500
func (mc *MarketController) ListSnapshots(c *gin.Context) {
	slug := strings.TrimSpace(c.Query("slug"))
	if slug == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing slug"})
		return
	}

	from, err := parseTimeParam(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from: " + err.Error()})
		return
	}
	to, err := parseTimeParam(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to: " + err.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	rows, err := mc.store.ListSnapshots(c.Request.Context(), storage.SnapshotQuery{
		Slug:  slug,
		From:  from,
		To:    to,
		Limit: limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch snapshots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

// GetLatest returns the most recent observation for a slug, from the cache when possible
// GET /api/markets/:slug/latest
func (mc *MarketController) GetLatest(c *gin.Context) {
	ctx := c.Request.Context()
	slug := c.Param("slug")

	q, err := mc.cache.GetLatest(ctx, slug)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"data": q, "source": "cache"})
		return
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		log.Printf("Error reading cached quote for %s: %v", slug, err)
	}

	snaps, err := mc.store.ListRecentSnapshots(ctx, slug, 1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch snapshot"})
		return
	}
	if len(snaps) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No snapshots for slug"})
		return
	}

	s := snaps[0]
	c.JSON(http.StatusOK, gin.H{
		"data": cache.LatestQuote{
			Slug:      s.Slug,
			Price:     s.Price,
			BestBid:   s.BestBid,
			BestAsk:   s.BestAsk,
			Volume:    s.Volume,
			Timestamp: s.Timestamp,
		},
		"source": "store",
	})
}

// LookupMarket proxies a provider lookup without persisting anything
// GET /api/pm/market?slug=
func (mc *MarketController) LookupMarket(c *gin.Context) {
	slug := strings.TrimSpace(c.Query("slug"))
	if slug == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing slug"})
		return
	}

	m, err := mc.provider.GetMarketBySlug(c.Request.Context(), slug)
	if err != nil {
		c.JSON(providerErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

// SearchMarkets proxies a provider search for market discovery
// GET /api/search?q=&limit=25&page=1
func (mc *MarketController) SearchMarkets(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing q"})
		return
	}

	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = 25
	}
	if limit > 100 {
		limit = 100
	}
	page, err := strconv.Atoi(c.Query("page"))
	if err != nil || page < 1 {
		page = 1
	}

	res, err := mc.provider.SearchMarkets(c.Request.Context(), q, limit, page)
	if err != nil {
		log.Printf("Error searching markets for %q: %v", q, err)
		c.JSON(providerErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// SaveSearchHit puts a search hit (or any object naming a market) on the watchlist.
// The slug is read from slug, marketSlug or id; the title from title, question or
// name; the league from league or category.
// POST /api/db/markets/save
func (mc *MarketController) SaveSearchHit(c *gin.Context) {
	body := map[string]any{}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	slug := firstField(body, "slug", "marketSlug", "id")
	title := firstField(body, "title", "question", "name")
	league := firstField(body, "league", "category")

	err := mc.collector.AddMarket(c.Request.Context(), slug, league, title)
	if errors.Is(err, scheduler.ErrSlugRequired) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing slug/id in body"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save market"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "slug": slug, "title": title, "league": league})
}

// MarketTypes lists the market types offered for filtering
// GET /api/marketTypes
func (mc *MarketController) MarketTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"marketTypes": datafetcher.MarketTypes})
}

// PingStore checks the snapshot store connection
// GET /api/db/ping
func (mc *MarketController) PingStore(c *gin.Context) {
	if err := mc.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": 1})
}

// firstField returns the first non-empty value among keys, numbers included
func firstField(body map[string]any, keys ...string) string {
	for _, k := range keys {
		var s string
		switch v := body[k].(type) {
		case string:
			s = strings.TrimSpace(v)
		case float64:
			if v != 0 {
				s = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		if s != "" {
			return s
		}
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimeParam accepts RFC 3339, SQL-style datetimes and plain dates; empty is the zero time
func parseTimeParam(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
