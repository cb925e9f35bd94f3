package controllers

import (
	"errors"
	"io"
	"log"
	"net/http"

	"narrative_backend/scheduler"

	"github.com/gin-gonic/gin"
)

// CollectorController exposes the snapshot collector
type CollectorController struct {
	collector *scheduler.Collector
}

// NewCollectorController creates a new collector controller
func NewCollectorController(collector *scheduler.Collector) *CollectorController {
	return &CollectorController{collector: collector}
}

// StartRequest is the body of POST /api/collector/start
type StartRequest struct {
	EverySec int      `json:"everySec"`
	Slugs    []string `json:"slugs"`
}

// SlugRequest carries a single slug
type SlugRequest struct {
	Slug string `json:"slug"`
}

// Start activates slugs and (re)starts the collector
// POST /api/collector/start
func (cc *CollectorController) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	st, err := cc.collector.Start(c.Request.Context(), req.EverySec, req.Slugs)
	if err != nil {
		log.Printf("Error starting collector: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"running":         st.Running,
		"intervalSeconds": st.IntervalSeconds,
	})
}

// Stop cancels future ticks
// POST /api/collector/stop
func (cc *CollectorController) Stop(c *gin.Context) {
	cc.collector.Stop()
	c.JSON(http.StatusOK, gin.H{"ok": true, "running": false})
}

// Status returns the collector state and the current watchlist
// GET /api/collector/status
func (cc *CollectorController) Status(c *gin.Context) {
	st, err := cc.collector.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// CollectOne captures one snapshot for a slug right now
// POST /api/collector/collect-one
func (cc *CollectorController) CollectOne(c *gin.Context) {
	var req SlugRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	res, err := cc.collector.CollectOne(c.Request.Context(), req.Slug)
	if err != nil {
		if errors.Is(err, scheduler.ErrSlugRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing slug"})
			return
		}
		c.JSON(providerErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"slug":           res.Slug,
		"canonicalPrice": res.CanonicalPrice,
		"ts":             res.Timestamp,
	})
}
