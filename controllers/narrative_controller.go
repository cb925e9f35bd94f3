package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"narrative_backend/services/narrative"

	"github.com/gin-gonic/gin"
)

// NarrativeController serves market narratives
type NarrativeController struct {
	engine *narrative.Engine
}

// NewNarrativeController creates a new narrative controller
func NewNarrativeController(engine *narrative.Engine) *NarrativeController {
	return &NarrativeController{engine: engine}
}

// GetNarrative returns the narrative for a slug. It answers 200 even without
// history; sourceKind tells whether the series is real or synthetic.
// GET /api/narrative/:slug?points=180
func (nc *NarrativeController) GetNarrative(c *gin.Context) {
	slug := strings.TrimSpace(c.Param("slug"))
	if slug == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing slug"})
		return
	}

	// unparseable points fall back to the default
	points, _ := strconv.Atoi(c.DefaultQuery("points", "0"))

	c.JSON(http.StatusOK, nc.engine.GetNarrative(c.Request.Context(), slug, points))
}
