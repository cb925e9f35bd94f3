package narrative

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"narrative_backend/models"
)

const (
	DefaultPoints = 180
	MinPoints     = 20
	MaxPoints     = 2000

	// MinRealPoints is how many priced snapshots a real series needs
	MinRealPoints = 10

	RuleVersion     = "0.0.2"
	ContractVersion = "1.0.0"
)

// SourceKind tells callers whether a result is backed by collected data.
// Synthetic results are placeholders and always carry low confidence.
type SourceKind string

const (
	SourceReal      SourceKind = "real"
	SourceSynthetic SourceKind = "synthetic"
)

// SnapshotReader is the part of the store the engine needs
type SnapshotReader interface {
	ListRecentSnapshots(ctx context.Context, slug string, limit int) ([]models.MarketSnapshot, error)
}

// Narrative is the human-facing reading of a market
type Narrative struct {
	ModeDefault string  `json:"modeDefault"`
	Verbal      string  `json:"verbal"`
	VisualHint  string  `json:"visualHint"`
	Confidence  float64 `json:"confidence"`
	Tone        string  `json:"tone"`
}

// Layer describes one sub-signal
type Layer struct {
	ID      string         `json:"id"`
	Label   string         `json:"label"`
	Status  string         `json:"status"`
	Summary string         `json:"summary"`
	Metrics map[string]any `json:"metrics"`
}

type Behavior struct {
	Layers      []Layer `json:"layers"`
	RuleVersion string  `json:"ruleVersion"`
}

type SeriesMeta struct {
	Points int    `json:"points"`
	StepMs int    `json:"stepMs"`
	Source string `json:"source"`
}

type Series struct {
	Meta   SeriesMeta `json:"meta"`
	Price  []Point    `json:"price"`
	Volume []Point    `json:"volume"`
}

type Stats struct {
	Delta      float64 `json:"delta"`
	PctChange  float64 `json:"pctChange"`
	Volatility float64 `json:"volatility"`
}

type Meta struct {
	ContractVersion string `json:"contractVersion"`
}

// Result is the full narrative payload for one slug
type Result struct {
	Slug       string     `json:"slug"`
	AsOf       string     `json:"asOf"`
	Narrative  Narrative  `json:"narrative"`
	Behavior   Behavior   `json:"behavior"`
	Series     Series     `json:"series"`
	Trend      Trend      `json:"trend"`
	Stats      Stats      `json:"stats"`
	SourceKind SourceKind `json:"sourceKind"`
	Meta       Meta       `json:"meta"`
}

// Engine turns stored snapshots into narratives
type Engine struct {
	store SnapshotReader
	now   func() time.Time
}

// NewEngine creates an engine reading from store
func NewEngine(store SnapshotReader) *Engine {
	return &Engine{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ClampPoints maps a requested point count into [MinPoints, MaxPoints];
// zero or negative means DefaultPoints
func ClampPoints(points int) int {
	if points <= 0 {
		return DefaultPoints
	}
	if points < MinPoints {
		return MinPoints
	}
	if points > MaxPoints {
		return MaxPoints
	}
	return points
}

// GetNarrative always returns a well-formed result. Without enough priced
// history it answers from a synthetic series and says so in SourceKind.
func (e *Engine) GetNarrative(ctx context.Context, slug string, points int) *Result {
	points = ClampPoints(points)
	now := e.now()

	var price []Point
	snaps, err := e.store.ListRecentSnapshots(ctx, slug, points)
	if err != nil {
		log.Printf("Narrative: failed to load snapshots for %s, using synthetic series: %v", slug, err)
	} else {
		price = SeriesFromSnapshots(snaps, points)
	}

	kind := SourceReal
	source := "pm_snapshots"
	if len(price) < MinRealPoints {
		kind = SourceSynthetic
		source = "synthetic"
		price = SyntheticSeries(slug, points, now)
	}
	volume := SyntheticSeries(slug+":vol", points, now)

	vs := values(price)
	trend := ComputeTrend(vs)
	isReal := kind == SourceReal

	return &Result{
		Slug: slug,
		AsOf: formatTime(now),
		Narrative: Narrative{
			ModeDefault: "verbal",
			Verbal:      verbal(slug, trend.Direction),
			VisualHint:  "Toggle to visual for structure.",
			Confidence:  confidence(isReal, trend.Direction),
			Tone:        tone(trend.Direction),
		},
		Behavior: Behavior{
			Layers:      layers(isReal, trend),
			RuleVersion: RuleVersion,
		},
		Series: Series{
			Meta:   SeriesMeta{Points: points, StepMs: StepMs, Source: source},
			Price:  price,
			Volume: volume,
		},
		Trend: trend,
		Stats: Stats{
			Delta:      trend.Delta,
			PctChange:  PctChange(vs),
			Volatility: Volatility(vs),
		},
		SourceKind: kind,
		Meta:       Meta{ContractVersion: ContractVersion},
	}
}

func tone(dir Direction) string {
	switch dir {
	case Up:
		return "bullish"
	case Down:
		return "bearish"
	}
	return "neutral"
}

// confidence is a fixed lookup; synthetic results never read above 0.18
func confidence(isReal bool, dir Direction) float64 {
	switch {
	case isReal && dir != Flat:
		return 0.55
	case isReal:
		return 0.35
	case dir != Flat:
		return 0.18
	}
	return 0.12
}

func verbal(slug string, dir Direction) string {
	switch dir {
	case Up:
		return fmt.Sprintf("Market behavior is tilting bullish for \"%s\".", slug)
	case Down:
		return fmt.Sprintf("Market behavior is tilting bearish for \"%s\".", slug)
	}
	return fmt.Sprintf("Market behavior is currently neutral for \"%s\". No dominant pressure detected.", slug)
}

func layers(isReal bool, trend Trend) []Layer {
	price := Layer{
		ID:      "price",
		Label:   "Price",
		Status:  "static",
		Summary: "Not evaluated yet.",
		Metrics: map[string]any{},
	}
	volumeStatus := "static"
	if isReal {
		if trend.Direction != Flat {
			price.Status = "shifting"
		}
		price.Summary = fmt.Sprintf("Trend: %s (Δ=%s)", trend.Direction, strconv.FormatFloat(trend.Delta, 'f', -1, 64))
		price.Metrics = map[string]any{"trendDir": trend.Direction, "delta": trend.Delta}
		volumeStatus = "building"
	}

	return []Layer{
		price,
		{ID: "volume", Label: "Volume", Status: volumeStatus, Summary: "Not evaluated yet.", Metrics: map[string]any{}},
		{ID: "news", Label: "News", Status: "static", Summary: "Not evaluated yet.", Metrics: map[string]any{}},
	}
}
