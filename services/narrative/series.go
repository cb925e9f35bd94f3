package narrative

import (
	"math"
	"sort"
	"time"

	"narrative_backend/models"
	"narrative_backend/services/pricing"
)

// StepMs is the spacing of synthetic points
const StepMs = 60000

// Point is one value of a price or volume series
type Point struct {
	T string  `json:"t"`
	V float64 `json:"v"`
}

// formatTime renders timestamps as ISO-8601 UTC with milliseconds
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// SyntheticSeries generates a reproducible series for key: points values
// one minute apart, the last one at end. Values depend only on key and points.
func SyntheticSeries(key string, points int, end time.Time) []Point {
	if points <= 0 {
		return []Point{}
	}
	rng := NewXorShift32(SeedFromString(key))

	// explicit float64 conversions keep each product rounded on its own,
	// so no platform fuses them into a multiply-add
	v := 0.52 + float64(rng.Float64()*0.08)

	series := make([]Point, 0, points)
	step := time.Duration(StepMs) * time.Millisecond
	for i := points - 1; i >= 0; i-- {
		t := end.Add(-time.Duration(i) * step)
		v += float64((rng.Float64()-0.5)*0.01) + 0.0005
		v = math.Max(0.01, math.Min(0.99, v))
		series = append(series, Point{T: formatTime(t), V: pricing.Round4(v)})
	}
	return series
}

// SeriesFromSnapshots orders snapshots oldest first, drops priceless ones
// and keeps the newest points values
func SeriesFromSnapshots(snaps []models.MarketSnapshot, points int) []Point {
	sorted := make([]models.MarketSnapshot, len(snaps))
	copy(sorted, snaps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	out := make([]Point, 0, len(sorted))
	for _, s := range sorted {
		if s.Price == nil || math.IsNaN(*s.Price) || math.IsInf(*s.Price, 0) {
			continue
		}
		out = append(out, Point{T: formatTime(s.Timestamp), V: pricing.Round4(*s.Price)})
	}
	if points > 0 && len(out) > points {
		out = out[len(out)-points:]
	}
	return out
}

func values(series []Point) []float64 {
	vs := make([]float64, len(series))
	for i, p := range series {
		vs[i] = p.V
	}
	return vs
}
