package narrative

import (
	"math"

	"narrative_backend/services/pricing"
)

// Direction of a trend
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
	Flat Direction = "flat"
)

const (
	// MinTrendPoints is the shortest series a trend is computed for
	MinTrendPoints = 10
	// TrendEpsilon is the absolute move needed to call a direction
	TrendEpsilon = 0.01
)

// Trend is the net move over a series
type Trend struct {
	Direction Direction `json:"direction"`
	Delta     float64   `json:"delta"`
}

// ComputeTrend compares the last value with the first.
// Series shorter than MinTrendPoints are flat.
func ComputeTrend(vs []float64) Trend {
	if len(vs) < MinTrendPoints {
		return Trend{Direction: Flat, Delta: 0}
	}
	delta := vs[len(vs)-1] - vs[0]

	dir := Flat
	switch {
	case delta > TrendEpsilon:
		dir = Up
	case delta < -TrendEpsilon:
		dir = Down
	}
	return Trend{Direction: dir, Delta: pricing.Round4(delta)}
}

// PctChange is (last-first)/first, or 0 when undefined
func PctChange(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	first, last := vs[0], vs[len(vs)-1]
	if first == 0 || !finite(first) || !finite(last) {
		return 0
	}
	return (last - first) / first
}

// Volatility is the sample standard deviation of period-over-period returns.
// Pairs with a non-positive or non-finite base are skipped.
func Volatility(vs []float64) float64 {
	if len(vs) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(vs)-1)
	for i := 1; i < len(vs); i++ {
		base := vs[i-1]
		if base <= 0 || !finite(base) || !finite(vs[i]) {
			continue
		}
		returns = append(returns, vs[i]/base-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(returns)-1))
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
