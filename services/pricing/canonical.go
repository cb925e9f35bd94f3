package pricing

import (
	"encoding/json"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Quote holds the numeric fields read from a provider payload.
// A nil field means the provider did not send a usable number.
type Quote struct {
	BestBid        *float64 `json:"best_bid"`
	BestAsk        *float64 `json:"best_ask"`
	LastTradePrice *float64 `json:"last_trade_price"`
	Volume         *float64 `json:"volume"`
}

// ParseQuote extracts bestBid, bestAsk, lastTradePrice and volume from a raw payload.
// Providers send these either as JSON numbers or numeric strings.
func ParseQuote(raw map[string]any) Quote {
	if raw == nil {
		return Quote{}
	}
	return Quote{
		BestBid:        Numeric(raw["bestBid"]),
		BestAsk:        Numeric(raw["bestAsk"]),
		LastTradePrice: Numeric(raw["lastTradePrice"]),
		Volume:         Numeric(raw["volume"]),
	}
}

// Numeric converts a decoded JSON value to a finite float64, or nil
func Numeric(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return nil
		}
		f, _ = d.Float64()
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil
		}
		f, _ = d.Float64()
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// CanonicalPrice reduces a quote to one price:
// bid/ask midpoint, then last trade, then bid alone, then ask alone.
func CanonicalPrice(q Quote) *float64 {
	switch {
	case q.BestBid != nil && q.BestAsk != nil:
		// decimal keeps the midpoint exact: (0.40+0.44)/2 is 0.42, not 0.42000000000000004
		mid, _ := decimal.NewFromFloat(*q.BestBid).
			Add(decimal.NewFromFloat(*q.BestAsk)).
			Div(decimal.NewFromInt(2)).
			Float64()
		return &mid
	case q.LastTradePrice != nil:
		return ptr(*q.LastTradePrice)
	case q.BestBid != nil:
		return ptr(*q.BestBid)
	case q.BestAsk != nil:
		return ptr(*q.BestAsk)
	}
	return nil
}

// Round4 rounds to 4 decimal places, half away from zero on the exact binary value.
// This matches fixed-point formatting of series values in stored chart data.
func Round4(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	neg := v < 0
	x := new(big.Float).SetPrec(200).SetFloat64(math.Abs(v))
	x.Mul(x, big.NewFloat(10000))
	x.Add(x, big.NewFloat(0.5))
	n, _ := x.Int(nil) // truncates toward zero, i.e. floor for non-negative x
	r, _ := new(big.Float).SetInt(n).Float64()
	r /= 10000
	if neg {
		return -r
	}
	return r
}

func ptr(f float64) *float64 {
	return &f
}
