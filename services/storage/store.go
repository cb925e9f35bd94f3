package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"narrative_backend/models"
)

// ErrNotFound is returned when a tracked market does not exist
var ErrNotFound = errors.New("not found")

// Store is the append-only snapshot log plus the watchlist of tracked markets.
// ListRecentSnapshots returns newest first; callers sort before time-series work.
type Store interface {
	InsertSnapshot(ctx context.Context, snap *models.MarketSnapshot) error
	ListRecentSnapshots(ctx context.Context, slug string, limit int) ([]models.MarketSnapshot, error)
	ListSnapshots(ctx context.Context, q SnapshotQuery) ([]models.MarketSnapshot, error)

	ListActiveSlugs(ctx context.Context) ([]string, error)
	UpsertTrackedMarket(ctx context.Context, m models.TrackedMarket) error
	DeactivateTrackedMarket(ctx context.Context, slug string) error
	ListTrackedMarkets(ctx context.Context, q MarketQuery) ([]models.TrackedMarket, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// SnapshotQuery filters the snapshot log for one slug. Zero From/To are open bounds.
type SnapshotQuery struct {
	Slug  string
	From  time.Time
	To    time.Time
	Limit int
}

// MarketQuery filters the watchlist listing
type MarketQuery struct {
	Q      string
	League string
	Sort   string // updated_at, slug, league, title
	Dir    string // asc or desc
	Limit  int
}

const (
	DefaultSnapshotLimit = 500
	MaxSnapshotLimit     = 5000
	DefaultMarketLimit   = 200
	MaxMarketLimit       = 1000
)

// Normalize applies the default and clamps the limit to [1, MaxSnapshotLimit]
func (q SnapshotQuery) Normalize() SnapshotQuery {
	q.Slug = strings.TrimSpace(q.Slug)
	q.Limit = clamp(q.Limit, DefaultSnapshotLimit, MaxSnapshotLimit)
	return q
}

// Normalize whitelists the sort column and clamps the limit
func (q MarketQuery) Normalize() MarketQuery {
	q.Q = strings.ToLower(strings.TrimSpace(q.Q))
	q.League = strings.ToLower(strings.TrimSpace(q.League))
	switch q.Sort {
	case "updated_at", "slug", "league", "title":
	default:
		q.Sort = "updated_at"
	}
	if strings.ToLower(q.Dir) == "asc" {
		q.Dir = "asc"
	} else {
		q.Dir = "desc"
	}
	q.Limit = clamp(q.Limit, DefaultMarketLimit, MaxMarketLimit)
	return q
}

func clamp(v, def, max int) int {
	if v == 0 {
		return def
	}
	if v < 1 {
		return 1
	}
	if v > max {
		return max
	}
	return v
}
