package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"narrative_backend/models"
)

// MemoryStore is a process-local Store for development runs and tests
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*models.TrackedMarket
	snapshots map[string][]models.MarketSnapshot // key = slug, insertion order
	nextID    uint
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*models.TrackedMarket),
		snapshots: make(map[string][]models.MarketSnapshot),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op; data lives only as long as the process
func (s *MemoryStore) Close(ctx context.Context) error { return nil }

// InsertSnapshot appends one observation
func (s *MemoryStore) InsertSnapshot(ctx context.Context, snap *models.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	snap.ID = s.nextID
	s.snapshots[snap.Slug] = append(s.snapshots[snap.Slug], *snap)
	return nil
}

// ListRecentSnapshots returns up to limit snapshots for slug, newest first
func (s *MemoryStore) ListRecentSnapshots(ctx context.Context, slug string, limit int) ([]models.MarketSnapshot, error) {
	return s.ListSnapshots(ctx, SnapshotQuery{Slug: slug, Limit: limit})
}

// ListSnapshots returns snapshots for a slug inside an optional time window, newest first
func (s *MemoryStore) ListSnapshots(ctx context.Context, q SnapshotQuery) ([]models.MarketSnapshot, error) {
	q = q.Normalize()

	s.mu.RLock()
	rows := s.snapshots[q.Slug]
	out := make([]models.MarketSnapshot, 0, len(rows))
	for _, r := range rows {
		if !q.From.IsZero() && r.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && r.Timestamp.After(q.To) {
			continue
		}
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListActiveSlugs returns the watchlist, most recently touched first
func (s *MemoryStore) ListActiveSlugs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	active := make([]models.TrackedMarket, 0, len(s.markets))
	for _, m := range s.markets {
		if m.Active {
			active = append(active, *m)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(active, func(i, j int) bool {
		return marketLess(active[j], active[i], "updated_at")
	})
	slugs := make([]string, len(active))
	for i, m := range active {
		slugs[i] = m.Slug
	}
	return slugs, nil
}

// UpsertTrackedMarket creates or reactivates a market
func (s *MemoryStore) UpsertTrackedMarket(ctx context.Context, m models.TrackedMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.markets[m.Slug]
	if !ok {
		m.Active = true
		m.UpdatedAt = s.now()
		s.markets[m.Slug] = &m
		return nil
	}

	existing.Active = true
	existing.UpdatedAt = s.now()
	if m.League != "" {
		existing.League = m.League
	}
	if m.Title != "" {
		existing.Title = m.Title
	}
	return nil
}

// DeactivateTrackedMarket removes a slug from the watchlist without deleting it
func (s *MemoryStore) DeactivateTrackedMarket(ctx context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[slug]
	if !ok {
		return fmt.Errorf("market %s: %w", slug, ErrNotFound)
	}
	m.Active = false
	m.UpdatedAt = s.now()
	return nil
}

// ListTrackedMarkets lists watchlist rows, active or not
func (s *MemoryStore) ListTrackedMarkets(ctx context.Context, q MarketQuery) ([]models.TrackedMarket, error) {
	q = q.Normalize()

	s.mu.RLock()
	out := make([]models.TrackedMarket, 0, len(s.markets))
	for _, m := range s.markets {
		if q.Q != "" && !strings.Contains(strings.ToLower(m.Slug), q.Q) && !strings.Contains(strings.ToLower(m.Title), q.Q) {
			continue
		}
		if q.League != "" && strings.ToLower(m.League) != q.League {
			continue
		}
		out = append(out, *m)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if q.Dir == "desc" {
			return marketLess(out[j], out[i], q.Sort)
		}
		return marketLess(out[i], out[j], q.Sort)
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func marketLess(a, b models.TrackedMarket, col string) bool {
	switch col {
	case "slug":
		return a.Slug < b.Slug
	case "league":
		return a.League < b.League
	case "title":
		return a.Title < b.Title
	}
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.Slug < b.Slug
	}
	return a.UpdatedAt.Before(b.UpdatedAt)
}
