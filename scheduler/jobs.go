package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"narrative_backend/models"
	"narrative_backend/services/cache"
	"narrative_backend/services/datafetcher"
	"narrative_backend/services/pricing"
	"narrative_backend/services/storage"

	"golang.org/x/sync/errgroup"
)

// MaxRecentErrors bounds the collector error log
const MaxRecentErrors = 20

// ErrSlugRequired is returned when a capture is requested without a slug
var ErrSlugRequired = errors.New("slug is required")

// Publisher receives every persisted snapshot
type Publisher interface {
	Publish(snap models.MarketSnapshot)
}

// CollectError is one entry of the error log
type CollectError struct {
	Timestamp time.Time `json:"ts"`
	Slug      string    `json:"slug"`
	Message   string    `json:"error"`
}

// Status is a point-in-time view of the collector
type Status struct {
	Running         bool           `json:"running"`
	IntervalSeconds int            `json:"intervalSeconds"`
	Slugs           []string       `json:"slugs"`
	LastRun         *time.Time     `json:"lastRun"`
	RecentErrors    []CollectError `json:"recentErrors"`
}

// CollectResult describes one ad-hoc capture
type CollectResult struct {
	Slug           string    `json:"slug"`
	CanonicalPrice *float64  `json:"canonicalPrice"`
	Timestamp      time.Time `json:"ts"`
}

// CollectorOptions wires the collector's collaborators
type CollectorOptions struct {
	Store     storage.Store
	Provider  datafetcher.Provider
	Timer     Timer
	Cache     cache.QuoteCache
	Publisher Publisher

	Interval    time.Duration // used when Start is called without an interval
	MinInterval time.Duration
	Concurrency int // slugs fetched in parallel within one tick; <= 1 is sequential
	Now         func() time.Time
}

// Collector periodically snapshots every active market on the watchlist
type Collector struct {
	store       storage.Store
	provider    datafetcher.Provider
	timer       Timer
	cache       cache.QuoteCache
	publisher   Publisher
	minInterval time.Duration
	concurrency int
	now         func() time.Time

	lifecycle sync.Mutex // serializes Start/Stop
	tickMu    sync.Mutex // held for the duration of a tick

	mu       sync.RWMutex
	running  bool
	interval time.Duration
	cancel   func()
	lastRun  *time.Time
	errs     []CollectError
}

// NewCollector creates a stopped collector
func NewCollector(opts CollectorOptions) *Collector {
	c := &Collector{
		store:       opts.Store,
		provider:    opts.Provider,
		timer:       opts.Timer,
		cache:       opts.Cache,
		publisher:   opts.Publisher,
		minInterval: opts.MinInterval,
		concurrency: opts.Concurrency,
		interval:    opts.Interval,
		now:         opts.Now,
	}
	if c.cache == nil {
		c.cache = cache.NoopQuoteCache{}
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.minInterval <= 0 {
		c.minInterval = 5 * time.Second
	}
	if c.interval <= 0 {
		c.interval = 30 * time.Second
	}
	if c.interval < c.minInterval {
		c.interval = c.minInterval
	}
	return c
}

// Start activates the given slugs, replaces any running timer, runs one tick
// synchronously and then schedules a tick every intervalSeconds.
// intervalSeconds <= 0 keeps the current interval.
// Cancellation of ctx does not interrupt a start once it has begun.
func (c *Collector) Start(ctx context.Context, intervalSeconds int, slugs []string) (Status, error) {
	ctx = context.WithoutCancel(ctx)

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	for _, slug := range normalizeSlugs(slugs) {
		if err := c.store.UpsertTrackedMarket(ctx, models.TrackedMarket{Slug: slug}); err != nil {
			return Status{}, fmt.Errorf("failed to activate %s: %w", slug, err)
		}
	}

	c.mu.Lock()
	interval := c.interval
	if intervalSeconds > 0 {
		interval = time.Duration(intervalSeconds) * time.Second
	}
	if interval < c.minInterval {
		interval = c.minInterval
	}
	c.mu.Unlock()

	if err := c.startLocked(ctx, interval); err != nil {
		return Status{}, err
	}

	// the timer is live from here on, so a failed watchlist read is not a failed start
	st, err := c.Status(ctx)
	if err != nil {
		log.Printf("Collector: started, but status read failed: %v", err)
		return c.statusWith([]string{}), nil
	}
	return st, nil
}

func (c *Collector) startLocked(ctx context.Context, interval time.Duration) error {
	c.cancelTimer()

	c.tickMu.Lock()
	c.tick(ctx)
	c.tickMu.Unlock()

	cancel, err := c.timer.Schedule(interval, c.scheduledTick)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to schedule collector: %w", err)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.interval = interval
	c.running = true
	c.mu.Unlock()

	log.Printf("Collector: running every %s", interval)
	return nil
}

// Stop cancels future ticks. A tick already in flight runs to completion.
func (c *Collector) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.cancelTimer()
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	log.Println("Collector: stopped")
}

func (c *Collector) cancelTimer() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Autostart starts the collector with its current interval after delay,
// unless it was started in the meantime. The returned func aborts the pending start.
func (c *Collector) Autostart(delay time.Duration) func() {
	t := time.AfterFunc(delay, func() {
		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()

		c.mu.RLock()
		started := c.cancel != nil
		interval := c.interval
		c.mu.RUnlock()
		if started {
			return
		}
		if err := c.startLocked(context.Background(), interval); err != nil {
			log.Printf("Collector: autostart failed: %v", err)
		}
	})
	return func() { t.Stop() }
}

// scheduledTick is the timer callback; a fire that lands while a tick is
// still in flight is skipped rather than queued.
func (c *Collector) scheduledTick() {
	if !c.tickMu.TryLock() {
		log.Println("Collector: previous tick still running, skipping")
		return
	}
	defer c.tickMu.Unlock()
	c.tick(context.Background())
}

// tick snapshots every active slug. Failures are recorded per slug and
// never abort the remaining slugs.
func (c *Collector) tick(ctx context.Context) {
	now := c.now()
	c.mu.Lock()
	c.lastRun = &now
	c.mu.Unlock()

	slugs, err := c.store.ListActiveSlugs(ctx)
	if err != nil {
		c.recordError("", fmt.Errorf("failed to list active slugs: %w", err))
		return
	}

	if c.concurrency <= 1 {
		for _, slug := range slugs {
			if _, err := c.collect(ctx, slug); err != nil {
				c.recordError(slug, err)
			}
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, slug := range slugs {
		g.Go(func() error {
			if _, err := c.collect(ctx, slug); err != nil {
				c.recordError(slug, err)
			}
			return nil
		})
	}
	g.Wait()
}

// collect fetches, canonicalizes and persists one snapshot for slug
func (c *Collector) collect(ctx context.Context, slug string) (*models.MarketSnapshot, error) {
	market, err := c.provider.GetMarketBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	quote := pricing.ParseQuote(market.Raw)
	raw, err := json.Marshal(market)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for %s: %w", slug, err)
	}

	snap := &models.MarketSnapshot{
		Slug:      slug,
		Timestamp: c.now(),
		Price:     pricing.CanonicalPrice(quote),
		BestBid:   quote.BestBid,
		BestAsk:   quote.BestAsk,
		Volume:    quote.Volume,
		RawJSON:   string(raw),
	}
	if err := c.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	latest := cache.LatestQuote{
		Slug:      snap.Slug,
		Price:     snap.Price,
		BestBid:   snap.BestBid,
		BestAsk:   snap.BestAsk,
		Volume:    snap.Volume,
		Timestamp: snap.Timestamp,
	}
	if err := c.cache.SetLatest(ctx, latest); err != nil {
		log.Printf("Collector: failed to cache latest quote for %s: %v", slug, err)
	}
	if c.publisher != nil {
		c.publisher.Publish(*snap)
	}
	return snap, nil
}

// CollectOne captures a single snapshot regardless of the running state
func (c *Collector) CollectOne(ctx context.Context, slug string) (*CollectResult, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, ErrSlugRequired
	}
	snap, err := c.collect(ctx, slug)
	if err != nil {
		return nil, err
	}
	return &CollectResult{
		Slug:           snap.Slug,
		CanonicalPrice: snap.Price,
		Timestamp:      snap.Timestamp,
	}, nil
}

// Status reads the active slugs fresh from the store
func (c *Collector) Status(ctx context.Context) (Status, error) {
	slugs, err := c.store.ListActiveSlugs(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to list active slugs: %w", err)
	}
	if slugs == nil {
		slugs = []string{}
	}
	return c.statusWith(slugs), nil
}

func (c *Collector) statusWith(slugs []string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	errs := make([]CollectError, len(c.errs))
	copy(errs, c.errs)

	st := Status{
		Running:         c.running,
		IntervalSeconds: int(c.interval / time.Second),
		Slugs:           slugs,
		RecentErrors:    errs,
	}
	if c.lastRun != nil {
		lr := *c.lastRun
		st.LastRun = &lr
	}
	return st
}

// AddMarket puts a slug on the watchlist, reactivating it if needed
func (c *Collector) AddMarket(ctx context.Context, slug, league, title string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return ErrSlugRequired
	}
	return c.store.UpsertTrackedMarket(ctx, models.TrackedMarket{
		Slug:   slug,
		League: strings.TrimSpace(league),
		Title:  strings.TrimSpace(title),
	})
}

// RemoveMarket takes a slug off the watchlist; its snapshots are kept
func (c *Collector) RemoveMarket(ctx context.Context, slug string) error {
	return c.store.DeactivateTrackedMarket(ctx, strings.TrimSpace(slug))
}

// recordError prepends to the error log, evicting the oldest beyond MaxRecentErrors
func (c *Collector) recordError(slug string, err error) {
	log.Printf("Collector: error collecting %q: %v", slug, err)

	entry := CollectError{Timestamp: c.now(), Slug: slug, Message: err.Error()}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append([]CollectError{entry}, c.errs...)
	if len(c.errs) > MaxRecentErrors {
		c.errs = c.errs[:MaxRecentErrors]
	}
}

func normalizeSlugs(slugs []string) []string {
	seen := make(map[string]bool, len(slugs))
	out := make([]string, 0, len(slugs))
	for _, s := range slugs {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
