package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"narrative_backend/models"
	"narrative_backend/services/datafetcher"
	"narrative_backend/services/storage"
)

// fakeTimer records every Schedule and cancel call
type fakeTimer struct {
	mu        sync.Mutex
	created   int
	cancelled int
	live      map[int]time.Duration
	fns       map[int]func()
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{live: map[int]time.Duration{}, fns: map[int]func(){}}
}

func (f *fakeTimer) Schedule(every time.Duration, fn func()) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	id := f.created
	f.live[id] = every
	f.fns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.live[id]; ok {
			delete(f.live, id)
			delete(f.fns, id)
			f.cancelled++
		}
	}, nil
}

func (f *fakeTimer) liveIntervals() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Duration
	for _, d := range f.live {
		out = append(out, d)
	}
	return out
}

// fire runs every live job once, synchronously
func (f *fakeTimer) fire() {
	f.mu.Lock()
	var fns []func()
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// fakeProvider serves fixed quotes and fails for slugs listed in fail
type fakeProvider struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakeProvider(fail ...string) *fakeProvider {
	p := &fakeProvider{calls: map[string]int{}, fail: map[string]bool{}}
	for _, s := range fail {
		p.fail[s] = true
	}
	return p
}

func (p *fakeProvider) GetMarketBySlug(ctx context.Context, slug string) (*datafetcher.Market, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.calls[slug]++
	p.mu.Unlock()
	if p.fail[slug] {
		return nil, fmt.Errorf("dial tcp: connection refused for %s", slug)
	}
	return &datafetcher.Market{
		Kind:  "market",
		Slug:  slug,
		Title: "Test " + slug,
		Raw: map[string]any{
			"bestBid": 0.40,
			"bestAsk": "0.44",
			"volume":  1200.5,
		},
	}, nil
}

// rawProvider answers every slug with the same raw payload
type rawProvider map[string]any

func (p rawProvider) GetMarketBySlug(ctx context.Context, slug string) (*datafetcher.Market, error) {
	return &datafetcher.Market{Kind: "market", Slug: slug, Raw: p}, nil
}

// ctxStore fails every call whose context is done
type ctxStore struct {
	*storage.MemoryStore
}

func (s ctxStore) InsertSnapshot(ctx context.Context, snap *models.MarketSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.InsertSnapshot(ctx, snap)
}

func (s ctxStore) ListActiveSlugs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.ListActiveSlugs(ctx)
}

func (s ctxStore) UpsertTrackedMarket(ctx context.Context, m models.TrackedMarket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.UpsertTrackedMarket(ctx, m)
}

// flakyListStore lets the first n ListActiveSlugs calls through and fails the rest
type flakyListStore struct {
	*storage.MemoryStore
	mu sync.Mutex
	n  int
}

func (s *flakyListStore) ListActiveSlugs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n <= 0 {
		return nil, errors.New("connection reset by peer")
	}
	s.n--
	return s.MemoryStore.ListActiveSlugs(ctx)
}

func (p *fakeProvider) SearchMarkets(ctx context.Context, q string, limit, page int) (*datafetcher.SearchResult, error) {
	return &datafetcher.SearchResult{Q: q, Page: page, Hits: []datafetcher.SearchHit{}}, nil
}

func (p rawProvider) SearchMarkets(ctx context.Context, q string, limit, page int) (*datafetcher.SearchResult, error) {
	return &datafetcher.SearchResult{Q: q, Page: page, Hits: []datafetcher.SearchHit{}}, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []models.MarketSnapshot
}

func (r *recordingPublisher) Publish(s models.MarketSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func newTestCollector(store storage.Store, provider datafetcher.Provider, timer Timer) *Collector {
	return NewCollector(CollectorOptions{
		Store:       store,
		Provider:    provider,
		Timer:       timer,
		Interval:    30 * time.Second,
		MinInterval: 5 * time.Second,
	})
}

func TestStartTwiceKeepsOneTimer(t *testing.T) {
	ctx := context.Background()
	timer := newFakeTimer()
	c := newTestCollector(storage.NewMemoryStore(), newFakeProvider(), timer)

	if _, err := c.Start(ctx, 10, []string{"a"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st, err := c.Start(ctx, 20, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if timer.created != 2 || timer.cancelled != 1 {
		t.Errorf("created/cancelled = %d/%d, want 2/1", timer.created, timer.cancelled)
	}
	live := timer.liveIntervals()
	if len(live) != 1 || live[0] != 20*time.Second {
		t.Errorf("live timers = %v, want [20s]", live)
	}
	if !st.Running || st.IntervalSeconds != 20 {
		t.Errorf("status = %+v, want running at 20s", st)
	}
}

func TestStartClampsInterval(t *testing.T) {
	timer := newFakeTimer()
	c := newTestCollector(storage.NewMemoryStore(), newFakeProvider(), timer)

	st, err := c.Start(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st.IntervalSeconds != 5 {
		t.Errorf("IntervalSeconds = %d, want 5", st.IntervalSeconds)
	}

	// zero keeps the previous interval
	st, _ = c.Start(context.Background(), 0, nil)
	if st.IntervalSeconds != 5 {
		t.Errorf("IntervalSeconds after Start(0) = %d, want 5", st.IntervalSeconds)
	}
}

func TestTickIsolatesFailingSlug(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	c := NewCollector(CollectorOptions{
		Store:     store,
		Provider:  newFakeProvider("b"),
		Timer:     newFakeTimer(),
		Publisher: pub,
	})

	if _, err := c.Start(ctx, 30, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for _, slug := range []string{"a", "c"} {
		snaps, _ := store.ListRecentSnapshots(ctx, slug, 10)
		if len(snaps) != 1 {
			t.Fatalf("%s snapshots = %d, want 1", slug, len(snaps))
		}
		if snaps[0].Price == nil || *snaps[0].Price != 0.42 {
			t.Errorf("%s price = %v, want 0.42", slug, snaps[0].Price)
		}
	}
	if snaps, _ := store.ListRecentSnapshots(ctx, "b", 10); len(snaps) != 0 {
		t.Errorf("b snapshots = %d, want 0", len(snaps))
	}

	st, _ := c.Status(ctx)
	if len(st.RecentErrors) != 1 || st.RecentErrors[0].Slug != "b" {
		t.Errorf("RecentErrors = %+v, want one entry for b", st.RecentErrors)
	}
	if len(pub.snaps) != 2 {
		t.Errorf("published = %d, want 2", len(pub.snaps))
	}
}

func TestTickConcurrentIsolatesFailingSlug(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := NewCollector(CollectorOptions{
		Store:       store,
		Provider:    newFakeProvider("b"),
		Timer:       newFakeTimer(),
		Concurrency: 3,
	})

	if _, err := c.Start(ctx, 30, []string{"a", "b", "c", "d"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, slug := range []string{"a", "c", "d"} {
		if snaps, _ := store.ListRecentSnapshots(ctx, slug, 10); len(snaps) != 1 {
			t.Errorf("%s snapshots = %d, want 1", slug, len(snaps))
		}
	}
	st, _ := c.Status(ctx)
	if len(st.RecentErrors) != 1 || st.RecentErrors[0].Slug != "b" {
		t.Errorf("RecentErrors = %+v, want one entry for b", st.RecentErrors)
	}
}

func TestErrorLogIsBounded(t *testing.T) {
	ctx := context.Background()
	timer := newFakeTimer()
	c := newTestCollector(storage.NewMemoryStore(), newFakeProvider("bad"), timer)

	if _, err := c.Start(ctx, 30, []string{"bad"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 30; i++ {
		timer.fire()
	}

	st, _ := c.Status(ctx)
	if len(st.RecentErrors) != MaxRecentErrors {
		t.Fatalf("RecentErrors = %d, want %d", len(st.RecentErrors), MaxRecentErrors)
	}
	for i := 1; i < len(st.RecentErrors); i++ {
		if st.RecentErrors[i].Timestamp.After(st.RecentErrors[i-1].Timestamp) {
			t.Fatalf("RecentErrors not newest first at %d", i)
		}
	}
}

func TestStopKeepsWatchlistAndSnapshots(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	timer := newFakeTimer()
	c := newTestCollector(store, newFakeProvider(), timer)

	c.Start(ctx, 30, []string{"keep"})
	c.Stop()

	if live := timer.liveIntervals(); len(live) != 0 {
		t.Errorf("live timers after Stop = %v, want none", live)
	}
	st, _ := c.Status(ctx)
	if st.Running {
		t.Error("Running = true after Stop")
	}
	if len(st.Slugs) != 1 || st.Slugs[0] != "keep" {
		t.Errorf("Slugs = %v, want [keep]", st.Slugs)
	}
	if snaps, _ := store.ListRecentSnapshots(ctx, "keep", 10); len(snaps) != 1 {
		t.Errorf("snapshots = %d, want 1", len(snaps))
	}
}

func TestTickReadsCurrentWatchlist(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	provider := newFakeProvider()
	timer := newFakeTimer()
	c := newTestCollector(store, provider, timer)

	c.Start(ctx, 30, []string{"first"})
	if err := c.AddMarket(ctx, "second", "NBA", ""); err != nil {
		t.Fatalf("AddMarket() error = %v", err)
	}
	if err := c.RemoveMarket(ctx, "first"); err != nil {
		t.Fatalf("RemoveMarket() error = %v", err)
	}
	timer.fire()

	if provider.calls["first"] != 1 || provider.calls["second"] != 1 {
		t.Errorf("calls = %v, want first=1 second=1", provider.calls)
	}
	if err := c.RemoveMarket(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RemoveMarket(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestScheduledTickSkipsWhileRunning(t *testing.T) {
	provider := newFakeProvider()
	store := storage.NewMemoryStore()
	store.UpsertTrackedMarket(context.Background(), models.TrackedMarket{Slug: "x"})
	c := newTestCollector(store, provider, newFakeTimer())

	c.tickMu.Lock()
	c.scheduledTick()
	c.tickMu.Unlock()

	if provider.calls["x"] != 0 {
		t.Errorf("calls while tick in flight = %d, want 0", provider.calls["x"])
	}
	c.scheduledTick()
	if provider.calls["x"] != 1 {
		t.Errorf("calls after tick finished = %d, want 1", provider.calls["x"])
	}
}

func TestCollectOne(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := newTestCollector(store, newFakeProvider("down"), newFakeTimer())

	res, err := c.CollectOne(ctx, "  adhoc ")
	if err != nil {
		t.Fatalf("CollectOne() error = %v", err)
	}
	if res.Slug != "adhoc" || res.CanonicalPrice == nil || *res.CanonicalPrice != 0.42 {
		t.Errorf("CollectOne() = %+v, want adhoc at 0.42", res)
	}
	if snaps, _ := store.ListRecentSnapshots(ctx, "adhoc", 10); len(snaps) != 1 {
		t.Errorf("snapshots = %d, want 1", len(snaps))
	}

	if _, err := c.CollectOne(ctx, ""); !errors.Is(err, ErrSlugRequired) {
		t.Errorf("CollectOne(\"\") error = %v, want ErrSlugRequired", err)
	}
	if _, err := c.CollectOne(ctx, "down"); err == nil {
		t.Error("CollectOne(down) error = nil, want provider error")
	}
}

func TestAutostart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.UpsertTrackedMarket(ctx, models.TrackedMarket{Slug: "boot"})
	timer := newFakeTimer()
	c := newTestCollector(store, newFakeProvider(), timer)

	c.Autostart(time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := c.Status(ctx)
		if st.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("collector not running after autostart")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if snaps, _ := store.ListRecentSnapshots(ctx, "boot", 10); len(snaps) != 1 {
		t.Errorf("snapshots = %d, want 1", len(snaps))
	}

	// a second autostart must not replace the running timer
	c.Autostart(time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	timer.mu.Lock()
	created := timer.created
	timer.mu.Unlock()
	if created != 1 {
		t.Errorf("timers created = %d, want 1", created)
	}
}

func TestEndToEndStartAgainstProvider(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := newTestCollector(store, newFakeProvider(), newFakeTimer())

	st, err := c.Start(ctx, 5, []string{"nba-test"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !st.Running {
		t.Error("Running = false after Start")
	}
	found := false
	for _, s := range st.Slugs {
		if s == "nba-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("Slugs = %v, want nba-test", st.Slugs)
	}
	if st.LastRun == nil {
		t.Error("LastRun = nil after Start")
	}
	if snaps, _ := store.ListRecentSnapshots(ctx, "nba-test", 10); len(snaps) < 1 {
		t.Error("no snapshot for nba-test after Start")
	}
}

func TestStartIgnoresCallerCancellation(t *testing.T) {
	mem := storage.NewMemoryStore()
	timer := newFakeTimer()
	c := newTestCollector(ctxStore{mem}, newFakeProvider(), timer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := c.Start(ctx, 10, []string{"lakers"})
	if err != nil {
		t.Fatalf("Start() error = %v, want nil", err)
	}
	if !st.Running || st.IntervalSeconds != 10 {
		t.Errorf("Start() = running %v every %ds, want running every 10s", st.Running, st.IntervalSeconds)
	}
	if len(st.RecentErrors) != 0 {
		t.Errorf("RecentErrors = %+v, want none", st.RecentErrors)
	}
	if snaps, _ := mem.ListRecentSnapshots(context.Background(), "lakers", 10); len(snaps) != 1 {
		t.Errorf("snapshots = %d, want 1", len(snaps))
	}
	if live := timer.liveIntervals(); len(live) != 1 {
		t.Errorf("live timers = %v, want one", live)
	}
}

func TestStartSucceedsWhenStatusReadFails(t *testing.T) {
	store := &flakyListStore{MemoryStore: storage.NewMemoryStore(), n: 1}
	timer := newFakeTimer()
	c := newTestCollector(store, newFakeProvider(), timer)

	st, err := c.Start(context.Background(), 10, []string{"lakers"})
	if err != nil {
		t.Fatalf("Start() error = %v, want nil once the timer is live", err)
	}
	if !st.Running {
		t.Error("Running = false, want true")
	}
	if len(timer.liveIntervals()) != 1 {
		t.Errorf("live timers = %v, want one", timer.liveIntervals())
	}
}

func TestTickStoresSnapshotWithoutPrice(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.UpsertTrackedMarket(ctx, models.TrackedMarket{Slug: "quiet"})
	provider := rawProvider{"bestBid": "n/a", "volume": "88.5"}
	c := newTestCollector(store, provider, newFakeTimer())

	if _, err := c.Start(ctx, 10, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	snaps, _ := store.ListRecentSnapshots(ctx, "quiet", 10)
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	if snaps[0].Price != nil {
		t.Errorf("Price = %v, want nil", *snaps[0].Price)
	}
	if snaps[0].Volume == nil || *snaps[0].Volume != 88.5 {
		t.Errorf("Volume = %v, want 88.5", snaps[0].Volume)
	}
	st, _ := c.Status(ctx)
	if len(st.RecentErrors) != 0 {
		t.Errorf("RecentErrors = %+v, want none", st.RecentErrors)
	}
}
