package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestNoopQuoteCacheAlwaysMisses(t *testing.T) {
	var c QuoteCache = NoopQuoteCache{}
	p := 0.42
	if err := c.SetLatest(context.Background(), LatestQuote{Slug: "a", Price: &p}); err != nil {
		t.Fatalf("SetLatest() error = %v", err)
	}
	if _, err := c.GetLatest(context.Background(), "a"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("GetLatest() error = %v, want ErrCacheMiss", err)
	}
}

func TestLatestKey(t *testing.T) {
	if got := LatestKey("nba-test"); got != "pm:latest:nba-test" {
		t.Errorf("LatestKey() = %q, want pm:latest:nba-test", got)
	}
}

func TestRedisQuoteCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	c, err := NewRedisQuoteCache(addr, "", time.Minute)
	if err != nil {
		t.Fatalf("NewRedisQuoteCache() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	slug := "cache-test-" + time.Now().Format("150405.000000")
	if _, err := c.GetLatest(ctx, slug); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("GetLatest(empty) error = %v, want ErrCacheMiss", err)
	}

	p := 0.61
	ts := time.Date(2026, 1, 12, 18, 0, 0, 0, time.UTC)
	if err := c.SetLatest(ctx, LatestQuote{Slug: slug, Price: &p, Timestamp: ts}); err != nil {
		t.Fatalf("SetLatest() error = %v", err)
	}
	got, err := c.GetLatest(ctx, slug)
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	if got.Price == nil || *got.Price != p || !got.Timestamp.Equal(ts) {
		t.Errorf("GetLatest() = %+v, want price %v at %v", got, p, ts)
	}
	c.client.Del(ctx, LatestKey(slug))
}
