package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when no latest quote is cached for a slug
var ErrCacheMiss = errors.New("cache miss")

// LatestQuote is the most recent collected observation for a slug
type LatestQuote struct {
	Slug      string    `json:"slug"`
	Price     *float64  `json:"price"`
	BestBid   *float64  `json:"best_bid"`
	BestAsk   *float64  `json:"best_ask"`
	Volume    *float64  `json:"volume"`
	Timestamp time.Time `json:"ts"`
}

// QuoteCache stores the latest quote per slug
type QuoteCache interface {
	SetLatest(ctx context.Context, q LatestQuote) error
	GetLatest(ctx context.Context, slug string) (*LatestQuote, error)
}

// RedisQuoteCache implements QuoteCache on Redis string keys with a TTL
type RedisQuoteCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisQuoteCache connects and pings Redis
func NewRedisQuoteCache(addr, password string, ttl time.Duration) (*RedisQuoteCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQuoteCache{client: client, ttl: ttl}, nil
}

// LatestKey is the Redis key holding the latest quote for slug
func LatestKey(slug string) string {
	return "pm:latest:" + slug
}

// SetLatest overwrites the cached quote for q.Slug
func (c *RedisQuoteCache) SetLatest(ctx context.Context, q LatestQuote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, LatestKey(q.Slug), data, c.ttl).Err()
}

// GetLatest reads the cached quote for slug
func (c *RedisQuoteCache) GetLatest(ctx context.Context, slug string) (*LatestQuote, error) {
	data, err := c.client.Get(ctx, LatestKey(slug)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var q LatestQuote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to decode cached quote: %w", err)
	}
	return &q, nil
}

// Close releases the Redis connection pool
func (c *RedisQuoteCache) Close() error {
	return c.client.Close()
}

// NoopQuoteCache is used when Redis is not configured; every read misses
type NoopQuoteCache struct{}

func (NoopQuoteCache) SetLatest(ctx context.Context, q LatestQuote) error { return nil }

func (NoopQuoteCache) GetLatest(ctx context.Context, slug string) (*LatestQuote, error) {
	return nil, ErrCacheMiss
}
