package datafetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMarketNotFound is returned when the provider has no market for a slug
	ErrMarketNotFound = errors.New("market not found")
	// ErrProviderStatus wraps any other non-2xx provider answer
	ErrProviderStatus = errors.New("provider returned error status")
	// ErrMalformedPayload is returned when the provider body is not a JSON object
	ErrMalformedPayload = errors.New("malformed provider payload")
)

// Market is the provider's view of one market. Raw carries the full payload,
// including bestBid, bestAsk, lastTradePrice and volume.
type Market struct {
	Kind     string         `json:"kind"`
	ID       any            `json:"id"`
	Slug     string         `json:"slug"`
	Question string         `json:"question"`
	Title    string         `json:"title"`
	EndDate  string         `json:"endDate,omitempty"`
	Active   *bool          `json:"active"`
	Closed   *bool          `json:"closed"`
	Raw      map[string]any `json:"raw"`
}

// SearchHit is one market matched by a provider search, flattened out of its event
type SearchHit struct {
	Kind          string         `json:"kind"`
	ID            any            `json:"id"`
	Slug          string         `json:"slug"`
	Question      string         `json:"question"`
	Title         string         `json:"title"`
	EventID       any            `json:"eventId"`
	EventSlug     string         `json:"eventSlug"`
	EventTitle    string         `json:"eventTitle"`
	EventSubtitle string         `json:"eventSubtitle"`
	EndDate       string         `json:"endDate"`
	Active        *bool          `json:"active"`
	Closed        *bool          `json:"closed"`
	Raw           map[string]any `json:"raw"`
}

// SearchResult is one page of provider search hits
type SearchResult struct {
	Q            string      `json:"q"`
	Page         int         `json:"page"`
	PagesScanned int         `json:"pages_scanned"`
	HitsCount    int         `json:"hits_count"`
	Hits         []SearchHit `json:"hits"`
	Pagination   any         `json:"pagination"`
}

// MarketTypes lists the sports market types the UI filters on
var MarketTypes = []string{"moneyline", "spreads", "totals"}

// Provider looks up and searches markets
type Provider interface {
	GetMarketBySlug(ctx context.Context, slug string) (*Market, error)
	SearchMarkets(ctx context.Context, q string, limit, page int) (*SearchResult, error)
}

// GammaClient reads markets from a Gamma-style REST API
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryOptions
}

// NewGammaClient creates a provider client with its own HTTP timeout
func NewGammaClient(baseURL string, timeout time.Duration, retry RetryOptions) *GammaClient {
	return &GammaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry: retry,
	}
}

// GetMarketBySlug fetches /markets/slug/{slug}
func (c *GammaClient) GetMarketBySlug(ctx context.Context, slug string) (*Market, error) {
	endpoint := fmt.Sprintf("%s/markets/slug/%s", c.baseURL, url.PathEscape(slug))

	raw, err := c.getObject(ctx, endpoint)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market %s: %w", slug, err)
	}
	return marketFromRaw(slug, raw), nil
}

// SearchMarkets queries /public-search and flattens every event's markets into hits
func (c *GammaClient) SearchMarkets(ctx context.Context, q string, limit, page int) (*SearchResult, error) {
	params := url.Values{}
	params.Set("q", q)
	params.Set("page", strconv.Itoa(page))
	params.Set("limit_per_type", strconv.Itoa(limit))
	params.Set("search_tags", "false")
	params.Set("search_profiles", "false")

	data, err := c.getObject(ctx, c.baseURL+"/public-search?"+params.Encode())
	if errors.Is(err, errNotFound) {
		err = fmt.Errorf("%w: 404", ErrProviderStatus)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search markets for %q: %w", q, err)
	}

	hits := []SearchHit{}
	events, _ := data["events"].([]any)
	for _, e := range events {
		ev, _ := e.(map[string]any)
		markets, _ := ev["markets"].([]any)
		for _, mk := range markets {
			m, _ := mk.(map[string]any)
			hits = append(hits, hitFromRaw(ev, m))
		}
	}

	return &SearchResult{
		Q:            q,
		Page:         page,
		PagesScanned: 1,
		HitsCount:    len(hits),
		Hits:         hits,
		Pagination:   data["pagination"],
	}, nil
}

// errNotFound marks a provider 404 before callers translate it
var errNotFound = errors.New("provider 404")

// getObject GETs endpoint through FetchWithRetry and decodes a JSON object body
func (c *GammaClient) getObject(ctx context.Context, endpoint string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := FetchWithRetry(c.httpClient, req, c.retry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d %s", ErrProviderStatus, resp.StatusCode, excerpt(body))
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, excerpt(body))
	}
	return raw, nil
}

// marketFromRaw copies the descriptive fields out of a raw market object
func marketFromRaw(slug string, raw map[string]any) *Market {
	m := &Market{
		Kind:     "market",
		ID:       raw["id"],
		Slug:     stringField(raw, "slug"),
		Question: stringField(raw, "question"),
		Title:    stringField(raw, "title"),
		EndDate:  stringField(raw, "endDate"),
		Active:   boolField(raw, "active"),
		Closed:   boolField(raw, "closed"),
		Raw:      raw,
	}
	if m.Slug == "" {
		m.Slug = slug
	}
	if m.Title == "" {
		m.Title = m.Question
	}
	if m.Question == "" {
		m.Question = m.Title
	}
	return m
}

// hitFromRaw prefers market fields and falls back to the event's
func hitFromRaw(ev, m map[string]any) SearchHit {
	h := SearchHit{
		Kind:          "market",
		ID:            m["id"],
		Slug:          stringField(m, "slug"),
		Question:      firstString(stringField(m, "question"), stringField(m, "title")),
		Title:         firstString(stringField(m, "title"), stringField(m, "question")),
		EventID:       ev["id"],
		EventSlug:     stringField(ev, "slug"),
		EventTitle:    stringField(ev, "title"),
		EventSubtitle: stringField(ev, "subtitle"),
		EndDate:       firstString(stringField(m, "endDate"), stringField(ev, "endDate")),
		Active:        boolField(m, "active"),
		Closed:        boolField(m, "closed"),
		Raw:           map[string]any{"event": ev, "market": m},
	}
	if h.Active == nil {
		h.Active = boolField(ev, "active")
	}
	if h.Closed == nil {
		h.Closed = boolField(ev, "closed")
	}
	return h
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringField(raw map[string]any, key string) string {
	if s, ok := raw[key].(string); ok {
		return s
	}
	return ""
}

func boolField(raw map[string]any, key string) *bool {
	if b, ok := raw[key].(bool); ok {
		return &b
	}
	return nil
}

func excerpt(body []byte) string {
	const limit = 300
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
