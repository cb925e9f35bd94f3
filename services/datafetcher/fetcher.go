package datafetcher

import (
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxBackoff caps every wait between rate-limited attempts
const MaxBackoff = 30 * time.Second

// RetryOptions configures FetchWithRetry
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Sleep defaults to time.Sleep; tests replace it to observe waits
	Sleep func(time.Duration)
}

// FetchWithRetry sends req and retries while the server answers 429.
//
// A numeric Retry-After header is honored; otherwise the wait is BaseDelay*2^attempt.
// Both are capped at MaxBackoff. After MaxRetries rate-limited attempts one final
// attempt is made and its response returned as is, whatever the status.
// Transport errors are returned unchanged and never retried here.
func FetchWithRetry(client *http.Client, req *http.Request, opts RetryOptions) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		resp, err := client.Do(req.Clone(req.Context()))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		delay := RetryDelay(resp.Header.Get("Retry-After"), opts.BaseDelay, attempt)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		log.Printf("Rate limited by %s (attempt %d/%d), waiting %v", req.URL.Host, attempt+1, opts.MaxRetries, delay)
		sleep(delay)
	}

	return client.Do(req.Clone(req.Context()))
}

// RetryDelay computes the wait after a 429. Only the delta-seconds form of
// Retry-After is understood; an HTTP-date falls back to exponential backoff.
func RetryDelay(retryAfter string, base time.Duration, attempt int) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
		// compare before multiplying; large values overflow Duration
		if secs >= int(MaxBackoff/time.Second) {
			return MaxBackoff
		}
		return time.Duration(secs) * time.Second
	}

	delay := base
	for i := 0; i < attempt && delay < MaxBackoff; i++ {
		delay *= 2
	}
	if delay > MaxBackoff {
		return MaxBackoff
	}
	return delay
}
