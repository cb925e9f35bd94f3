package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// window tracks requests from one IP in the current period
type window struct {
	Count   int
	FirstAt time.Time
}

// RateLimiter is a fixed-window request limiter keyed by client IP
type RateLimiter struct {
	mu          sync.Mutex
	windows     map[string]*window
	maxRequests int
	period      time.Duration
	now         func() time.Time
}

// NewRateLimiter creates a new rate limiter
// maxRequests: requests allowed per IP within one period
// period: length of the counting window
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:     make(map[string]*window),
		maxRequests: maxRequests,
		period:      period,
		now:         time.Now,
	}
}

// StartCleanup periodically drops expired windows until stop is closed
func (rl *RateLimiter) StartCleanup(every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, w := range rl.windows {
		if now.Sub(w.FirstAt) >= rl.period {
			delete(rl.windows, ip)
		}
	}
}

// Allow records one request from ip and reports whether it is within the limit.
// When it is not, the second value is how long until the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, exists := rl.windows[ip]
	if !exists || now.Sub(w.FirstAt) >= rl.period {
		rl.windows[ip] = &window{Count: 1, FirstAt: now}
		return true, rl.maxRequests - 1, 0
	}

	if w.Count >= rl.maxRequests {
		return false, 0, rl.period - now.Sub(w.FirstAt)
	}
	w.Count++
	return true, rl.maxRequests - w.Count, 0
}

// RateLimitMiddleware rejects requests over the limit with 429 and a Retry-After header
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, retryIn := rl.Allow(c.ClientIP())
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			seconds := int(math.Ceil(retryIn.Seconds()))
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      fmt.Sprintf("Too many requests. Please try again in %d second(s).", seconds),
				"retryAfter": seconds,
			})
			return
		}

		c.Next()
	}
}
