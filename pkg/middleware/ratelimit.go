package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/uplinkd/uplink/pkg/types"
)

// Rate is events per second.
type Rate float64

// Every converts a per-event interval to a Rate.
func Every(interval time.Duration) Rate {
	if interval <= 0 {
		return 0
	}
	return Rate(1.0 / interval.Seconds())
}

// tokenBucket refills continuously up to burst.
type tokenBucket struct {
	mu       sync.Mutex
	rate     Rate
	burst    int
	tokens   float64
	lastTime time.Time
}

func newTokenBucket(rate Rate, burst int) *tokenBucket {
	return &tokenBucket{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastTime).Seconds() * float64(tb.rate)
	if tb.tokens > float64(tb.burst) {
		tb.tokens = float64(tb.burst)
	}
	tb.lastTime = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter keys token buckets by caller so one aggressive uploader
// cannot starve the rest.
type Limiter struct {
	mu      sync.Mutex
	rate    Rate
	burst   int
	buckets map[string]*tokenBucket
}

func NewLimiter(rate Rate, burst int) *Limiter {
	return &Limiter{
		rate:    rate,
		burst:   burst,
		buckets: map[string]*tokenBucket{},
	}
}

// SetRate applies a reloaded rate and burst to new and existing
// buckets. Accumulated tokens above the new burst are clamped.
func (l *Limiter) SetRate(rate Rate, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate
	l.burst = burst
	for _, bucket := range l.buckets {
		bucket.mu.Lock()
		bucket.rate = rate
		bucket.burst = burst
		if bucket.tokens > float64(burst) {
			bucket.tokens = float64(burst)
		}
		bucket.mu.Unlock()
	}
}

// Allow reports whether key may proceed now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = newTokenBucket(l.rate, l.burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()
	return bucket.allow()
}

// Prune drops buckets idle longer than maxIdle. Run periodically when
// the caller population is unbounded.
func (l *Limiter) Prune(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, bucket := range l.buckets {
		bucket.mu.Lock()
		idle := bucket.lastTime.Before(cutoff)
		bucket.mu.Unlock()
		if idle {
			delete(l.buckets, key)
		}
	}
}

// RateLimit rejects callers over their budget with 429. The key is the
// authenticated owner when present, the client address otherwise, so
// the limiter keeps working in front of the auth layer too.
func RateLimit(limiter *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-User-ID")
		if key == "" {
			key = c.ClientIP()
		}
		if !limiter.Allow(key) {
			c.Header("Retry-After", "5")
			c.JSON(http.StatusTooManyRequests, types.ErrorResponse{Error: "Rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
