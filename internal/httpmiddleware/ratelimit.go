// Package httpmiddleware holds the gin middleware shared by the API.
package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// Limiter keeps one token bucket per key. Buckets idle for longer than the
// idle window are dropped on the next sweep.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	key   KeyFunc
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLimiter allows perMinute requests per key with a burst of the same
// size. A nil key charges requests by client IP.
func NewLimiter(perMinute int, key KeyFunc) *Limiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	if key == nil {
		key = ClientIP
	}
	return &Limiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		idle:    10 * time.Minute,
		key:     key,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// ClientIP keys requests by remote address.
func ClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// GinMiddleware returns gin handler enforcing per-key limits.
func (l *Limiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(l.key(c)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// Allow reports whether a request charged to key may proceed.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) > l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}
