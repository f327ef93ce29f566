package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client IP with a token bucket.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*cachedLimiter
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithRate sets the sustained rate per second and the burst. A rate of 0 disables limiting.
func WithRate(perSecond float64, burst int) Option {
	return func(l *RateLimiter) {
		l.limit = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle client's limiter is kept.
func WithTTL(ttl time.Duration) Option {
	return func(l *RateLimiter) { l.ttl = ttl }
}

// NewRateLimiter creates a limiter allowing 2 requests per second with a burst of 5 by default.
func NewRateLimiter(opts ...Option) *RateLimiter {
	l := &RateLimiter{
		limit:    2,
		burst:    5,
		ttl:      5 * time.Minute,
		now:      time.Now,
		limiters: make(map[string]*cachedLimiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	return l
}

type cachedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Middleware rejects clients over their rate with 429 and Retry-After.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// rate 0 means unlimited
			if l.limit > 0 && !l.get(clientIP(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "Too Many Requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if cached, ok := l.limiters[key]; ok {
		cached.lastSeen = now
		return cached.limiter
	}

	// sweep idle clients while we hold the lock
	for k, c := range l.limiters {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.limiters, k)
		}
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters[key] = &cachedLimiter{limiter: limiter, lastSeen: now}
	return limiter
}

// size returns the number of tracked clients.
func (l *RateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// clientIP returns the host part of RemoteAddr, which chi's RealIP has already
// rewritten from X-Forwarded-For / X-Real-IP when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
