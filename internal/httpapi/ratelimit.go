package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	IPPerMinute    int
	IPBurst        int
	LoginPerMinute int
	LoginBurst     int
	// TrustProxy takes the client address from X-Forwarded-For. Without it
	// the peer address is used and the header is ignored.
	TrustProxy     bool
}

// RateLimiter throttles requests per client IP and login attempts per
// employee id.
type RateLimiter struct {
	ipLimiter    *tokenLimiter
	loginLimiter *tokenLimiter
	trustProxy   bool
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:    newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst, 120, 30),
		loginLimiter: newTokenLimiter(cfg.LoginPerMinute, cfg.LoginBurst, 10, 5),
		trustProxy:   cfg.TrustProxy,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AllowLogin reports whether another login attempt for employeeID may
// proceed. Employee ids are compared case-insensitively.
func (l *RateLimiter) AllowLogin(employeeID string) bool {
	key := strings.ToLower(strings.TrimSpace(employeeID))
	if key == "" {
		return true
	}
	return l.loginLimiter.allow(key)
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*bucket
	now    func() time.Time

	// refill is how long an empty bucket takes to fill up. Buckets idle for
	// longer are full and can be dropped.
	refill    time.Duration
	lastPrune time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst, defaultPerMinute, defaultBurst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	rate := float64(perMinute) / 60.0
	return &tokenLimiter{
		rate:   rate,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
		refill: time.Duration(float64(burst) / rate * float64(time.Second)),
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) >= l.refill {
		l.prune(now)
	}

	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *tokenLimiter) prune(now time.Time) {
	for key, b := range l.bucket {
		if now.Sub(b.last) >= l.refill {
			delete(l.bucket, key)
		}
	}
	l.lastPrune = now
}

func (l *RateLimiter) clientIP(r *http.Request) string {
	if l.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
