package middleware

import (
	"net/http"
	"sync"
	"time"
)

// Auth-route policy: credential endpoints (register/login/refresh) get a
// tight per-IP budget; everything else is left to the upstream proxy.
const (
	AuthRateLimit  = 10
	AuthRateWindow = time.Minute
)

type bucket struct {
	hits        int
	windowStart time.Time
}

// RateLimiter is a fixed-window per-IP counter. Buckets for idle IPs are
// reaped by a background ticker so the map stays bounded.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
}

// NewAuthRateLimiter builds a limiter with the auth-route policy.
func NewAuthRateLimiter() *RateLimiter {
	return NewRateLimiter(AuthRateLimit, AuthRateWindow)
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
	}

	go func() {
		ticker := time.NewTicker(window)
		for range ticker.C {
			rl.mu.Lock()
			for ip, b := range rl.buckets {
				if time.Since(b.windowStart) > window {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}()

	return rl
}

// allow records a hit for ip and reports whether it is within the window
// budget.
func (rl *RateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok || now.Sub(b.windowStart) > rl.window {
		rl.buckets[ip] = &bucket{hits: 1, windowStart: now}
		return true
	}

	b.hits++
	return b.hits <= rl.limit
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(r.RemoteAddr, time.Now()) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.", r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
