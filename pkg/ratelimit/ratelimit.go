// Package ratelimit applies a per-IP token-bucket limit to the HTTP edge.
package ratelimit

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per client IP.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*rate.Limiter
	perMinute    int
	burst        int
}

// New builds a Limiter allowing perMinute requests per IP, with a burst
// equal to perMinute (a client may spend its whole budget at once).
func New(perMinute int) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*rate.Limiter),
		perMinute: perMinute,
		burst:     perMinute,
	}
}

func (l *Limiter) bucketFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)
		l.buckets[ip] = b
	}
	return b
}

// Allow reports whether a request from ip may proceed.
func (l *Limiter) Allow(ip string) bool {
	return l.bucketFor(ip).Allow()
}

// ClientIP extracts the request's source IP, stripping any port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces the limiter ahead of next, responding 429 when
// exceeded.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r)) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too_many_requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
