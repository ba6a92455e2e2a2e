package apiserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	limiterCleanupPeriod = 5 * time.Minute
	limiterIdleTimeout   = 10 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter is a per-caller token bucket. A zero rate disables it.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

func newIPRateLimiter(ctx context.Context, r rate.Limit, burst int) *ipRateLimiter {
	l := &ipRateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     r,
		burst:    burst,
		now:      time.Now,
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	if r > 0 {
		go wait.Until(l.cleanup, limiterCleanupPeriod, ctx.Done())
	}
	return l
}

func (l *ipRateLimiter) allow(ip string) bool {
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = l.now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

func (l *ipRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, entry := range l.limiters {
		if l.now().Sub(entry.lastSeen) > limiterIdleTimeout {
			delete(l.limiters, ip)
		}
	}
}

// rateLimitMiddleware rejects callers over their budget with reject, which
// renders the endpoint's own error format.
func rateLimitMiddleware(l *ipRateLimiter, reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(realIP(r)) {
				w.Header().Set("Retry-After", "1")
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
