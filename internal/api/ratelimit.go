package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/trading-game/internal/apperr"
	"github.com/atmx/trading-game/internal/metrics"
)

// clientIdleTTL is how long an unused client limiter is kept.
const clientIdleTTL = 10 * time.Minute

// RateLimiter throttles requests per client address with a token bucket per
// client.
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps requests per second with the given burst to each
// client. A nil limiter, or one with rps <= 0, lets everything through.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether the client may make a request now.
func (rl *RateLimiter) Allow(client string) bool {
	if rl == nil {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Sweep drops limiters idle for longer than clientIdleTTL.
func (rl *RateLimiter) Sweep() {
	if rl == nil {
		return
	}
	cutoff := rl.now().Add(-clientIdleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, k)
		}
	}
}

// limit rejects requests over rl's budget with 429. Clients are keyed by
// remote address, which middleware.RealIP has already resolved.
func (h *Handler) limit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientKey(r)) {
				metrics.RateLimited.Inc()
				w.Header().Set("Retry-After", "1")
				h.writeError(w, apperr.RateLimited())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
