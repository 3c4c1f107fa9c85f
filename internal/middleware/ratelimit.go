package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/md2gost/studio/backend/pkg/utils"
)

const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per client address.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	requestsPerSecond float64
	burst             int
	now               func() time.Time
	lastSweep         time.Time
}

// NewRateLimiter creates a limiter. requestsPerSecond <= 0 disables limiting.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients:           make(map[string]*clientLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		now:               time.Now,
	}
}

// Allow reports whether clientID may make a request now.
func (rl *RateLimiter) Allow(clientID string) bool {
	if rl.requestsPerSecond <= 0 {
		return true
	}
	return rl.getClientLimiter(clientID).AllowN(rl.now(), 1)
}

func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > limiterIdleTTL {
		for id, c := range rl.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(rl.clients, id)
			}
		}
		rl.lastSweep = now
	}

	c, ok := rl.clients[clientID]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
		rl.clients[clientID] = c
	}
	c.lastSeen = now
	return c.limiter
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			retry := 1
			if rl.requestsPerSecond > 0 {
				retry = int(math.Ceil(1 / rl.requestsPerSecond))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			utils.RespondError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey relies on middleware.RealIP having rewritten RemoteAddr.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
