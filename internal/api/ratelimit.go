package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/searchcrawler/internal/metrics"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimit is a per-client token bucket. Zero RPS disables it.
type RateLimit struct {
	RPS   float64
	Burst int
}

// Enabled reports whether a limit is configured.
func (l RateLimit) Enabled() bool {
	return l.RPS > 0
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keys buckets by API key or remote address.
type clientLimiter struct {
	cfg RateLimit
	now func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientEntry
	lastSweep time.Time
}

func newClientLimiter(cfg RateLimit, now func() time.Time) *clientLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(math.Ceil(cfg.RPS)))
	}
	return &clientLimiter{cfg: cfg, now: now, clients: make(map[string]*clientEntry), lastSweep: now()}
}

func (c *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wait, ok := c.allow(clientKey(r)); !ok {
			metrics.ObserveRateLimited()
			secs := max(1, int(math.Ceil(wait.Seconds())))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow takes a token for key. When none is available it returns the wait
// until the next one.
func (c *clientLimiter) allow(key string) (time.Duration, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) > limiterIdleTTL {
		for k, e := range c.clients {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(c.clients, k)
			}
		}
		c.lastSweep = now
	}
	entry, ok := c.clients[key]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(rate.Limit(c.cfg.RPS), c.cfg.Burst)}
		c.clients[key] = entry
	}
	entry.lastSeen = now
	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Second, false
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay, false
	}
	return 0, true
}

func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
