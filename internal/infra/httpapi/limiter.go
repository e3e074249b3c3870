package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"caserun/internal/metrics"
)

// RateLimitConfig bounds request rates. A non-positive rate disables that check.
type RateLimitConfig struct {
	GlobalRPS  float64
	PerIPRPS   float64
	PerIPBurst int
	// IdleTTL is how long an unused per-IP limiter is kept.
	IdleTTL time.Duration
}

// RateLimiter rejects requests above a global and a per-client rate.
type RateLimiter struct {
	global  *rate.Limiter
	ipRate  rate.Limit
	ipBurst int
	idleTTL time.Duration

	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter from cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		ipRate:  rate.Limit(cfg.PerIPRPS),
		ipBurst: cfg.PerIPBurst,
		idleTTL: cfg.IdleTTL,
		clients: make(map[string]*client),
		now:     time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := int(cfg.GlobalRPS) * 2
		if burst < 1 {
			burst = 1
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.ipBurst < 1 {
		rl.ipBurst = 1
	}
	if rl.idleTTL <= 0 {
		rl.idleTTL = 10 * time.Minute
	}
	return rl
}

// Allow reports whether a request from ip may proceed. A request rejected by
// one limiter consumes no token from the other.
func (rl *RateLimiter) Allow(ip string) bool {
	var held *rate.Reservation
	if rl.ipRate > 0 {
		held = rl.clientLimiter(ip).Reserve()
		if !held.OK() || held.Delay() > 0 {
			held.Cancel()
			metrics.RateLimitHits.Inc()
			return false
		}
	}
	if rl.global != nil && !rl.global.Allow() {
		if held != nil {
			held.Cancel()
		}
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

func (rl *RateLimiter) clientLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)}
		rl.clients[ip] = c
	}
	c.lastSeen = rl.now()
	return c.limiter
}

// Sweep drops limiters idle for longer than the configured TTL.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idleTTL)
	removed := 0
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

// StartCleanup sweeps idle limiters every interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Sweep()
			}
		}
	}()
}

// Middleware rejects rate-limited requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
