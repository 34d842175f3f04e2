package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits bounds requests per client address.
type Limits struct {
	PerSecond float64
	Burst     int
	// Idle is how long an unused client bucket is kept.
	Idle time.Duration
}

// LoginLimits allows 5 login attempts per second with a burst of 10.
func LoginLimits() Limits {
	return Limits{PerSecond: 5, Burst: 10, Idle: 10 * time.Minute}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter keeps one token bucket per client address. Idle buckets
// are swept while handling requests, at most once per Idle period.
type ClientLimiter struct {
	limits Limits
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[netip.Addr]*bucket
	lastSweep time.Time
}

func NewClientLimiter(l Limits, logger *slog.Logger) *ClientLimiter {
	return &ClientLimiter{
		limits:  l,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[netip.Addr]*bucket),
	}
}

// Allow takes a token from addr's bucket.
func (cl *ClientLimiter) Allow(addr netip.Addr) bool {
	now := cl.now()
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if now.Sub(cl.lastSweep) >= cl.limits.Idle {
		cl.sweep(now)
		cl.lastSweep = now
	}
	b, ok := cl.buckets[addr]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(cl.limits.PerSecond), cl.limits.Burst)}
		cl.buckets[addr] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops idle buckets. cl.mu must be held.
func (cl *ClientLimiter) sweep(now time.Time) {
	removed := 0
	for addr, b := range cl.buckets {
		if now.Sub(b.lastSeen) > cl.limits.Idle {
			delete(cl.buckets, addr)
			removed++
		}
	}
	if removed > 0 {
		cl.logger.Debug("api rate limiter sweep", "removed", removed, "remaining", len(cl.buckets))
	}
}

// retryAfter is how long until addr's bucket holds a token again.
func (cl *ClientLimiter) retryAfter(addr netip.Addr) time.Duration {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	b, ok := cl.buckets[addr]
	if !ok {
		return 0
	}
	r := b.limiter.ReserveN(cl.now(), 1)
	d := r.DelayFrom(cl.now())
	r.CancelAt(cl.now())
	return d
}

// RateLimit rejects requests beyond the client's budget with 429 and a
// Retry-After in whole seconds. Requests without a parsable client address
// share the unspecified address's bucket.
func RateLimit(cl *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			if !cl.Allow(addr) {
				cl.logger.Warn("rate limit exceeded",
					"ip", addr.String(),
					"method", r.Method,
					"path", r.URL.Path,
				)
				secs := int(cl.retryAfter(addr).Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr parses RemoteAddr, which chi's RealIP may have rewritten from
// X-Forwarded-For.
func clientAddr(r *http.Request) netip.Addr {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.IPv4Unspecified()
	}
	return addr.Unmap()
}
