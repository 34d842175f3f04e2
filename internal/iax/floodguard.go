package iax

import (
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxFailedAttempts is the number of failed authentications before a
	// source address is blocked.
	maxFailedAttempts = 10

	// blockDuration is the first block; repeat offences double it.
	blockDuration    = 5 * time.Minute
	maxBlockDuration = 24 * time.Hour

	// failureWindow is the sliding window in which failures are counted.
	failureWindow = 10 * time.Minute

	// guardIdle is how long an idle source is remembered.
	guardIdle = 10 * time.Minute

	guardCleanupInterval = 5 * time.Minute
)

type sourceRecord struct {
	limiter   *rate.Limiter
	lastSeen  time.Time
	failures  []time.Time
	blocked   bool
	blockedAt time.Time
	until     time.Time
	blockFor  time.Duration // length of the next block
}

// FloodGuard protects slot allocation from a single source. Frames that
// would open a new call, registration or poke are rate limited per source
// address, and sources that keep failing authentication are blocked with a
// progressively longer ban.
type FloodGuard struct {
	clock  Clock
	logger *slog.Logger
	limit  rate.Limit
	burst  int

	mu      sync.Mutex
	records map[netip.Addr]*sourceRecord
}

// NewFloodGuard creates a guard allowing perSecond slot-opening frames per
// source with the given burst. A zero rate disables rate limiting.
func NewFloodGuard(clock Clock, perSecond float64, burst int, logger *slog.Logger) *FloodGuard {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &FloodGuard{
		clock:   clock,
		logger:  logger.With("subsystem", "floodguard"),
		limit:   limit,
		burst:   burst,
		records: make(map[netip.Addr]*sourceRecord),
	}
}

func (g *FloodGuard) record(addr netip.Addr, now time.Time) *sourceRecord {
	rec, ok := g.records[addr]
	if !ok {
		rec = &sourceRecord{
			limiter:  rate.NewLimiter(g.limit, g.burst),
			blockFor: blockDuration,
		}
		g.records[addr] = rec
	}
	rec.lastSeen = now
	return rec
}

// expire lifts a block that has run its course. g.mu must be held.
func (rec *sourceRecord) expire(now time.Time) {
	if rec.blocked && now.After(rec.until) {
		rec.blocked = false
		rec.failures = nil
	}
}

// Allow reports whether a slot-opening frame from addr may be processed.
func (g *FloodGuard) Allow(addr netip.Addr) bool {
	addr = addr.Unmap()
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.record(addr, now)
	rec.expire(now)
	if rec.blocked {
		return false
	}
	return rec.limiter.AllowN(now, 1)
}

// Blocked reports whether addr is currently blocked.
func (g *FloodGuard) Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[addr]
	if !ok {
		return false
	}
	rec.expire(now)
	return rec.blocked
}

// Failure records a failed authentication from addr.
func (g *FloodGuard) Failure(addr netip.Addr) {
	addr = addr.Unmap()
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.record(addr, now)
	rec.expire(now)
	if rec.blocked {
		return
	}
	kept := rec.failures[:0]
	for _, t := range rec.failures {
		if now.Sub(t) <= failureWindow {
			kept = append(kept, t)
		}
	}
	rec.failures = append(kept, now)
	if len(rec.failures) < maxFailedAttempts {
		return
	}
	rec.blocked = true
	rec.blockedAt = now
	rec.until = now.Add(rec.blockFor)
	rec.failures = nil
	g.logger.Warn("source blocked due to excessive failed iax auth attempts",
		"ip", addr.String(),
		"block_duration", rec.blockFor.String(),
	)
	rec.blockFor = min(rec.blockFor*2, maxBlockDuration)
}

// Success clears the failure count of addr. The progressive block duration
// is kept.
func (g *FloodGuard) Success(addr netip.Addr) {
	addr = addr.Unmap()
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[addr]; ok {
		rec.failures = nil
	}
}

// Unblock lifts a block by hand and reports whether there was one.
func (g *FloodGuard) Unblock(addr netip.Addr) bool {
	addr = addr.Unmap()
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[addr]
	if !ok || !rec.blocked {
		return false
	}
	rec.blocked = false
	rec.failures = nil
	g.logger.Info("source manually unblocked", "ip", addr.String())
	return true
}

// BlockedSource is one blocked address for the operational surface.
type BlockedSource struct {
	IP        netip.Addr `json:"ip"`
	BlockedAt time.Time  `json:"blocked_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// BlockedSources returns the currently blocked addresses, oldest block
// first.
func (g *FloodGuard) BlockedSources() []BlockedSource {
	now := g.clock.Now()
	g.mu.Lock()
	var out []BlockedSource
	for addr, rec := range g.records {
		rec.expire(now)
		if rec.blocked {
			out = append(out, BlockedSource{IP: addr, BlockedAt: rec.blockedAt, ExpiresAt: rec.until})
		}
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.Before(out[j].BlockedAt) })
	return out
}

// Cleanup forgets idle sources without an active block and returns how
// many were removed.
func (g *FloodGuard) Cleanup() int {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for addr, rec := range g.records {
		rec.expire(now)
		if !rec.blocked && len(rec.failures) == 0 && now.Sub(rec.lastSeen) > guardIdle {
			delete(g.records, addr)
			n++
		}
	}
	if n > 0 {
		g.logger.Debug("flood guard cleanup", "removed", n, "remaining", len(g.records))
	}
	return n
}

// scheduleGuardCleanup runs the guard cleanup on the engine scheduler.
func (e *Engine) scheduleGuardCleanup() {
	e.sched.after(guardCleanupInterval, func() {
		e.guard.Cleanup()
		if !e.closed.Load() {
			e.scheduleGuardCleanup()
		}
	})
}
