package iax

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowpbx/flowiax/internal/wire"
)

var errSessionGone = errors.New("dialplan session ended")

type dpSessionKey struct {
	peer    string
	context string
}

type dpKey struct {
	dpSessionKey
	exten string
}

// dpSession is the long-lived TBD call to one peer and context over which
// DPREQs are sent. Extensions asked for before the call is accepted wait
// in waiting.
type dpSession struct {
	key     dpSessionKey
	ref     CallRef
	up      bool
	waiting []string
}

type dpEntry struct {
	key     dpKey
	status  DialplanStatus
	err     error
	expires time.Time
	pending bool
	timer   timerID
	done    chan struct{}
}

// resolve completes a pending entry. d.mu must be held.
func (ent *dpEntry) resolve() {
	if ent.pending {
		ent.pending = false
		close(ent.done)
	}
}

// dpCache caches remote dialplan answers. Lock order is slot before d.mu.
type dpCache struct {
	e *Engine

	mu       sync.Mutex
	entries  map[dpKey]*dpEntry
	sessions map[dpSessionKey]*dpSession
}

func newDPCache(e *Engine) *dpCache {
	return &dpCache{
		e:        e,
		entries:  make(map[dpKey]*dpEntry),
		sessions: make(map[dpSessionKey]*dpSession),
	}
}

// start prunes expired entries once per cache lifetime.
func (d *dpCache) start() {
	var tick func()
	tick = func() {
		if d.e.closed.Load() {
			return
		}
		if n := d.Prune(); n > 0 {
			d.e.logger.Debug("pruned dialplan cache", "entries", n)
		}
		d.e.sched.after(d.e.cfg.DPCacheTTL, tick)
	}
	d.e.sched.after(d.e.cfg.DPCacheTTL, tick)
}

// DialplanLookup asks peer whether exten exists in its dialplan context.
// Answers are cached for as long as the peer allows; a query that goes
// unanswered returns ErrDialplanTimeout and that outcome is cached briefly
// too.
func (e *Engine) DialplanLookup(ctx context.Context, peer, dpContext, exten string) (DialplanStatus, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	if len(exten) > 255 || len(dpContext) > 255 {
		return 0, fmt.Errorf("dialplan lookup %q: %w", exten, wire.ErrIETooLong)
	}
	return e.dpcache.lookup(ctx, dpKey{dpSessionKey{peer, dpContext}, exten})
}

func (d *dpCache) lookup(ctx context.Context, key dpKey) (DialplanStatus, error) {
	now := d.e.clock.Now()
	d.mu.Lock()
	ent, ok := d.entries[key]
	if ok && !ent.pending && now.Before(ent.expires) {
		d.mu.Unlock()
		return ent.status, ent.err
	}
	fresh := !ok || !ent.pending
	if fresh {
		ent = &dpEntry{key: key, pending: true, done: make(chan struct{})}
		d.entries[key] = ent
		waiting := ent
		ent.timer = d.e.sched.after(d.e.cfg.DPCacheTimeout, func() { d.timeout(waiting) })
	}
	d.mu.Unlock()

	if fresh {
		if err := d.request(ctx, key); err != nil {
			d.fail(ent, err)
		}
	}

	select {
	case <-ent.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return ent.status, ent.err
}

// request sends the DPREQ for key, opening the session first if needed.
func (d *dpCache) request(ctx context.Context, key dpKey) error {
	d.mu.Lock()
	s, ok := d.sessions[key.dpSessionKey]
	if ok && !s.up {
		s.waiting = append(s.waiting, key.exten)
		d.mu.Unlock()
		return nil
	}
	if ok {
		ref := s.ref
		d.mu.Unlock()
		return d.e.withCall(ref, func(c *call) error {
			d.e.sendDPReq(c, key.exten)
			return nil
		})
	}
	s = &dpSession{key: key.dpSessionKey, waiting: []string{key.exten}}
	d.sessions[key.dpSessionKey] = s
	d.mu.Unlock()

	if err := d.e.openDialplanSession(ctx, s); err != nil {
		d.mu.Lock()
		if d.sessions[s.key] == s {
			delete(d.sessions, s.key)
		}
		d.mu.Unlock()
		return err
	}
	return nil
}

// openDialplanSession dials the peer with the TBD extension.
func (e *Engine) openDialplanSession(ctx context.Context, s *dpSession) error {
	p, err := e.registry.Peer(ctx, s.key.peer)
	if err != nil {
		return err
	}
	addr, err := e.peerAddr(ctx, p, 0)
	if err != nil {
		return err
	}
	c := e.newCall(kindDialplan, addr)
	c.outbound = true
	c.exten = "TBD"
	c.context = s.key.context
	c.prefs = e.cfg.Prefs
	e.applyPeer(ctx, c, p)
	c.trunk = false
	if c.capability == 0 {
		c.capability = e.cfg.Capability
	}
	c.dp = s
	if err := e.install(c, false); err != nil {
		return err
	}
	ies, err := e.newIEs(c, c.prefs.Choose(c.capability, true))
	if err != nil {
		e.destroy(c)
		e.unlock(c)
		return err
	}
	e.dpcache.mu.Lock()
	s.ref = c.ref
	e.dpcache.mu.Unlock()
	e.sendCommand(c, wire.CmdNew, ies, 0)
	c.log().Debug("opening dialplan session", "peer", p.Name, "context", c.context)
	e.unlock(c)
	return nil
}

func (e *Engine) sendDPReq(c *call, exten string) {
	var b wire.IEBuilder
	b.AddString(wire.IECalledNumber, exten)
	e.sendCommand(c, wire.CmdDPReq, b.Bytes(), 0)
}

// sessionUp flushes the extensions that queued while the session was
// being accepted. c is locked.
func (d *dpCache) sessionUp(c *call) {
	d.mu.Lock()
	s := c.dp
	s.up = true
	waiting := s.waiting
	s.waiting = nil
	d.mu.Unlock()
	for _, exten := range waiting {
		d.e.sendDPReq(c, exten)
	}
}

// handleReply caches a DPREP. c is locked.
func (d *dpCache) handleReply(c *call, ies wire.IEs) {
	if c.dp == nil {
		return
	}
	exten := ies.String(wire.IECalledNumber)
	status := DialplanStatus(wire.DPStatusNonExistent)
	if v, ok := ies.Uint16(wire.IEDPStatus); ok {
		status = DialplanStatus(v)
	}
	ttl := d.e.cfg.DPCacheTTL
	if v, ok := ies.Uint16(wire.IERefresh); ok && v > 0 {
		ttl = time.Duration(v) * time.Second
	}
	key := dpKey{c.dp.key, exten}

	d.mu.Lock()
	defer d.mu.Unlock()
	ent, ok := d.entries[key]
	if !ok {
		ent = &dpEntry{key: key}
		d.entries[key] = ent
	}
	d.e.sched.cancel(ent.timer)
	ent.status = status
	ent.err = nil
	ent.expires = d.e.clock.Now().Add(ttl)
	ent.resolve()
	c.log().Debug("dialplan reply", "exten", exten, "status", fmt.Sprintf("%#x", uint16(status)), "ttl", ttl)
}

// timeout caches an unanswered query as a timeout for a short while.
func (d *dpCache) timeout(ent *dpEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !ent.pending {
		return
	}
	ent.err = ErrDialplanTimeout
	ent.expires = d.e.clock.Now().Add(d.e.cfg.DPCacheTimeout)
	ent.resolve()
	d.e.logger.Info("dialplan query timed out", "peer", ent.key.peer, "context", ent.key.context, "exten", ent.key.exten)
}

// fail completes a pending entry with err without caching it.
func (d *dpCache) fail(ent *dpEntry, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.e.sched.cancel(ent.timer)
	ent.err = err
	ent.resolve()
	if d.entries[ent.key] == ent {
		delete(d.entries, ent.key)
	}
}

// sessionGone forgets a destroyed session and fails its outstanding
// queries.
func (d *dpCache) sessionGone(s *dpSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[s.key] == s {
		delete(d.sessions, s.key)
	}
	for key, ent := range d.entries {
		if key.dpSessionKey != s.key || !ent.pending {
			continue
		}
		d.e.sched.cancel(ent.timer)
		ent.err = errSessionGone
		ent.resolve()
		delete(d.entries, key)
	}
}

// Prune drops expired cache entries and returns how many went.
func (d *dpCache) Prune() int {
	now := d.e.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key, ent := range d.entries {
		if !ent.pending && !now.Before(ent.expires) {
			delete(d.entries, key)
			n++
		}
	}
	return n
}

// PruneDialplanCache drops expired dialplan answers.
func (e *Engine) PruneDialplanCache() int { return e.dpcache.Prune() }

// DialplanEntry is a cached dialplan answer for the operational surface.
type DialplanEntry struct {
	Peer     string    `json:"peer"`
	Context  string    `json:"context"`
	Exten    string    `json:"exten"`
	Status   uint16    `json:"status"`
	Pending  bool      `json:"pending"`
	TimedOut bool      `json:"timed_out"`
	Expires  time.Time `json:"expires"`
}

// DialplanCache lists the cached dialplan answers.
func (e *Engine) DialplanCache() []DialplanEntry {
	d := e.dpcache
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DialplanEntry, 0, len(d.entries))
	for key, ent := range d.entries {
		out = append(out, DialplanEntry{
			Peer:     key.peer,
			Context:  key.context,
			Exten:    key.exten,
			Status:   uint16(ent.status),
			Pending:  ent.pending,
			TimedOut: errors.Is(ent.err, ErrDialplanTimeout),
			Expires:  ent.expires,
		})
	}
	return out
}
