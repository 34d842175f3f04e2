package iax

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultCapacity is the number of call numbers, split evenly between
	// the ordinary and the trunk range.
	DefaultCapacity = 32768

	// MinReuse is how long a freed call number is kept out of circulation
	// so that stragglers for the old call cannot land on a new one.
	MinReuse = 60 * time.Second

	lockPairAttempts = 10
	lockPairBackoff  = 50 * time.Microsecond
)

// CallRef names one incarnation of a call. Num alone is reused over time;
// Gen changes every time the slot is occupied or freed, so a stale ref can
// never reach a newer call.
type CallRef struct {
	Num uint16
	Gen uint32
}

// IsZero reports whether r refers to no call.
func (r CallRef) IsZero() bool { return r.Num == 0 }

func (r CallRef) String() string { return fmt.Sprintf("%d/%d", r.Num, r.Gen) }

type slot struct {
	mu   sync.Mutex
	gen  atomic.Uint32
	call *call // guarded by mu
}

// peerKey identifies the far end of a call: its address and its own call
// number.
type peerKey struct {
	addr netip.AddrPort
	call uint16
}

type slotMeta struct {
	used     bool
	freedAt  time.Time
	peer     peerKey
	transfer peerKey
}

// callTable is the fixed arena of call slots. Each slot has its own lock;
// the table lock guards only allocation state and the address indexes.
// Lock order is always slot before table.
type callTable struct {
	logger     *slog.Logger
	clock      Clock
	minReuse   time.Duration
	slots      []slot
	trunkStart uint16

	mu         sync.Mutex
	meta       []slotMeta
	byPeer     map[peerKey]uint16
	byTransfer map[peerKey]uint16
	lowFree    [2]uint16 // scan hints for the ordinary and trunk ranges
	highUsed   uint16
	active     int
}

func newCallTable(capacity int, minReuse time.Duration, clock Clock, logger *slog.Logger) *callTable {
	if capacity < 4 || capacity > 1<<15 {
		capacity = DefaultCapacity
	}
	t := &callTable{
		logger:     logger.With("subsystem", "calltable"),
		clock:      clock,
		minReuse:   minReuse,
		slots:      make([]slot, capacity),
		trunkStart: uint16(capacity / 2),
		meta:       make([]slotMeta, capacity),
		byPeer:     make(map[peerKey]uint16),
		byTransfer: make(map[peerKey]uint16),
	}
	t.lowFree[0] = 1
	t.lowFree[1] = t.trunkStart
	return t
}

func (t *callTable) rangeOf(trunk bool) (lo, hi uint16, idx int) {
	if trunk {
		return t.trunkStart, uint16(len(t.slots) - 1), 1
	}
	return 1, t.trunkStart - 1, 0
}

// reserve claims the lowest free number in the requested range whose
// quarantine has expired. The slot itself is not touched.
func (t *callTable) reserve(trunk bool) (uint16, error) {
	lo, hi, idx := t.rangeOf(trunk)
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	firstFree := uint16(0)
	for n := max(t.lowFree[idx], lo); n <= hi && n != 0; n++ {
		m := &t.meta[n]
		if m.used {
			continue
		}
		if firstFree == 0 {
			firstFree = n
		}
		if !m.freedAt.IsZero() && now.Sub(m.freedAt) < t.minReuse {
			continue
		}
		m.used = true
		m.peer = peerKey{}
		m.transfer = peerKey{}
		if firstFree == n {
			t.lowFree[idx] = n + 1
		} else {
			t.lowFree[idx] = firstFree
		}
		if n > t.highUsed {
			t.highUsed = n
		}
		t.active++
		return n, nil
	}
	if firstFree != 0 {
		t.lowFree[idx] = firstFree
	}
	return 0, ErrNoFreeCallNumber
}

// create allocates a number and installs c in its slot. The slot is
// returned locked; the caller releases it with unlock.
func (t *callTable) create(c *call, trunk bool) error {
	n, err := t.reserve(trunk)
	if err != nil {
		t.logger.Warn("call table exhausted", "trunk", trunk)
		return err
	}
	s := &t.slots[n]
	s.mu.Lock()
	gen := s.gen.Add(1)
	s.call = c
	c.ref = CallRef{Num: n, Gen: gen}
	c.slot = s
	return nil
}

// lock returns the live call for ref with its slot locked.
func (t *callTable) lock(ref CallRef) (*call, error) {
	if ref.Num == 0 || int(ref.Num) >= len(t.slots) {
		return nil, ErrStaleCall
	}
	s := &t.slots[ref.Num]
	s.mu.Lock()
	if s.call == nil || s.gen.Load() != ref.Gen {
		s.mu.Unlock()
		return nil, ErrStaleCall
	}
	return s.call, nil
}

// lockNum locks whatever call currently occupies n.
func (t *callTable) lockNum(n uint16) (*call, error) {
	if n == 0 || int(n) >= len(t.slots) {
		return nil, ErrStaleCall
	}
	s := &t.slots[n]
	s.mu.Lock()
	if s.call == nil {
		s.mu.Unlock()
		return nil, ErrStaleCall
	}
	return s.call, nil
}

// tryLock is lock without blocking on a busy slot.
func (t *callTable) tryLock(ref CallRef) (*call, bool, error) {
	if ref.Num == 0 || int(ref.Num) >= len(t.slots) {
		return nil, false, ErrStaleCall
	}
	s := &t.slots[ref.Num]
	if !s.mu.TryLock() {
		return nil, false, nil
	}
	if s.call == nil || s.gen.Load() != ref.Gen {
		s.mu.Unlock()
		return nil, false, ErrStaleCall
	}
	return s.call, true, nil
}

// lockPair locks two distinct calls in ascending number order. The second
// lock is only ever tried, and the whole attempt is retried with a short
// backoff a bounded number of times, so two goroutines locking the same
// pair can never deadlock. The calls are returned in argument order.
func (t *callTable) lockPair(a, b CallRef) (*call, *call, error) {
	if a.Num == b.Num {
		return nil, nil, fmt.Errorf("locking call %s with itself: %w", a, ErrLockBusy)
	}
	first, second := a, b
	if second.Num < first.Num {
		first, second = second, first
	}
	wait := lockPairBackoff
	for attempt := 0; attempt < lockPairAttempts; attempt++ {
		c1, ok, err := t.tryLock(first)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			c2, ok, err := t.tryLock(second)
			if err != nil {
				c1.slot.mu.Unlock()
				return nil, nil, err
			}
			if ok {
				if first == a {
					return c1, c2, nil
				}
				return c2, c1, nil
			}
			c1.slot.mu.Unlock()
		}
		time.Sleep(wait)
		wait *= 2
	}
	return nil, nil, fmt.Errorf("locking calls %s and %s: %w", a, b, ErrLockBusy)
}

// find resolves the local call number for a frame from addr carrying the
// peer's call number src and our number dst (zero when the peer does not
// know it yet). The returned ref is checked again when it is locked.
func (t *callTable) find(addr netip.AddrPort, src, dst uint16) (CallRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n, ok := t.byPeer[peerKey{addr, src}]; ok && (dst == 0 || dst == n) {
		return t.refOf(n), true
	}
	// First reply to a call we originated: the peer has told us its number
	// but we have not recorded it yet.
	if dst != 0 && int(dst) < len(t.meta) {
		m := &t.meta[dst]
		if m.used && m.peer.call == 0 && m.peer.addr == addr {
			return t.refOf(dst), true
		}
	}
	if n, ok := t.byTransfer[peerKey{addr, src}]; ok && (dst == 0 || dst == n) {
		return t.refOf(n), true
	}
	return CallRef{}, false
}

// refOf must be called with t.mu held.
func (t *callTable) refOf(n uint16) CallRef {
	return CallRef{Num: n, Gen: t.slots[n].gen.Load()}
}

// setPeer records (or replaces) the peer address and call number of n.
// It fails when another live call already claims the pair.
func (t *callTable) setPeer(n uint16, addr netip.AddrPort, peerCall uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := &t.meta[n]
	key := peerKey{addr, peerCall}
	if peerCall != 0 {
		if owner, ok := t.byPeer[key]; ok && owner != n {
			return fmt.Errorf("call %d claiming %s/%d owned by %d: %w", n, addr, peerCall, owner, ErrPeerClaimed)
		}
	}
	if m.peer.call != 0 {
		if owner := t.byPeer[m.peer]; owner == n {
			delete(t.byPeer, m.peer)
		}
	}
	m.peer = key
	if peerCall != 0 {
		t.byPeer[key] = n
	}
	return nil
}

// setTransfer indexes the transfer candidate of n, or clears it when
// peerCall is zero.
func (t *callTable) setTransfer(n uint16, addr netip.AddrPort, peerCall uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := &t.meta[n]
	if m.transfer.call != 0 {
		if owner := t.byTransfer[m.transfer]; owner == n {
			delete(t.byTransfer, m.transfer)
		}
	}
	m.transfer = peerKey{}
	if peerCall != 0 {
		m.transfer = peerKey{addr, peerCall}
		t.byTransfer[m.transfer] = n
	}
}

// free detaches c from its slot. The slot must be locked by the caller and
// stays locked; the number is quarantined for minReuse.
func (t *callTable) free(c *call) {
	n := c.ref.Num
	s := &t.slots[n]
	s.call = nil
	s.gen.Add(1)
	t.release(n)
}

func (t *callTable) release(n uint16) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	m := &t.meta[n]
	if !m.used {
		return
	}
	if m.peer.call != 0 && t.byPeer[m.peer] == n {
		delete(t.byPeer, m.peer)
	}
	if m.transfer.call != 0 && t.byTransfer[m.transfer] == n {
		delete(t.byTransfer, m.transfer)
	}
	m.used = false
	m.freedAt = now
	m.peer = peerKey{}
	m.transfer = peerKey{}
	t.active--
	_, _, idx := t.rangeOf(n >= t.trunkStart)
	if n < t.lowFree[idx] {
		t.lowFree[idx] = n
	}
	for t.highUsed > 0 && !t.meta[t.highUsed].used {
		t.highUsed--
	}
}

// promote moves the locked call c into the trunk range. The new slot is
// locked before the old one is released, which respects the ascending lock
// order because trunk numbers are always higher. On return c is installed
// under its new ref, its slot is locked and the old number is quarantined.
func (t *callTable) promote(c *call) (old CallRef, err error) {
	old = c.ref
	if old.Num >= t.trunkStart {
		return old, nil
	}
	n, err := t.reserve(true)
	if err != nil {
		return old, fmt.Errorf("promoting call %d: %w", old.Num, err)
	}
	ns := &t.slots[n]
	ns.mu.Lock()
	gen := ns.gen.Add(1)
	ns.call = c

	t.mu.Lock()
	om, nm := &t.meta[old.Num], &t.meta[n]
	nm.peer, nm.transfer = om.peer, om.transfer
	if nm.peer.call != 0 {
		t.byPeer[nm.peer] = n
	}
	if nm.transfer.call != 0 {
		t.byTransfer[nm.transfer] = n
	}
	om.peer, om.transfer = peerKey{}, peerKey{}
	t.mu.Unlock()

	os := c.slot
	os.call = nil
	os.gen.Add(1)
	t.release(old.Num)
	os.mu.Unlock()

	c.ref = CallRef{Num: n, Gen: gen}
	c.slot = ns
	t.logger.Debug("call promoted to trunk range", "from", old.Num, "to", n)
	return old, nil
}

// numbers returns the numbers currently in use.
func (t *callTable) numbers() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]uint16, 0, t.active)
	for n := uint16(1); n <= t.highUsed; n++ {
		if t.meta[n].used {
			out = append(out, n)
		}
	}
	return out
}

func (t *callTable) inUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *callTable) isTrunk(n uint16) bool { return n >= t.trunkStart }
