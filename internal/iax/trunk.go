package iax

import (
	"net/netip"
	"sync"
	"time"

	"github.com/flowpbx/flowiax/internal/wire"
)

// trunkPeerIdle is how long a trunk peer with nothing to send or receive is
// kept before its state is dropped.
const trunkPeerIdle = 60 * time.Second

// trunkPeer aggregates the outbound voice of every trunked call to one
// address and tracks the receive epoch of trunks arriving from it.
type trunkPeer struct {
	addr    netip.AddrPort
	tx      trunkClock
	entries []byte
	count   int

	rxEpoch time.Time
	rxLast  time.Time

	lastActive time.Time
	sent       uint64
	received   uint64
}

type trunkSet struct {
	e *Engine

	mu    sync.Mutex
	peers map[netip.AddrPort]*trunkPeer
}

func newTrunkSet(e *Engine) *trunkSet {
	return &trunkSet{e: e, peers: make(map[netip.AddrPort]*trunkPeer)}
}

// start flushes the trunk buffers every TrunkFreq until the engine closes.
func (t *trunkSet) start() {
	var tick func()
	tick = func() {
		if t.e.closed.Load() {
			return
		}
		t.flush()
		t.e.sched.after(t.e.cfg.TrunkFreq, tick)
	}
	t.e.sched.after(t.e.cfg.TrunkFreq, tick)
}

func (t *trunkSet) peer(addr netip.AddrPort, now time.Time) *trunkPeer {
	tp, ok := t.peers[addr]
	if !ok {
		tp = &trunkPeer{addr: addr}
		t.peers[addr] = tp
	}
	tp.lastActive = now
	return tp
}

// enqueue buffers one voice payload of c for the next trunk datagram to
// c's address. A datagram that would outgrow the frame size is sent early.
func (t *trunkSet) enqueue(c *call, ts uint32, payload []byte) error {
	withTs := t.e.cfg.TrunkTimestamps
	size := wire.TrunkEntrySize(withTs, len(payload))
	now := t.e.clock.Now()

	t.mu.Lock()
	tp := t.peer(c.addr, now)
	if len(tp.entries)+size > t.e.cfg.TrunkMaxSize {
		t.mu.Unlock()
		return ErrTrunkBufferFull
	}
	var early []byte
	if wire.TrunkHeaderLen+len(tp.entries)+size > wire.MaxFrameSize {
		early = t.build(tp, now)
	}
	tp.entries = wire.AppendTrunkEntry(tp.entries, withTs, wire.TrunkEntry{
		Call:      c.ref.Num,
		Timestamp: uint16(ts),
		Data:      payload,
	})
	tp.count++
	t.mu.Unlock()

	if early != nil {
		t.e.write(early, c.addr)
	}
	return nil
}

// build turns tp's buffered entries into a datagram. t.mu must be held.
func (t *trunkSet) build(tp *trunkPeer, now time.Time) []byte {
	ms := int(t.e.cfg.TrunkFreq / time.Millisecond)
	buf := wire.StartTrunk(tp.tx.stamp(ms, now), t.e.cfg.TrunkTimestamps)
	buf = append(buf, tp.entries...)
	tp.entries = tp.entries[:0]
	tp.count = 0
	tp.sent++
	return buf
}

// flush sends every non-empty trunk buffer and forgets idle peers.
func (t *trunkSet) flush() {
	now := t.e.clock.Now()
	type datagram struct {
		buf  []byte
		dest netip.AddrPort
	}
	var out []datagram

	t.mu.Lock()
	for addr, tp := range t.peers {
		if tp.count > 0 {
			out = append(out, datagram{t.build(tp, now), addr})
			continue
		}
		if now.Sub(tp.lastActive) > trunkPeerIdle {
			delete(t.peers, addr)
		}
	}
	t.mu.Unlock()

	for _, d := range out {
		t.e.write(d.buf, d.dest)
	}
}

// rxEpoch returns the receive epoch for a trunk from addr stamped ts,
// restarting it when the trunk has been quiet.
func (t *trunkSet) rxEpoch(addr netip.AddrPort, ts uint32, now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp := t.peer(addr, now)
	if tp.rxEpoch.IsZero() || now.Sub(tp.rxLast) > trunkIdleReset {
		tp.rxEpoch = now.Add(-time.Duration(ts) * time.Millisecond)
	}
	tp.rxLast = now
	tp.received++
	return tp.rxEpoch
}

// handleTrunk demultiplexes a meta trunk datagram into its calls' voice
// streams.
func (e *Engine) handleTrunk(from netip.AddrPort, buf []byte) {
	tf, err := wire.DecodeTrunk(buf)
	if tf == nil {
		e.logger.Debug("dropping trunk datagram", "from", from.String(), "error", err)
		return
	}
	if err != nil {
		e.logger.Debug("truncated trunk datagram", "from", from.String(), "entries", len(tf.Entries), "error", err)
	}
	now := e.clock.Now()
	epoch := e.trunks.rxEpoch(from, tf.Timestamp, now)
	for _, ent := range tf.Entries {
		ref, ok := e.table.find(from, ent.Call, 0)
		if !ok {
			continue
		}
		c, err := e.table.lock(ref)
		if err != nil {
			continue
		}
		switch {
		case c.rxVoiceFormat == 0:
			e.sendVNAK(c)
		case tf.WithTimestamps:
			e.deliverVoice(c, c.rx.unwrap16(ent.Timestamp, now), ent.Data)
		default:
			e.deliverVoice(c, c.rx.fixTrunk(epoch, tf.Timestamp, now), ent.Data)
		}
		e.unlock(c)
	}
}

// TrunkStatus describes one trunk peer for the operational surface.
type TrunkStatus struct {
	Addr     netip.AddrPort `json:"addr"`
	Buffered int            `json:"buffered_entries"`
	Sent     uint64         `json:"sent"`
	Received uint64         `json:"received"`
}

// Trunks lists the peers trunk frames are exchanged with.
func (e *Engine) Trunks() []TrunkStatus {
	t := e.trunks
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrunkStatus, 0, len(t.peers))
	for addr, tp := range t.peers {
		out = append(out, TrunkStatus{Addr: addr, Buffered: tp.count, Sent: tp.sent, Received: tp.received})
	}
	return out
}
