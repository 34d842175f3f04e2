package iax

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/flowpbx/flowiax/internal/wire"
)

const transferMaxRetry = time.Second

type sendFlags uint8

const (
	// sendImmediate frames are transmitted once and never queued.
	sendImmediate sendFlags = 1 << iota
	// sendFinal frames destroy the call once acknowledged or exhausted.
	sendFinal
	// sendTransfer frames go to the transfer candidate address.
	sendTransfer
)

// outFrame is a queued reliable frame. It refers to its call by ref only.
type outFrame struct {
	ref      CallRef
	frame    wire.FullFrame
	dest     netip.AddrPort
	retries  int
	interval time.Duration
	final    bool
	transfer bool
	timer    timerID
}

// transmitQueue holds unacknowledged frames per call.
type transmitQueue struct {
	mu     sync.Mutex
	byCall map[CallRef][]*outFrame
	size   int
}

func newTransmitQueue() *transmitQueue {
	return &transmitQueue{byCall: make(map[CallRef][]*outFrame)}
}

func (q *transmitQueue) push(f *outFrame) {
	q.mu.Lock()
	q.byCall[f.ref] = append(q.byCall[f.ref], f)
	q.size++
	q.mu.Unlock()
}

// frames returns a copy of the frames queued for ref, oldest first.
func (q *transmitQueue) frames(ref CallRef) []*outFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	fs := q.byCall[ref]
	out := make([]*outFrame, len(fs))
	copy(out, fs)
	return out
}

// owner returns the call f is queued on, or false once f has left the
// queue.
func (q *transmitQueue) owner(f *outFrame) (CallRef, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, g := range q.byCall[f.ref] {
		if g == f {
			return f.ref, true
		}
	}
	return CallRef{}, false
}

// removeIf drops and returns the frames of ref for which match is true.
func (q *transmitQueue) removeIf(ref CallRef, match func(*outFrame) bool) []*outFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	fs := q.byCall[ref]
	var removed []*outFrame
	kept := fs[:0]
	for _, f := range fs {
		if match(f) {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
	}
	q.size -= len(removed)
	if len(kept) == 0 {
		delete(q.byCall, ref)
	} else {
		q.byCall[ref] = kept
	}
	return removed
}

func (q *transmitQueue) drop(ref CallRef) []*outFrame {
	return q.removeIf(ref, func(*outFrame) bool { return true })
}

func (q *transmitQueue) rekey(old, ref CallRef) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fs, ok := q.byCall[old]
	if !ok {
		return
	}
	delete(q.byCall, old)
	for _, f := range fs {
		f.ref = ref
	}
	q.byCall[ref] = append(q.byCall[ref], fs...)
}

func (q *transmitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// seqless reports whether f leaves the sequence counters alone.
func seqless(t wire.FrameType, sub int) bool {
	if t != wire.TypeIAX {
		return false
	}
	switch sub {
	case wire.CmdAck, wire.CmdInval, wire.CmdTxCnt, wire.CmdTxAcc, wire.CmdVNAK:
		return true
	}
	return false
}

func (e *Engine) initialRetry(c *call, transfer bool) time.Duration {
	d := time.Duration(2*c.pingtime) * time.Millisecond
	d = min(max(d, e.cfg.MinRetry), e.cfg.MaxRetry)
	if transfer {
		d = min(d, transferMaxRetry)
	}
	return d
}

// send transmits a full frame on c. Unless sendImmediate is given the frame
// is queued and retransmitted until acknowledged.
func (e *Engine) send(c *call, t wire.FrameType, sub int, ts uint32, payload []byte, flags sendFlags) {
	f := wire.FullFrame{
		SrcCall:   c.ref.Num,
		DstCall:   c.peerCall,
		Timestamp: ts,
		Type:      t,
		Subclass:  sub,
		Payload:   payload,
	}
	if t != wire.TypeVideo {
		if _, err := wire.CompressSubclass(sub); err != nil {
			c.log().Warn("subclass cannot be compressed, sending zero", "type", t.String(), "error", err)
		}
	}
	dest := c.addr
	transfer := flags&sendTransfer != 0
	if transfer {
		f.DstCall = c.xferCall
		dest = c.xferAddr
	} else {
		f.OSeqNo = c.oseq
		if !seqless(t, sub) {
			c.oseq++
		}
	}
	if flags&sendImmediate != 0 {
		e.transmit(c, &f, dest, transfer)
		return
	}
	of := &outFrame{
		ref:      c.ref,
		frame:    f,
		dest:     dest,
		interval: e.initialRetry(c, transfer),
		final:    flags&sendFinal != 0,
		transfer: transfer,
	}
	e.queue.push(of)
	e.transmit(c, &of.frame, dest, transfer)
	e.scheduleRetry(of)
}

// sendCommand sends an IAX control command stamped with the genuine clock.
func (e *Engine) sendCommand(c *call, sub int, ies []byte, flags sendFlags) {
	e.send(c, wire.TypeIAX, sub, c.tx.stamp(stampGenuine, 0, e.clock.Now()), ies, flags)
}

// sendAck acknowledges the frame stamped ts.
func (e *Engine) sendAck(c *call, ts uint32) {
	e.send(c, wire.TypeIAX, wire.CmdAck, ts, nil, sendImmediate)
}

// transmit writes f to dest with the current ack sequence, encrypting when
// the call is encrypted.
func (e *Engine) transmit(c *call, f *wire.FullFrame, dest netip.AddrPort, transfer bool) {
	if !transfer {
		f.ISeqNo = c.iseq
		c.aseq = c.iseq
	}
	buf := f.Marshal()
	e.tracer.traceFull(true, dest, f)
	if c.encrypted && c.crypt != nil {
		buf = c.crypt.Encrypt(buf)
	}
	e.write(buf, dest)
}

// write sends a datagram, honouring the simulated loss rate.
func (e *Engine) write(buf []byte, dest netip.AddrPort) {
	if e.dropSimulated() {
		return
	}
	if _, err := e.conn.WriteTo(buf, net.UDPAddrFromAddrPort(dest)); err != nil {
		e.logger.Warn("sending datagram failed", "dest", dest.String(), "error", err)
	}
}

func (e *Engine) scheduleRetry(f *outFrame) {
	f.timer = e.sched.after(f.interval, func() { e.retransmit(f) })
}

// retransmit fires when f was not acknowledged in time.
func (e *Engine) retransmit(f *outFrame) {
	ref, ok := e.queue.owner(f)
	if !ok {
		return
	}
	c, err := e.table.lock(ref)
	if err != nil {
		return
	}
	defer e.unlock(c)
	if _, ok := e.queue.owner(f); !ok {
		return
	}
	if f.retries >= e.cfg.MaxRetries {
		e.queue.removeIf(c.ref, func(g *outFrame) bool { return g == f })
		e.exhausted(c, f)
		return
	}
	f.retries++
	f.frame.Retransmit = true
	e.retransmits.Add(1)
	e.transmit(c, &f.frame, f.dest, f.transfer)

	f.interval *= 10
	limit := e.cfg.MaxRetry
	if f.transfer {
		limit = min(limit, transferMaxRetry)
	}
	f.interval = min(f.interval, limit)
	e.scheduleRetry(f)
}

// exhausted handles a frame that ran out of retries.
func (e *Engine) exhausted(c *call, f *outFrame) {
	log := c.log().With("frame", frameName(f.frame.Type, f.frame.Subclass), "retries", f.retries)
	switch {
	case f.transfer:
		log.Info("transfer path did not answer")
		e.transferTimedOut(c)
	case f.final:
		log.Debug("final frame not acknowledged")
		c.alreadyGone = true
		e.destroy(c)
	case c.kind == kindRegClient && c.reg != nil:
		log.Warn("registration timed out")
		e.regs.timedOut(c.reg)
		e.destroy(c)
	case c.hasChannel:
		log.Warn("peer stopped answering")
		if !c.answered {
			e.hangupWith(c, EventCongestion, CauseDestinationOutOfOrder, "Retransmission timeout")
		} else {
			e.hangupWith(c, EventHangup, CauseDestinationOutOfOrder, "Retransmission timeout")
		}
	default:
		log.Debug("peer stopped answering")
		c.alreadyGone = true
		e.destroy(c)
	}
}

// ackThrough processes the peer's ack sequence in. Frames in the window
// rseq..in are acknowledged. It reports whether c was destroyed.
func (e *Engine) ackThrough(c *call, in uint8) bool {
	x := c.oseq
	if c.rseq >= c.oseq || (in >= c.rseq && in < c.oseq) {
		x = in
	}
	if x == c.oseq && c.oseq != in {
		c.log().Debug("ack outside window", "iseqno", in, "rseqno", c.rseq, "oseqno", c.oseq)
		return false
	}
	var final bool
	for s := c.rseq; s != in; s++ {
		acked := e.queue.removeIf(c.ref, func(f *outFrame) bool {
			return !f.transfer && f.frame.OSeqNo == s
		})
		for _, f := range acked {
			e.sched.cancel(f.timer)
			final = final || f.final
		}
	}
	c.rseq = in
	if final {
		c.alreadyGone = true
		e.destroy(c)
		return true
	}
	return false
}

// resendFrom answers a VNAK by immediately retransmitting every queued frame
// at or after last.
func (e *Engine) resendFrom(c *call, last uint8) {
	for _, f := range e.queue.frames(c.ref) {
		if f.transfer || uint8(f.frame.OSeqNo-last) >= 128 {
			continue
		}
		f.frame.Retransmit = true
		e.retransmits.Add(1)
		e.transmit(c, &f.frame, f.dest, f.transfer)
	}
}

// cancelTransferFrames drops the queued transfer-path frames of c.
func (e *Engine) cancelTransferFrames(c *call) {
	for _, f := range e.queue.removeIf(c.ref, func(f *outFrame) bool { return f.transfer }) {
		e.sched.cancel(f.timer)
	}
}

// dropQueued drops everything queued for c.
func (e *Engine) dropQueued(c *call) {
	for _, f := range e.queue.drop(c.ref) {
		e.sched.cancel(f.timer)
	}
}

func frameName(t wire.FrameType, sub int) string {
	if t == wire.TypeIAX {
		return wire.CommandName(sub)
	}
	return t.String()
}
