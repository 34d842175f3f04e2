package iax

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/flowiax/internal/wire"
)

// qualifySpread staggers the first pokes at start-up.
const qualifySpread = 20 * time.Millisecond

// qualifier checks peers with POKE and tracks their reachability. Each
// poke gets its own short-lived slot.
type qualifier struct {
	e *Engine
}

func newQualifier(e *Engine) *qualifier {
	return &qualifier{e: e}
}

// start schedules the first poke of every qualified peer.
func (q *qualifier) start() {
	for i, p := range q.e.registry.Peers() {
		if p.MaxMS <= 0 {
			continue
		}
		p.mu.Lock()
		if p.state == PeerUnmonitored {
			p.state = PeerUnknown
		}
		p.mu.Unlock()
		q.schedule(p, time.Duration(i)*qualifySpread)
	}
}

func (q *qualifier) freq(p *Peer, ok bool) time.Duration {
	if ok {
		if p.FreqOK > 0 {
			return p.FreqOK
		}
		return q.e.cfg.QualifyFreqOK
	}
	if p.FreqNotOK > 0 {
		return p.FreqNotOK
	}
	return q.e.cfg.QualifyFreqNotOK
}

// schedule (re)arms the next poke of p.
func (q *qualifier) schedule(p *Peer, d time.Duration) {
	if p.MaxMS <= 0 || q.e.closed.Load() {
		return
	}
	id := q.e.sched.after(d, func() { q.poke(p) })
	p.mu.Lock()
	old := p.pokeID
	p.pokeID = id
	p.mu.Unlock()
	q.e.sched.cancel(old)
}

// poke sends one POKE to p and arms the no-answer timer.
func (q *qualifier) poke(p *Peer) {
	e := q.e
	p.mu.Lock()
	addr := p.currentAddr()
	stale := p.pokeRef
	p.pokeRef = CallRef{}
	p.mu.Unlock()

	if !stale.IsZero() {
		// The previous poke never finished.
		if c, err := e.table.lock(stale); err == nil {
			e.destroy(c)
			e.unlock(c)
		}
	}
	if !addr.IsValid() {
		q.schedule(p, q.freq(p, false))
		return
	}

	c := e.newCall(kindPoke, addr)
	c.peer = p
	c.peerName = p.Name
	if err := e.install(c, false); err != nil {
		e.logger.Warn("cannot allocate qualify slot", "peer", p.Name, "error", err)
		q.schedule(p, q.freq(p, false))
		return
	}
	p.mu.Lock()
	p.pokeRef = c.ref
	p.mu.Unlock()
	e.sendCommand(c, wire.CmdPoke, nil, 0)
	e.unlock(c)

	id := e.sched.after(time.Duration(2*p.MaxMS)*time.Millisecond, func() { q.noAnswer(p) })
	p.mu.Lock()
	old := p.noAnswerID
	p.noAnswerID = id
	p.mu.Unlock()
	e.sched.cancel(old)
}

// handlePong records a poke answer. c is the poke slot; it is acked and
// destroyed.
func (q *qualifier) handlePong(c *call, rtt int, ts uint32) {
	e := q.e
	p := c.peer
	e.sendAck(c, ts)
	c.alreadyGone = true
	e.destroy(c)
	if p == nil {
		return
	}
	rtt = max(rtt, 1)

	p.mu.Lock()
	e.sched.cancel(p.noAnswerID)
	p.noAnswerID = 0
	if p.Smoothing && p.lastMS > 0 {
		p.historicMS = (rtt + p.historicMS) / 2
	} else {
		p.historicMS = rtt
	}
	p.lastMS = rtt
	prev := p.state
	next := PeerReachable
	if p.historicMS > p.MaxMS {
		next = PeerLagged
	}
	p.state = next
	historic := p.historicMS
	p.mu.Unlock()

	if next != prev {
		kind := NotifyReachable
		if next == PeerLagged {
			kind = NotifyLagged
		}
		e.notifier.Publish(Notification{Kind: kind, Peer: p.Name, Addr: c.addr, LatencyMS: historic, Time: e.clock.Now()})
	}
	q.schedule(p, q.freq(p, rtt <= p.MaxMS))
}

// noAnswer fires when a poke went unanswered for twice the latency bound.
func (q *qualifier) noAnswer(p *Peer) {
	e := q.e
	p.mu.Lock()
	p.noAnswerID = 0
	stale := p.pokeRef
	p.pokeRef = CallRef{}
	prev := p.state
	p.state = PeerUnreachable
	p.lastMS = -1
	addr := p.currentAddr()
	p.mu.Unlock()

	if !stale.IsZero() {
		if c, err := e.table.lock(stale); err == nil {
			e.destroy(c)
			e.unlock(c)
		}
	}
	if prev != PeerUnreachable {
		e.notifier.Publish(Notification{Kind: NotifyUnreachable, Peer: p.Name, Addr: addr, Time: e.clock.Now()})
	}
	q.schedule(p, q.freq(p, false))
}

// callGone forgets a destroyed poke slot.
func (q *qualifier) callGone(p *Peer, ref CallRef) {
	p.mu.Lock()
	if p.pokeRef == ref {
		p.pokeRef = CallRef{}
	}
	p.mu.Unlock()
}

// Qualify pokes the named peer now.
func (e *Engine) Qualify(name string) error {
	p, err := e.registry.Peer(context.Background(), name)
	if err != nil {
		return err
	}
	if p.MaxMS <= 0 {
		return fmt.Errorf("peer %q is not qualified", name)
	}
	e.qualify.schedule(p, 0)
	return nil
}
