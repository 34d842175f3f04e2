package iax

import (
	"fmt"
	"math/rand/v2"
	"net/netip"

	"github.com/flowpbx/flowiax/internal/wire"
)

// transferState tracks a native transfer on one leg.
type transferState int

const (
	xferNone transferState = iota
	// xferBegin: TXREQ sent (coordinator) or TXCNT sent (endpoint).
	xferBegin
	// xferReady: the transfer path is confirmed.
	xferReady
	// xferReleased: the coordinator has let go of the leg.
	xferReleased
	xferPassthrough
	// Media-only variants of begin and ready.
	xferMBegin
	xferMReady
)

func (s transferState) String() string {
	switch s {
	case xferBegin:
		return "begin"
	case xferReady:
		return "ready"
	case xferReleased:
		return "released"
	case xferPassthrough:
		return "passthrough"
	case xferMBegin:
		return "mbegin"
	case xferMReady:
		return "mready"
	default:
		return "none"
	}
}

func (s transferState) begun() bool { return s == xferBegin || s == xferMBegin }

func (s transferState) ready() bool { return s == xferReady || s == xferMReady }

// Bridge asks the far ends of calls a and b to talk to each other directly.
// Both calls must be up and unencrypted. Completion or failure is reported
// to the handler as EventTransferred or EventTransferFailed on both refs.
func (e *Engine) Bridge(a, b CallRef) error {
	ca, cb, err := e.table.lockPair(a, b)
	if err != nil {
		return err
	}
	defer e.unlock(cb)
	defer e.unlock(ca)

	for _, c := range []*call{ca, cb} {
		switch {
		case c.kind != kindCall || !c.started || c.peerCall == 0:
			return fmt.Errorf("bridging call %s: %w", c.ref, ErrNotLinked)
		case c.encrypted:
			return fmt.Errorf("bridging encrypted call %s: %w", c.ref, ErrTransferRefused)
		case c.xfer != xferNone || c.alreadyGone:
			return fmt.Errorf("call %s is already transferring: %w", c.ref, ErrTransferRefused)
		}
	}

	id := rand.Uint32()
	ca.xfer, cb.xfer = xferBegin, xferBegin
	ca.bridge, cb.bridge = cb.ref, ca.ref
	ca.xferID, cb.xferID = id, id
	ca.xferHasID, cb.xferHasID = true, true
	e.sendTxReq(ca, cb.addr, cb.peerCall, id)
	e.sendTxReq(cb, ca.addr, ca.peerCall, id)
	ca.log().Info("native transfer started", "other_callno", cb.ref.Num, "transfer_id", id)
	return nil
}

func (e *Engine) sendTxReq(c *call, addr netip.AddrPort, peerCall uint16, id uint32) {
	var b wire.IEBuilder
	b.AddApparentAddr(addr)
	b.AddUint16(wire.IECallNo, peerCall)
	b.AddUint32(wire.IETransferID, id)
	e.sendCommand(c, wire.CmdTxReq, b.Bytes(), 0)
}

// CancelTransfer aborts a native transfer started with Bridge.
func (e *Engine) CancelTransfer(ref CallRef) error {
	var other CallRef
	err := e.withCall(ref, func(c *call) error {
		if c.bridge.IsZero() {
			return fmt.Errorf("call %s is not bridging: %w", ref, ErrNotLinked)
		}
		other = c.bridge
		return nil
	})
	if err != nil {
		return err
	}
	e.abortBridge(ref, other)
	return nil
}

// handleTxReq starts the endpoint side: test the candidate address with
// TXCNT over the transfer path.
func (e *Engine) handleTxReq(c *call, ies wire.IEs) {
	addr, ok := ies.ApparentAddr()
	peerCall, _ := ies.Uint16(wire.IECallNo)
	if !ok || peerCall == 0 || c.encrypted || !c.started || c.xfer != xferNone {
		c.log().Info("refusing transfer request", "state", c.xfer.String(), "encrypted", c.encrypted)
		e.sendCommand(c, wire.CmdTxRej, nil, 0)
		return
	}
	c.xferAddr = addr
	c.xferCall = peerCall
	c.xferID, c.xferHasID = ies.Uint32(wire.IETransferID)
	c.xfer = xferBegin
	e.table.setTransfer(c.ref.Num, addr, peerCall)
	c.log().Debug("checking transfer path", "candidate", addr.String(), "candidate_callno", peerCall)

	var b wire.IEBuilder
	if c.xferHasID {
		b.AddUint32(wire.IETransferID, c.xferID)
	}
	e.sendCommand(c, wire.CmdTxCnt, b.Bytes(), sendTransfer)
}

// handleTransferPath handles TXCNT and TXACC arriving from the transfer
// candidate.
func (e *Engine) handleTransferPath(c *call, f *wire.FullFrame) {
	ies, err := wire.ParseIEs(f.Payload)
	if err != nil {
		return
	}
	if id, ok := ies.Uint32(wire.IETransferID); ok && c.xferHasID && id != c.xferID {
		c.log().Debug("ignoring transfer frame with foreign id", "transfer_id", id)
		return
	}
	switch f.Subclass {
	case wire.CmdTxCnt:
		if c.xfer == xferNone {
			return
		}
		var b wire.IEBuilder
		if c.xferHasID {
			b.AddUint32(wire.IETransferID, c.xferID)
		}
		e.send(c, wire.TypeIAX, wire.CmdTxAcc, f.Timestamp, b.Bytes(), sendTransfer|sendImmediate)
	case wire.CmdTxAcc:
		if !c.xfer.begun() {
			return
		}
		e.cancelTransferFrames(c)
		if c.xfer == xferMBegin {
			c.xfer = xferMReady
		} else {
			c.xfer = xferReady
		}
		c.log().Debug("transfer path confirmed")
		e.sendCommand(c, wire.CmdTxReady, nil, 0)
	}
}

// handleTxReady runs on the coordinator when one leg confirmed its path.
func (e *Engine) handleTxReady(c *call) {
	if c.bridge.IsZero() || !c.xfer.begun() {
		return
	}
	c.xfer = xferReady
	a, b := c.ref, c.bridge
	e.later(c, func() { e.completeBridge(a, b) })
}

// completeBridge releases both legs once both are ready.
func (e *Engine) completeBridge(a, b CallRef) {
	ca, cb, err := e.table.lockPair(a, b)
	if err != nil {
		e.logger.Debug("transfer completion skipped", "error", err)
		return
	}
	defer e.unlock(cb)
	defer e.unlock(ca)
	if !ca.xfer.ready() || !cb.xfer.ready() || ca.bridge != b || cb.bridge != a {
		return
	}
	for _, pair := range [][2]*call{{ca, cb}, {cb, ca}} {
		c, other := pair[0], pair[1]
		c.xfer = xferReleased
		c.alreadyGone = true
		c.started = false
		e.stopStuff(c)
		var ies wire.IEBuilder
		ies.AddUint16(wire.IECallNo, other.peerCall)
		e.sendCommand(c, wire.CmdTxRel, ies.Bytes(), sendFinal)
		e.emit(c, Event{Kind: EventTransferred})
	}
	ca.log().Info("native transfer complete", "other_callno", cb.ref.Num)
}

// handleTxRel switches the endpoint to the transfer path. The release is
// acknowledged on the old path before the sequence state is reset.
func (e *Engine) handleTxRel(c *call, f *wire.FullFrame, ies wire.IEs) {
	if !c.xfer.ready() {
		return
	}
	if v, ok := ies.Uint16(wire.IECallNo); ok && v != 0 {
		c.xferCall = v
	}
	e.sendAck(c, f.Timestamp)
	if err := e.table.setPeer(c.ref.Num, c.xferAddr, c.xferCall); err != nil {
		c.log().Warn("cannot switch to transfer path", "error", err)
		e.resetTransfer(c)
		e.sendCommand(c, wire.CmdTxRej, nil, 0)
		return
	}
	e.table.setTransfer(c.ref.Num, netip.AddrPort{}, 0)
	e.dropQueued(c)

	old := c.addr
	c.addr = c.xferAddr
	c.peerCall = c.xferCall
	c.oseq, c.iseq, c.rseq, c.aseq = 0, 0, 0, 0
	c.tx.reset()
	c.rx.reset()
	c.rxVoiceFormat, c.rxVideoFormat = 0, 0
	c.txVoiceFormat, c.txVideoFormat = 0, 0
	c.lastVideoTs = 0
	c.trunk = false
	c.xfer = xferNone
	c.xferAddr = netip.AddrPort{}
	c.xferCall = 0
	c.xferHasID = false
	c.log().Info("call transferred to direct path", "previous_addr", old.String())
	e.startKeepalive(c)
}

// handleTxRej aborts a transfer: the coordinator aborts both legs, an
// endpoint forgets its candidate.
func (e *Engine) handleTxRej(c *call) {
	if !c.bridge.IsZero() {
		a, b := c.ref, c.bridge
		e.later(c, func() { e.abortBridge(a, b) })
		return
	}
	if c.xfer != xferNone {
		c.log().Info("transfer rejected")
		e.resetTransfer(c)
	}
}

// abortBridge returns both coordinator legs to normal and tells the far
// ends to drop their candidates.
func (e *Engine) abortBridge(a, b CallRef) {
	ca, cb, err := e.table.lockPair(a, b)
	if err != nil {
		// One leg is gone; clear whichever survives.
		for _, ref := range []CallRef{a, b} {
			err := e.withCall(ref, func(c *call) error {
				e.abortLeg(c)
				return nil
			})
			if err != nil {
				e.logger.Debug("transfer abort skipped", "call", ref.String(), "error", err)
			}
		}
		return
	}
	defer e.unlock(cb)
	defer e.unlock(ca)
	e.abortLeg(ca)
	e.abortLeg(cb)
}

func (e *Engine) abortLeg(c *call) {
	if c.bridge.IsZero() || c.xfer == xferReleased {
		return
	}
	c.bridge = CallRef{}
	c.xfer = xferNone
	c.xferHasID = false
	e.sendCommand(c, wire.CmdTxRej, nil, 0)
	e.emit(c, Event{Kind: EventTransferFailed})
	c.log().Info("native transfer aborted")
}

func (e *Engine) resetTransfer(c *call) {
	e.cancelTransferFrames(c)
	e.table.setTransfer(c.ref.Num, netip.AddrPort{}, 0)
	c.xfer = xferNone
	c.xferAddr = netip.AddrPort{}
	c.xferCall = 0
	c.xferHasID = false
}

// transferTimedOut runs when TXCNT went unanswered: the coordinator is
// told and the endpoint stays on its current path.
func (e *Engine) transferTimedOut(c *call) {
	e.resetTransfer(c)
	e.sendCommand(c, wire.CmdTxRej, nil, 0)
}
