package iax

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/flowiax/internal/codec"
	"github.com/flowpbx/flowiax/internal/wire"
)

// defaultPingTime seeds the retry interval until a PONG measures the
// round trip.
const defaultPingTime = 1000

type callKind int

const (
	kindCall callKind = iota
	kindRegClient
	kindRegistrar
	kindPoke
	kindPokeReply
	kindDialplan
)

func (k callKind) String() string {
	switch k {
	case kindRegClient:
		return "regclient"
	case kindRegistrar:
		return "registrar"
	case kindPoke:
		return "poke"
	case kindPokeReply:
		return "poke-reply"
	case kindDialplan:
		return "dialplan"
	default:
		return "call"
	}
}

type timerKind int

const (
	timerPing timerKind = iota
	timerLag
	timerAutoCongest
	timerAuthReject
	timerAutoHangup
)

// call is one slot's state. It is only touched with its slot locked.
type call struct {
	ref      CallRef
	slot     *slot
	id       string
	kind     callKind
	outbound bool
	logger   *slog.Logger
	created  time.Time

	addr     netip.AddrPort
	peerCall uint16

	user       *User
	peer       *Peer
	peerName   string
	username   string
	context    string
	exten      string
	callerNum  string
	callerName string
	ani        string
	dnid       string
	rdnis      string
	language   string

	capability    codec.Capability
	prefs         codec.Prefs
	policy        codec.Policy
	format        codec.Format
	peerCap       codec.Capability
	requested     codec.Format
	callerPrefs   codec.Prefs
	rxVoiceFormat codec.Format
	rxVideoFormat codec.Format
	txVoiceFormat codec.Format
	txVideoFormat codec.Format
	lastVideoTs   uint32

	oseq, iseq, rseq, aseq uint8

	tx       txClock
	rx       rxClock
	pingtime int
	lag      int
	maxms    int

	secret      string
	outKey      string
	inKeys      string
	authMethods int
	challenge   string
	encMethods  int
	encrypted   bool
	keys        []wire.Key
	crypt       *wire.Crypter
	authFail    int
	authCounted bool

	started       bool
	authenticated bool
	alreadyGone   bool
	answered      bool
	tbd           bool
	quelch        bool
	hasChannel    bool
	trunk         bool

	xfer      transferState
	xferAddr  netip.AddrPort
	xferCall  uint16
	xferID    uint32
	xferHasID bool
	bridge    CallRef

	timers  map[timerKind]timerID
	reg     *regEntry
	dp      *dpSession
	stats   netStats
	pending []func()
}

func (e *Engine) newCall(kind callKind, addr netip.AddrPort) *call {
	return &call{
		id:       uuid.NewString(),
		kind:     kind,
		addr:     addr,
		created:  e.clock.Now(),
		pingtime: defaultPingTime,
		timers:   make(map[timerKind]timerID),
	}
}

// install allocates a slot for c. On success c is locked.
func (e *Engine) install(c *call, trunk bool) error {
	if err := e.table.create(c, trunk); err != nil {
		return err
	}
	c.logger = e.logger.With("callno", c.ref.Num, "uniqueid", c.id, "kind", c.kind.String())
	if err := e.table.setPeer(c.ref.Num, c.addr, c.peerCall); err != nil {
		e.table.free(c)
		c.slot.mu.Unlock()
		return err
	}
	return nil
}

func (c *call) log() *slog.Logger {
	return c.logger.With("peer_callno", c.peerCall, "peer_addr", c.addr.String())
}

// unlock releases c's slot and then runs the upper-layer callbacks that
// were queued while it was held.
func (e *Engine) unlock(c *call) {
	pending := c.pending
	c.pending = nil
	c.slot.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// emit queues ev for the upper layer if it owns the call.
func (e *Engine) emit(c *call, ev Event) {
	if !c.hasChannel {
		return
	}
	ref, h := c.ref, e.handler
	c.pending = append(c.pending, func() { h.Event(ref, ev) })
}

func (e *Engine) later(c *call, fn func()) {
	c.pending = append(c.pending, fn)
}

// armTimer (re)schedules a per-call timer. The callback re-locks the call
// by ref, so a timer outliving its call does nothing.
func (e *Engine) armTimer(c *call, kind timerKind, d time.Duration) {
	e.cancelTimer(c, kind)
	ref := c.ref
	c.timers[kind] = e.sched.after(d, func() { e.fireTimer(ref, kind) })
}

func (e *Engine) cancelTimer(c *call, kind timerKind) {
	if id, ok := c.timers[kind]; ok {
		e.sched.cancel(id)
		delete(c.timers, kind)
	}
}

func (e *Engine) fireTimer(ref CallRef, kind timerKind) {
	c, err := e.table.lock(ref)
	if err != nil {
		return
	}
	delete(c.timers, kind)
	switch kind {
	case timerPing:
		e.sendPing(c)
	case timerLag:
		e.sendLagRequest(c)
	case timerAutoCongest:
		e.autoCongest(c)
	case timerAuthReject:
		e.sendAuthReject(c)
	case timerAutoHangup:
		e.authTimeout(c)
	}
	e.unlock(c)
}

// relocate moves timers and queued frames after a promotion.
func (e *Engine) relocate(c *call, old CallRef) {
	now := e.clock.Now()
	for kind, id := range c.timers {
		at, ok := e.sched.when(id)
		e.sched.cancel(id)
		delete(c.timers, kind)
		if ok {
			e.armTimer(c, kind, at.Sub(now))
		}
	}
	e.queue.rekey(old, c.ref)
	c.logger = e.logger.With("callno", c.ref.Num, "uniqueid", c.id, "kind", c.kind.String())
}

// stopStuff cancels the keep-alive timers.
func (e *Engine) stopStuff(c *call) {
	e.cancelTimer(c, timerPing)
	e.cancelTimer(c, timerLag)
}

// destroy tears c down: every timer and queued frame goes, the auth slot is
// returned and, if the upper layer still owns the call, it is told to hang
// up. c stays locked; its slot is empty afterwards.
func (e *Engine) destroy(c *call) {
	for kind, id := range c.timers {
		e.sched.cancel(id)
		delete(c.timers, kind)
	}
	e.dropQueued(c)
	if c.authCounted {
		e.registry.releaseAuth(c.user)
		c.authCounted = false
	}
	if c.hasChannel {
		e.emit(c, Event{Kind: EventHangup, Cause: CauseNormalClearing})
		c.hasChannel = false
	}
	if c.dp != nil {
		e.dpcache.sessionGone(c.dp)
	}
	if c.reg != nil {
		e.regs.callGone(c.reg, c.ref)
	}
	if c.kind == kindPoke && c.peer != nil {
		e.qualify.callGone(c.peer, c.ref)
	}
	c.log().Debug("call destroyed")
	e.table.free(c)
}

// hangupWith reports kind and a hangup with cause, then destroys the call.
func (e *Engine) hangupWith(c *call, kind EventKind, cause int, text string) {
	e.emit(c, Event{Kind: kind, Cause: cause, Text: text})
	if kind != EventHangup {
		e.emit(c, Event{Kind: EventHangup, Cause: cause, Text: text})
	}
	c.hasChannel = false
	c.alreadyGone = true
	e.destroy(c)
}

func (c *call) info() CallInfo {
	name := c.username
	if c.user != nil {
		name = c.user.Name
	} else if c.peer != nil {
		name = c.peer.Name
	}
	return CallInfo{
		Ref:        c.ref,
		UniqueID:   c.id,
		Outbound:   c.outbound,
		Peer:       name,
		Addr:       c.addr,
		Called:     c.exten,
		Context:    c.context,
		CallerNum:  c.callerNum,
		CallerName: c.callerName,
		ANI:        c.ani,
		DNID:       c.dnid,
		RDNIS:      c.rdnis,
		Language:   c.language,
		Format:     c.format,
		Capability: c.capability,
		Encrypted:  c.encrypted,
		Trunk:      c.trunk,
	}
}

// CallStatus is a snapshot of one call for the operational surface.
type CallStatus struct {
	CallNo     uint16         `json:"callno"`
	PeerCallNo uint16         `json:"peer_callno"`
	UniqueID   string         `json:"uniqueid"`
	Kind       string         `json:"kind"`
	Peer       string         `json:"peer"`
	Addr       netip.AddrPort `json:"addr"`
	Called     string         `json:"called"`
	Format     string         `json:"format"`
	Encrypted  bool           `json:"encrypted"`
	Trunk      bool           `json:"trunk"`
	Transfer   string         `json:"transfer"`
	PingMS     int            `json:"ping_ms"`
	LagMS      int            `json:"lag_ms"`
	Age        string         `json:"age"`
}

func (e *Engine) status(c *call) CallStatus {
	info := c.info()
	return CallStatus{
		CallNo:     c.ref.Num,
		PeerCallNo: c.peerCall,
		UniqueID:   c.id,
		Kind:       c.kind.String(),
		Peer:       info.Peer,
		Addr:       c.addr,
		Called:     c.exten,
		Format:     c.format.String(),
		Encrypted:  c.encrypted,
		Trunk:      c.trunk,
		Transfer:   c.xfer.String(),
		PingMS:     c.pingtime,
		LagMS:      c.lag,
		Age:        e.clock.Now().Sub(c.created).Truncate(time.Second).String(),
	}
}
