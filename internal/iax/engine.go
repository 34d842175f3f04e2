package iax

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/flowiax/internal/codec"
	"github.com/flowpbx/flowiax/internal/wire"
)

// Config holds the engine's tunables. Zero fields take the defaults from
// DefaultConfig.
type Config struct {
	Capacity   int
	MinReuse   time.Duration
	MinRetry   time.Duration
	MaxRetry   time.Duration
	MaxRetries int

	PingInterval    time.Duration
	LagInterval     time.Duration
	AuthTimeout     time.Duration
	AuthRejectDelay time.Duration
	// MaxAuthReq applies to users that do not set their own ceiling.
	MaxAuthReq int

	MinRegExpire     int
	MaxRegExpire     int
	DefaultRegExpire int

	TrunkFreq       time.Duration
	TrunkMaxSize    int
	TrunkTimestamps bool

	QualifyFreqOK    time.Duration
	QualifyFreqNotOK time.Duration

	DPCacheTTL     time.Duration
	DPCacheTimeout time.Duration

	Capability codec.Capability
	Prefs      codec.Prefs
	Policy     codec.Policy
	Language   string
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		Capacity:         DefaultCapacity,
		MinReuse:         MinReuse,
		MinRetry:         100 * time.Millisecond,
		MaxRetry:         10 * time.Second,
		MaxRetries:       4,
		PingInterval:     21 * time.Second,
		LagInterval:      10 * time.Second,
		AuthTimeout:      30 * time.Second,
		AuthRejectDelay:  time.Second,
		MinRegExpire:     60,
		MaxRegExpire:     3600,
		DefaultRegExpire: 60,
		TrunkFreq:        20 * time.Millisecond,
		TrunkMaxSize:     128000,
		TrunkTimestamps:  false,
		QualifyFreqOK:    60 * time.Second,
		QualifyFreqNotOK: 10 * time.Second,
		DPCacheTTL:       10 * time.Minute,
		DPCacheTimeout:   5 * time.Second,
		Capability:       codec.ULAW | codec.ALAW | codec.GSM,
		Policy:           codec.PolicyHost,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Capacity == 0 {
		c.Capacity = d.Capacity
	}
	if c.MinReuse == 0 {
		c.MinReuse = d.MinReuse
	}
	if c.MinRetry == 0 {
		c.MinRetry = d.MinRetry
	}
	if c.MaxRetry == 0 {
		c.MaxRetry = d.MaxRetry
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.LagInterval == 0 {
		c.LagInterval = d.LagInterval
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.MinRegExpire == 0 {
		c.MinRegExpire = d.MinRegExpire
	}
	if c.MaxRegExpire == 0 {
		c.MaxRegExpire = d.MaxRegExpire
	}
	if c.DefaultRegExpire == 0 {
		c.DefaultRegExpire = d.DefaultRegExpire
	}
	if c.TrunkFreq == 0 {
		c.TrunkFreq = d.TrunkFreq
	}
	if c.TrunkMaxSize == 0 {
		c.TrunkMaxSize = d.TrunkMaxSize
	}
	if c.QualifyFreqOK == 0 {
		c.QualifyFreqOK = d.QualifyFreqOK
	}
	if c.QualifyFreqNotOK == 0 {
		c.QualifyFreqNotOK = d.QualifyFreqNotOK
	}
	if c.DPCacheTTL == 0 {
		c.DPCacheTTL = d.DPCacheTTL
	}
	if c.DPCacheTimeout == 0 {
		c.DPCacheTimeout = d.DPCacheTimeout
	}
	if c.Capability == 0 {
		c.Capability = d.Capability
	}
}

// Options carries the engine's collaborators. Only Registry is required.
type Options struct {
	Handler  Handler
	Dialplan Dialplan
	Registry *Registry
	Keys     *KeyRing
	Store    RegistrationStore
	Notifier *Notifier
	Tracer   *FrameTracer
	Guard    *FloodGuard
	Clock    Clock
	Logger   *slog.Logger
}

// Engine runs the protocol on one UDP socket.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	clock    Clock
	conn     net.PacketConn
	handler  Handler
	dialplan Dialplan
	registry *Registry
	keys     *KeyRing
	store    RegistrationStore
	notifier *Notifier
	tracer   *FrameTracer
	guard    *FloodGuard

	table   *callTable
	sched   *scheduler
	queue   *transmitQueue
	trunks  *trunkSet
	regs    *regClients
	qualify *qualifier
	dpcache *dpCache

	loss        atomic.Int32
	retransmits atomic.Uint64
	started     time.Time
	closed      atomic.Bool
}

// New creates an engine on conn. Nothing is read until Run is called.
func New(conn net.PacketConn, cfg Config, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine needs a registry")
	}
	cfg.applyDefaults()
	if cfg.MinRetry > cfg.MaxRetry {
		return nil, fmt.Errorf("min retry %s exceeds max retry %s", cfg.MinRetry, cfg.MaxRetry)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("subsystem", "iax"),
		clock:    clock,
		conn:     conn,
		handler:  opts.Handler,
		dialplan: opts.Dialplan,
		registry: opts.Registry,
		keys:     opts.Keys,
		store:    opts.Store,
		notifier: opts.Notifier,
		tracer:   opts.Tracer,
		guard:    opts.Guard,
		sched:    newScheduler(clock),
		queue:    newTransmitQueue(),
		started:  clock.Now(),
	}
	if e.handler == nil {
		e.handler = NopHandler{}
	}
	if e.keys == nil {
		e.keys = NewKeyRing(logger)
	}
	if e.notifier == nil {
		e.notifier = NewNotifier(logger)
	}
	if e.tracer == nil {
		e.tracer = NewFrameTracer(logger)
	}
	if e.guard == nil {
		e.guard = NewFloodGuard(clock, 0, 0, logger)
	}
	e.table = newCallTable(cfg.Capacity, cfg.MinReuse, clock, logger)
	e.trunks = newTrunkSet(e)
	e.regs = newRegClients(e)
	e.qualify = newQualifier(e)
	e.dpcache = newDPCache(e)
	return e, nil
}

// Run reads datagrams and fires timers until ctx is cancelled or the
// socket fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.sched.run(ctx)
	})
	g.Go(func() error {
		return e.readLoop(ctx)
	})
	stop := context.AfterFunc(ctx, func() {
		e.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	e.trunks.start()
	e.dpcache.start()
	e.scheduleGuardCleanup()
	e.qualify.start()
	e.regs.start()
	e.logger.Info("iax engine running", "addr", e.conn.LocalAddr().String())
	err := g.Wait()
	e.logger.Info("iax engine stopped")
	return err
}

func (e *Engine) readLoop(ctx context.Context) error {
	buf := make([]byte, wire.MaxFrameSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("reading iax socket: %w", err)
		}
		from, ok := addrPortOf(addr)
		if !ok {
			continue
		}
		e.handleDatagram(from, bytes.Clone(buf[:n]))
	}
}

func addrPortOf(a net.Addr) (netip.AddrPort, bool) {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

// Close hangs up every call and closes the socket.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.regs.stop()
	for _, n := range e.table.numbers() {
		c, err := e.table.lockNum(n)
		if err != nil {
			continue
		}
		if c.kind == kindCall && !c.alreadyGone {
			e.sendHangup(c, CauseNormalClearing, "")
		}
		e.destroy(c)
		e.unlock(c)
	}
	return e.conn.Close()
}

// handleDatagram processes one received datagram.
func (e *Engine) handleDatagram(from netip.AddrPort, buf []byte) {
	kind, err := wire.Classify(buf)
	if err != nil {
		e.logger.Debug("dropping malformed datagram", "from", from.String(), "size", len(buf), "error", err)
		return
	}
	switch kind {
	case wire.KindFull:
		e.handleFull(from, buf)
	case wire.KindMini:
		e.handleMini(from, buf)
	case wire.KindVideo:
		e.handleVideo(from, buf)
	case wire.KindMeta:
		e.handleTrunk(from, buf)
	}
}

func (e *Engine) handleFull(from netip.AddrPort, buf []byte) {
	src, dst, err := wire.PeekCalls(buf)
	if err != nil {
		return
	}
	ref, ok := e.table.find(from, src, dst)
	if !ok {
		e.handleUnknown(from, buf, dst)
		return
	}
	c, err := e.table.lock(ref)
	if err != nil {
		return
	}
	e.processFull(c, from, buf)
	e.unlock(c)
}

// handleUnknown deals with a full frame that matches no call: new calls,
// registrations and pokes get a slot, anything else is told to go away.
func (e *Engine) handleUnknown(from netip.AddrPort, buf []byte, dst uint16) {
	f, err := wire.DecodeFull(buf)
	if err != nil {
		return
	}
	if kind, ok := creatingKind(f); ok && dst == 0 {
		if !e.guard.Allow(from.Addr()) {
			e.logger.Debug("dropping frame from flooding source", "from", from.String(), "frame", wire.CommandName(f.Subclass))
			return
		}
		c := e.newCall(kind, from)
		c.peerCall = f.SrcCall
		if err := e.install(c, false); err != nil {
			e.logger.Warn("cannot accept new call", "from", from.String(), "frame", wire.CommandName(f.Subclass), "error", err)
			return
		}
		e.processFull(c, from, buf)
		e.unlock(c)
		return
	}
	if f.Type == wire.TypeIAX {
		switch f.Subclass {
		case wire.CmdInval, wire.CmdTxCnt, wire.CmdTxAcc, wire.CmdFwDownl:
			return
		}
	}
	e.tracer.traceFull(false, from, f)
	e.sendRawInval(from, f)
}

// creatingKind reports whether f may open a new slot, and of which kind.
func creatingKind(f *wire.FullFrame) (callKind, bool) {
	if f.Type != wire.TypeIAX {
		return 0, false
	}
	switch f.Subclass {
	case wire.CmdNew:
		return kindCall, true
	case wire.CmdRegReq, wire.CmdRegRel:
		return kindRegistrar, true
	case wire.CmdPoke:
		return kindPokeReply, true
	}
	return 0, false
}

// sendRawInval answers a frame for a call we do not know.
func (e *Engine) sendRawInval(to netip.AddrPort, f *wire.FullFrame) {
	out := wire.FullFrame{
		SrcCall:  f.DstCall,
		DstCall:  f.SrcCall,
		Type:     wire.TypeIAX,
		Subclass: wire.CmdInval,
	}
	e.tracer.traceFull(true, to, &out)
	e.write(out.Marshal(), to)
}

// processFull runs a full frame through decryption, sequencing and
// acknowledgement and dispatches it. c is locked and may be destroyed.
func (e *Engine) processFull(c *call, from netip.AddrPort, buf []byte) {
	plain := buf
	if c.encrypted {
		p, err := e.decrypt(c, buf)
		if err != nil {
			c.log().Debug("dropping undecryptable frame")
			return
		}
		plain = p
	}
	f, err := wire.DecodeFull(plain)
	if err != nil {
		return
	}
	e.tracer.traceFull(false, from, f)
	iax := f.Type == wire.TypeIAX

	if c.xferAddr.IsValid() && from == c.xferAddr && from != c.addr {
		if iax && (f.Subclass == wire.CmdTxCnt || f.Subclass == wire.CmdTxAcc) {
			e.handleTransferPath(c, f)
		}
		return
	}

	if !iax {
		c.rx.observe(f.Timestamp)
	}
	if c.peerCall == 0 && f.SrcCall != 0 {
		if err := e.table.setPeer(c.ref.Num, c.addr, f.SrcCall); err != nil {
			c.log().Warn("peer call number clash", "error", err)
			return
		}
		c.peerCall = f.SrcCall
	}

	if !e.checkSequence(c, f) {
		return
	}
	if from == c.addr && (!iax || (f.Subclass != wire.CmdInval && f.Subclass != wire.CmdTxCnt && f.Subclass != wire.CmdTxAcc)) {
		if e.ackThrough(c, f.ISeqNo) {
			return
		}
	}
	if !iax && !c.started {
		c.log().Debug("dropping media before call start", "type", f.Type.String())
		return
	}

	if iax {
		e.handleCommand(c, from, f)
	} else {
		e.handleMedia(c, f)
	}

	if c.slot.call != c {
		return
	}
	if iax {
		switch f.Subclass {
		case wire.CmdAck, wire.CmdTxCnt, wire.CmdTxAcc, wire.CmdInval, wire.CmdVNAK:
			return
		}
	}
	if c.aseq != c.iseq {
		e.sendAck(c, f.Timestamp)
	}
}

func transferSeqExempt(sub int) bool {
	switch sub {
	case wire.CmdTxCnt, wire.CmdTxReady, wire.CmdTxRel, wire.CmdUnquelch, wire.CmdTxAcc:
		return true
	}
	return false
}

// checkSequence enforces in-order delivery and reports whether f may be
// processed. Stale frames are acked again; frames from the future ask the
// peer to resend what we missed.
func (e *Engine) checkSequence(c *call, f *wire.FullFrame) bool {
	iax := f.Type == wire.TypeIAX
	if c.iseq != f.OSeqNo && (c.iseq != 0 || !iax || !transferSeqExempt(f.Subclass)) {
		if iax && (f.Subclass == wire.CmdAck || f.Subclass == wire.CmdInval ||
			f.Subclass == wire.CmdVNAK || transferSeqExempt(f.Subclass)) {
			return true
		}
		c.stats.outOfOrder++
		c.log().Debug("frame out of order", "expected", c.iseq, "got", f.OSeqNo, "frame", frameName(f.Type, f.Subclass))
		if c.iseq-f.OSeqNo < 128 {
			e.sendAck(c, f.Timestamp)
		} else {
			e.sendVNAK(c)
		}
		return false
	}
	if !seqless(f.Type, f.Subclass) {
		c.iseq++
	}
	return true
}

func (e *Engine) sendVNAK(c *call) {
	e.send(c, wire.TypeIAX, wire.CmdVNAK, 0, nil, sendImmediate)
}

// decrypt decrypts a full frame for c. Until a key has proven itself every
// candidate derived from the secret list is tried and the first that yields
// a known frame type is kept. Only full frames carry that check, so mini
// frames never pick the key.
func (e *Engine) decrypt(c *call, buf []byte) ([]byte, error) {
	if c.crypt != nil {
		return c.crypt.Decrypt(buf)
	}
	for _, k := range c.keys {
		cr := wire.NewCrypter(k)
		if p, err := cr.Decrypt(buf); err == nil {
			c.crypt = cr
			c.keys = nil
			return p, nil
		}
	}
	return nil, wire.ErrDecrypt
}

func (e *Engine) handleMini(from netip.AddrPort, buf []byte) {
	num := binary.BigEndian.Uint16(buf[0:2])
	ref, ok := e.table.find(from, num, 0)
	if !ok {
		return
	}
	c, err := e.table.lock(ref)
	if err != nil {
		return
	}
	defer e.unlock(c)
	if c.encrypted {
		if c.crypt == nil {
			c.log().Debug("dropping mini frame before the key is settled")
			return
		}
		if buf, err = c.crypt.Decrypt(buf); err != nil {
			return
		}
	}
	m, err := wire.DecodeMini(buf)
	if err != nil {
		return
	}
	if c.rxVoiceFormat == 0 {
		c.log().Debug("mini frame before first full voice frame")
		e.sendVNAK(c)
		return
	}
	ts := c.rx.unwrap16(m.Timestamp, e.clock.Now())
	e.deliverVoice(c, ts, m.Payload)
}

func (e *Engine) deliverVoice(c *call, ts uint32, payload []byte) {
	c.stats.received(ts, e.clock.Now())
	e.emit(c, Event{Kind: EventVoice, Format: c.rxVoiceFormat, Timestamp: ts, Payload: payload})
}

// handleVideo accepts video mini frames. They are never encrypted; video on
// an encrypted call travels in full frames.
func (e *Engine) handleVideo(from netip.AddrPort, buf []byte) {
	v, err := wire.DecodeVideo(buf)
	if err != nil {
		return
	}
	ref, ok := e.table.find(from, v.Call, 0)
	if !ok {
		return
	}
	c, err := e.table.lock(ref)
	if err != nil {
		return
	}
	defer e.unlock(c)
	if c.rxVideoFormat == 0 {
		e.sendVNAK(c)
		return
	}
	ts := c.rx.unwrap15(v.Timestamp, e.clock.Now())
	sub := 0
	if v.Key {
		sub = 1
	}
	e.emit(c, Event{Kind: EventVideo, Format: c.rxVideoFormat, Subclass: sub, Timestamp: ts, Payload: v.Payload})
}

// handleMedia delivers a non-IAX full frame.
func (e *Engine) handleMedia(c *call, f *wire.FullFrame) {
	switch f.Type {
	case wire.TypeVoice:
		format := codec.Format(f.Subclass)
		if format != c.rxVoiceFormat {
			c.rxVoiceFormat = format
			c.log().Debug("peer voice format", "format", format.String())
		}
		e.deliverVoice(c, f.Timestamp, f.Payload)
	case wire.TypeVideo:
		c.rxVideoFormat = codec.Format(f.Subclass &^ 1)
		e.emit(c, Event{Kind: EventVideo, Format: c.rxVideoFormat, Subclass: f.Subclass & 1, Timestamp: f.Timestamp, Payload: f.Payload})
	case wire.TypeDTMF:
		e.emit(c, Event{Kind: EventDTMFEnd, Subclass: f.Subclass, Timestamp: f.Timestamp})
	case wire.TypeDTMFBegin:
		e.emit(c, Event{Kind: EventDTMFBegin, Subclass: f.Subclass, Timestamp: f.Timestamp})
	case wire.TypeText:
		e.emit(c, Event{Kind: EventText, Text: string(bytes.TrimRight(f.Payload, "\x00")), Timestamp: f.Timestamp})
	case wire.TypeImage:
		e.emit(c, Event{Kind: EventImage, Subclass: f.Subclass, Payload: f.Payload, Timestamp: f.Timestamp})
	case wire.TypeHTML:
		e.emit(c, Event{Kind: EventHTML, Subclass: f.Subclass, Payload: f.Payload, Timestamp: f.Timestamp})
	case wire.TypeControl:
		e.handleControl(c, f)
	case wire.TypeNull, wire.TypeCNG:
	default:
		c.log().Debug("ignoring frame", "type", f.Type.String())
	}
}

func (e *Engine) handleControl(c *call, f *wire.FullFrame) {
	ev := Event{Subclass: f.Subclass, Timestamp: f.Timestamp, Payload: f.Payload}
	switch f.Subclass {
	case wire.CtrlRinging:
		ev.Kind = EventRinging
	case wire.CtrlAnswer:
		c.answered = true
		ev.Kind = EventAnswer
	case wire.CtrlBusy:
		ev.Kind, ev.Cause = EventBusy, CauseUserBusy
	case wire.CtrlCongestion:
		ev.Kind, ev.Cause = EventCongestion, CauseCongestion
	case wire.CtrlProgress:
		ev.Kind = EventProgress
	case wire.CtrlProceeding:
		ev.Kind = EventProceeding
	case wire.CtrlHold:
		ev.Kind = EventHold
	case wire.CtrlUnhold:
		ev.Kind = EventUnhold
	default:
		ev.Kind = EventControl
	}
	e.emit(c, ev)
}

// SetLoss sets the simulated outbound packet loss in percent.
func (e *Engine) SetLoss(percent int) {
	e.loss.Store(int32(min(max(percent, 0), 100)))
}

// Loss returns the simulated outbound packet loss in percent.
func (e *Engine) Loss() int { return int(e.loss.Load()) }

func (e *Engine) dropSimulated() bool {
	l := e.loss.Load()
	return l > 0 && rand.Int32N(100) < l
}

// Stats is a snapshot of engine counters.
type Stats struct {
	ActiveCalls   int           `json:"active_calls"`
	QueuedFrames  int           `json:"queued_frames"`
	Retransmits   uint64        `json:"retransmits"`
	PendingTimers int           `json:"pending_timers"`
	Uptime        time.Duration `json:"uptime"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		ActiveCalls:   e.table.inUse(),
		QueuedFrames:  e.queue.len(),
		Retransmits:   e.retransmits.Load(),
		PendingTimers: e.sched.len(),
		Uptime:        e.clock.Now().Sub(e.started),
	}
}

// Calls returns a snapshot of every live call.
func (e *Engine) Calls() []CallStatus {
	var out []CallStatus
	for _, n := range e.table.numbers() {
		c, err := e.table.lockNum(n)
		if err != nil {
			continue
		}
		out = append(out, e.status(c))
		e.unlock(c)
	}
	return out
}

// NetStats returns the network statistics of call number n.
func (e *Engine) NetStats(n uint16) (NetStats, error) {
	c, err := e.table.lockNum(n)
	if err != nil {
		return NetStats{}, err
	}
	defer e.unlock(c)
	return c.stats.snapshot(c), nil
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Notifier() *Notifier { return e.notifier }

func (e *Engine) Tracer() *FrameTracer { return e.tracer }

func (e *Engine) Config() Config { return e.cfg }
