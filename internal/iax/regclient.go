package iax

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/flowpbx/flowiax/internal/wire"
)

// RegState is the state of an outbound registration.
type RegState string

const (
	RegUnregistered RegState = "unregistered"
	RegRequestSent  RegState = "request-sent"
	RegAuthSent     RegState = "auth-sent"
	RegRegistered   RegState = "registered"
	RegRejected     RegState = "rejected"
	RegTimeout      RegState = "timeout"
	RegNoAuth       RegState = "noauth"
)

// RegisterOptions describes a registration we keep alive with a remote
// server.
type RegisterOptions struct {
	Name     string
	Addr     netip.AddrPort
	Username string
	Secret   string
	OutKey   string
	// Refresh is the requested expiry in seconds.
	Refresh int
}

// RegClientStatus is a snapshot of one outbound registration.
type RegClientStatus struct {
	Name         string         `json:"name"`
	Addr         netip.AddrPort `json:"addr"`
	Username     string         `json:"username"`
	State        RegState       `json:"state"`
	Refresh      int            `json:"refresh"`
	ApparentAddr netip.AddrPort `json:"apparent_addr"`
	MsgCount     int            `json:"msg_count"`
	LastError    string         `json:"last_error,omitempty"`
	RetryAttempt int            `json:"retry_attempt"`
	RegisteredAt *time.Time     `json:"registered_at,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// regEntry is one outbound registration. Lock order is slot before entry.
type regEntry struct {
	opts RegisterOptions

	mu           sync.Mutex
	state        RegState
	refresh      int
	apparent     netip.AddrPort
	msgs         int
	lastErr      string
	registeredAt time.Time
	expiresAt    time.Time
	ref          CallRef
	timer        timerID
	backoff      backoff
	removed      bool
}

// regClients drives every outbound registration off the engine scheduler.
type regClients struct {
	e *Engine

	mu      sync.Mutex
	entries map[string]*regEntry
	running bool
}

func newRegClients(e *Engine) *regClients {
	return &regClients{e: e, entries: make(map[string]*regEntry)}
}

// Register adds or replaces an outbound registration. It is sent as soon as
// the engine runs.
func (e *Engine) Register(o RegisterOptions) error {
	if o.Name == "" {
		o.Name = o.Username + "@" + o.Addr.String()
	}
	if !o.Addr.IsValid() {
		return fmt.Errorf("registration %q: invalid address", o.Name)
	}
	if o.Username == "" {
		return fmt.Errorf("registration %q: username required", o.Name)
	}
	if len(o.Username) > 255 {
		return fmt.Errorf("registration %q: %w", o.Name, wire.ErrIETooLong)
	}
	if o.Refresh <= 0 {
		o.Refresh = e.cfg.DefaultRegExpire
	}
	r := e.regs
	ent := &regEntry{opts: o, state: RegUnregistered, refresh: o.Refresh, backoff: newBackoff()}
	r.mu.Lock()
	old := r.entries[o.Name]
	r.entries[o.Name] = ent
	running := r.running
	r.mu.Unlock()
	if old != nil {
		r.retire(old)
	}
	if running {
		r.schedule(ent, 0)
	}
	return nil
}

// RemoveRegistration stops an outbound registration.
func (e *Engine) RemoveRegistration(name string) bool {
	r := e.regs
	r.mu.Lock()
	ent, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if ok {
		r.retire(ent)
	}
	return ok
}

// RegistrationClients returns the outbound registrations by name.
func (e *Engine) RegistrationClients() []RegClientStatus {
	r := e.regs
	r.mu.Lock()
	ents := make([]*regEntry, 0, len(r.entries))
	for _, ent := range r.entries {
		ents = append(ents, ent)
	}
	r.mu.Unlock()

	out := make([]RegClientStatus, 0, len(ents))
	for _, ent := range ents {
		out = append(out, ent.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (ent *regEntry) status() RegClientStatus {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	st := RegClientStatus{
		Name:         ent.opts.Name,
		Addr:         ent.opts.Addr,
		Username:     ent.opts.Username,
		State:        ent.state,
		Refresh:      ent.refresh,
		ApparentAddr: ent.apparent,
		MsgCount:     ent.msgs,
		LastError:    ent.lastErr,
		RetryAttempt: ent.backoff.attempt,
	}
	if !ent.registeredAt.IsZero() {
		t := ent.registeredAt
		st.RegisteredAt = &t
	}
	if !ent.expiresAt.IsZero() {
		t := ent.expiresAt
		st.ExpiresAt = &t
	}
	return st
}

func (r *regClients) start() {
	r.mu.Lock()
	r.running = true
	ents := make([]*regEntry, 0, len(r.entries))
	for _, ent := range r.entries {
		ents = append(ents, ent)
	}
	r.mu.Unlock()
	for _, ent := range ents {
		r.schedule(ent, 0)
	}
}

func (r *regClients) stop() {
	r.mu.Lock()
	r.running = false
	ents := make([]*regEntry, 0, len(r.entries))
	for _, ent := range r.entries {
		ents = append(ents, ent)
	}
	r.mu.Unlock()
	for _, ent := range ents {
		r.retire(ent)
	}
}

// retire cancels everything an entry has pending.
func (r *regClients) retire(ent *regEntry) {
	ent.mu.Lock()
	ent.removed = true
	ref := ent.ref
	timer := ent.timer
	ent.mu.Unlock()
	r.e.sched.cancel(timer)
	if !ref.IsZero() {
		if c, err := r.e.table.lock(ref); err == nil {
			r.e.destroy(c)
			r.e.unlock(c)
		}
	}
}

func (r *regClients) schedule(ent *regEntry, d time.Duration) {
	id := r.e.sched.after(d, func() { r.send(ent) })
	ent.mu.Lock()
	old := ent.timer
	ent.timer = id
	removed := ent.removed
	ent.mu.Unlock()
	r.e.sched.cancel(old)
	if removed {
		r.e.sched.cancel(id)
	}
}

// retry schedules the next attempt after a failure.
func (r *regClients) retry(ent *regEntry) {
	ent.mu.Lock()
	d := ent.backoff.next()
	ent.mu.Unlock()
	r.schedule(ent, d)
}

func (r *regClients) setState(ent *regEntry, st RegState, errText string) {
	ent.mu.Lock()
	prev := ent.state
	ent.state = st
	ent.lastErr = errText
	name := ent.opts.Name
	addr := ent.opts.Addr
	ent.mu.Unlock()
	if prev != st {
		r.e.notifier.Publish(Notification{Kind: NotifyRegistrationState, Peer: name, Addr: addr, State: string(st), Time: r.e.clock.Now()})
	}
}

// send starts a fresh registration transaction on a new slot.
func (r *regClients) send(ent *regEntry) {
	e := r.e
	ent.mu.Lock()
	if ent.removed {
		ent.mu.Unlock()
		return
	}
	ent.timer = 0
	stale := ent.ref
	ent.ref = CallRef{}
	o := ent.opts
	refresh := ent.refresh
	ent.mu.Unlock()

	if !stale.IsZero() {
		if c, err := e.table.lock(stale); err == nil {
			e.destroy(c)
			e.unlock(c)
		}
	}

	lctx, cancel := e.lookupContext()
	secret := e.registry.resolveSecret(lctx, o.Secret)
	cancel()

	c := e.newCall(kindRegClient, o.Addr)
	c.outbound = true
	c.reg = ent
	c.username = o.Username
	c.outKey = o.OutKey
	c.peerName = o.Name
	if err := e.install(c, false); err != nil {
		e.logger.Warn("cannot allocate registration slot", "registration", o.Name, "error", err)
		r.retry(ent)
		return
	}
	c.secret = secret
	ent.mu.Lock()
	ent.ref = c.ref
	ent.mu.Unlock()

	var b wire.IEBuilder
	b.AddString(wire.IEUsername, o.Username)
	b.AddUint16(wire.IERefresh, uint16(refresh))
	if err := b.Err(); err != nil {
		c.log().Warn("cannot build registration request", "registration", o.Name, "error", err)
		r.fail(c, ent, RegRejected, err.Error())
		e.unlock(c)
		return
	}
	e.sendCommand(c, wire.CmdRegReq, b.Bytes(), 0)
	c.log().Debug("registration request sent", "registration", o.Name, "refresh", refresh)
	e.unlock(c)
	r.setState(ent, RegRequestSent, "")
}

// handleRegAuth answers the server's challenge with a second REGREQ.
func (r *regClients) handleRegAuth(c *call, ies wire.IEs) {
	e := r.e
	ent := c.reg
	if c.kind != kindRegClient || ent == nil {
		return
	}
	if c.authenticated {
		// Our proof was challenged again.
		c.log().Warn("registration credentials refused")
		r.fail(c, ent, RegNoAuth, "authentication refused")
		return
	}
	methods, _ := ies.Uint16(wire.IEAuthMethods)
	challenge := ies.String(wire.IEChallenge)
	secret := ""
	if s := splitSecrets(c.secret); len(s) > 0 {
		secret = s[0]
	}

	ent.mu.Lock()
	refresh := ent.refresh
	ent.mu.Unlock()

	var b wire.IEBuilder
	b.AddString(wire.IEUsername, c.username)
	b.AddUint16(wire.IERefresh, uint16(refresh))
	if !e.answerChallenge(&b, int(methods), challenge, secret, c.outKey) {
		c.log().Warn("no usable authentication method for registration", "methods", methods)
		r.fail(c, ent, RegNoAuth, "no usable authentication method")
		return
	}
	if err := b.Err(); err != nil {
		c.log().Warn("cannot build registration proof", "error", err)
		r.fail(c, ent, RegNoAuth, err.Error())
		return
	}
	c.authenticated = true
	e.sendCommand(c, wire.CmdRegReq, b.Bytes(), 0)
	r.setState(ent, RegAuthSent, "")
}

// handleRegAck records a successful registration and schedules the refresh
// at five sixths of the granted expiry.
func (r *regClients) handleRegAck(c *call, f *wire.FullFrame, ies wire.IEs) {
	e := r.e
	ent := c.reg
	if c.kind != kindRegClient || ent == nil {
		return
	}
	now := e.clock.Now()
	ent.mu.Lock()
	refresh := ent.refresh
	if v, ok := ies.Uint16(wire.IERefresh); ok && v > 0 {
		refresh = int(v)
	}
	ent.refresh = refresh
	if ap, ok := ies.ApparentAddr(); ok {
		ent.apparent = ap
	}
	if v, ok := ies.Uint16(wire.IEMsgCount); ok {
		ent.msgs = int(v)
	}
	ent.registeredAt = now
	ent.expiresAt = now.Add(time.Duration(refresh) * time.Second)
	ent.backoff.reset()
	name := ent.opts.Name
	apparent := ent.apparent
	ent.mu.Unlock()

	c.log().Info("registered", "registration", name, "refresh", refresh, "apparent_addr", apparent.String())
	e.sendAck(c, f.Timestamp)
	c.alreadyGone = true
	e.destroy(c)
	r.setState(ent, RegRegistered, "")
	r.schedule(ent, time.Duration(refresh)*time.Second*5/6)
}

func (r *regClients) handleRegRej(c *call, f *wire.FullFrame, ies wire.IEs) {
	ent := c.reg
	if c.kind != kindRegClient || ent == nil {
		return
	}
	text := ies.String(wire.IECause)
	if text == "" {
		text = "registration rejected"
	}
	c.log().Warn("registration rejected", "registration", ent.opts.Name, "cause", text)
	r.e.sendAck(c, f.Timestamp)
	r.fail(c, ent, RegRejected, text)
}

// fail ends the transaction on c and retries with backoff.
func (r *regClients) fail(c *call, ent *regEntry, st RegState, text string) {
	c.alreadyGone = true
	r.e.destroy(c)
	r.setState(ent, st, text)
	r.retry(ent)
}

// timedOut is called when the server stopped answering a transaction.
func (r *regClients) timedOut(ent *regEntry) {
	r.setState(ent, RegTimeout, "no response")
	r.retry(ent)
}

// callGone forgets a destroyed transaction slot.
func (r *regClients) callGone(ent *regEntry, ref CallRef) {
	ent.mu.Lock()
	if ent.ref == ref {
		ent.ref = CallRef{}
	}
	ent.mu.Unlock()
}

// backoff spaces out registration retries exponentially with jitter.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() backoff {
	return backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter so registrations that failed together do not retry
	// together.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
