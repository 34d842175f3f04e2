package iax

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/flowpbx/flowiax/internal/wire"
)

// RegistrationStore persists the addresses of registered dynamic peers so
// they survive a restart.
type RegistrationStore interface {
	SaveRegistration(ctx context.Context, peer string, addr netip.AddrPort, expires time.Time) error
	DeleteRegistration(ctx context.Context, peer string) error
}

// Registration is a stored registration of a dynamic peer.
type Registration struct {
	Peer      string         `json:"peer"`
	Addr      netip.AddrPort `json:"addr"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// handleRegReq runs the registrar side of REGREQ: the first request is
// challenged unless the peer needs no authentication, the second carries
// the proof.
func (e *Engine) handleRegReq(c *call, ies wire.IEs) {
	p, ok := e.registrarPeer(c, ies)
	if !ok {
		return
	}
	if !e.checkRegProof(c, p, ies) {
		return
	}
	refresh := e.clampRefresh(p, ies)
	e.updateRegistration(p, c.addr, refresh)
	e.sendRegAck(c, p, refresh)
}

// handleRegRel unregisters a peer after the same authentication as a
// registration.
func (e *Engine) handleRegRel(c *call, ies wire.IEs) {
	p, ok := e.registrarPeer(c, ies)
	if !ok {
		return
	}
	if !e.checkRegProof(c, p, ies) {
		return
	}
	e.unregister(p, "released")
	e.sendRegAck(c, p, 0)
}

// registrarPeer finds the dynamic peer a registration names. Failures are
// answered with a delayed REGREJ.
func (e *Engine) registrarPeer(c *call, ies wire.IEs) (*Peer, bool) {
	if c.kind != kindRegistrar {
		return nil, false
	}
	if c.peer != nil {
		return c.peer, true
	}
	src := c.addr.Addr()
	name := ies.String(wire.IEUsername)
	if name == "" {
		c.log().Info("registration without a username")
		e.authFailed(c, wire.CmdRegRej)
		return nil, false
	}
	if e.guard.Blocked(src) {
		c.log().Warn("refusing registration from blocked source", "peer", name)
		e.authFailed(c, wire.CmdRegRej)
		return nil, false
	}
	ctx, cancel := e.lookupContext()
	defer cancel()
	p, err := e.registry.Peer(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrUnknownPeer) {
			c.log().Warn("peer lookup failed", "peer", name, "error", err)
		} else {
			c.log().Info("registration for unknown peer", "peer", name)
		}
		e.authFailed(c, wire.CmdRegRej)
		return nil, false
	}
	if !p.Dynamic {
		c.log().Info("registration for a peer that is not dynamic", "peer", name)
		e.authFailed(c, wire.CmdRegRej)
		return nil, false
	}
	if !p.ACL.Allows(src) {
		c.log().Info("registration denied by acl", "peer", name)
		e.authFailed(c, wire.CmdRegRej)
		return nil, false
	}
	c.peer = p
	c.peerName = p.Name
	c.secret = e.registry.resolveSecret(ctx, p.Secret)
	c.inKeys = p.InKeys
	c.authMethods = effectiveAuthMethods(p.AuthMethods, p.InKeys)
	return p, true
}

// checkRegProof challenges or verifies a registration. It reports true
// once the peer is authenticated.
func (e *Engine) checkRegProof(c *call, p *Peer, ies wire.IEs) bool {
	if c.authenticated || (c.secret == "" && c.inKeys == "") {
		c.authenticated = true
		return true
	}
	if c.challenge == "" {
		c.challenge = newChallenge()
		var b wire.IEBuilder
		b.AddUint16(wire.IEAuthMethods, uint16(c.authMethods))
		b.AddString(wire.IEUsername, p.Name)
		b.AddString(wire.IEChallenge, c.challenge)
		e.sendCommand(c, wire.CmdRegAuth, b.Bytes(), 0)
		e.armTimer(c, timerAutoHangup, e.cfg.AuthTimeout)
		return false
	}
	e.cancelTimer(c, timerAutoHangup)
	if _, ok := e.verifyProof(c.authMethods, c.challenge, splitSecrets(c.secret), c.inKeys, ies); !ok {
		c.log().Warn("registration authentication failed", "peer", p.Name)
		e.authFailed(c, wire.CmdRegRej)
		return false
	}
	c.authenticated = true
	e.guard.Success(c.addr.Addr())
	return true
}

// clampRefresh returns the granted expiry in seconds.
func (e *Engine) clampRefresh(p *Peer, ies wire.IEs) int {
	lo, hi := e.cfg.MinRegExpire, e.cfg.MaxRegExpire
	if p.MinExpire > 0 {
		lo = p.MinExpire
	}
	if p.MaxExpire > 0 {
		hi = p.MaxExpire
	}
	refresh := e.cfg.DefaultRegExpire
	if v, ok := ies.Uint16(wire.IERefresh); ok {
		refresh = int(v)
	}
	return min(max(refresh, lo), hi)
}

// updateRegistration records a new or refreshed registration of p at addr.
func (e *Engine) updateRegistration(p *Peer, addr netip.AddrPort, refresh int) {
	now := e.clock.Now()
	expires := now.Add(time.Duration(refresh) * time.Second)
	id := e.sched.at(expires, func() { e.expireRegistration(p, expires) })

	p.mu.Lock()
	changed := p.addr != addr
	p.addr = addr
	p.expiresAt = expires
	p.expiry = refresh
	old := p.expireID
	p.expireID = id
	p.mu.Unlock()
	e.sched.cancel(old)

	if e.store != nil {
		ctx, cancel := e.lookupContext()
		if err := e.store.SaveRegistration(ctx, p.Name, addr, expires); err != nil {
			e.logger.Warn("saving registration failed", "peer", p.Name, "error", err)
		}
		cancel()
	}
	if changed {
		e.notifier.Publish(Notification{Kind: NotifyRegistered, Peer: p.Name, Addr: addr, Time: now})
		e.qualify.schedule(p, 0)
	}
}

// expireRegistration drops p's address unless it was refreshed meanwhile.
func (e *Engine) expireRegistration(p *Peer, expires time.Time) {
	p.mu.Lock()
	current := p.expiresAt.Equal(expires)
	p.mu.Unlock()
	if current {
		e.unregister(p, "expired")
	}
}

func (e *Engine) unregister(p *Peer, reason string) {
	p.mu.Lock()
	addr := p.addr
	p.addr = netip.AddrPort{}
	p.expiresAt = time.Time{}
	p.expiry = 0
	old := p.expireID
	p.expireID = 0
	p.mu.Unlock()
	e.sched.cancel(old)

	if e.store != nil {
		ctx, cancel := e.lookupContext()
		if err := e.store.DeleteRegistration(ctx, p.Name); err != nil {
			e.logger.Warn("deleting registration failed", "peer", p.Name, "error", err)
		}
		cancel()
	}
	if addr.IsValid() {
		e.notifier.Publish(Notification{Kind: NotifyUnregistered, Peer: p.Name, Addr: addr, State: reason, Time: e.clock.Now()})
	}
}

func (e *Engine) sendRegAck(c *call, p *Peer, refresh int) {
	p.mu.Lock()
	msgs := p.MailboxMsgs
	p.mu.Unlock()

	var b wire.IEBuilder
	b.AddString(wire.IEUsername, p.Name)
	b.AddDateTime(e.clock.Now())
	b.AddApparentAddr(c.addr)
	b.AddUint16(wire.IERefresh, uint16(refresh))
	b.AddUint16(wire.IEMsgCount, uint16(min(msgs, 0xffff)))
	c.log().Info("peer registered", "peer", p.Name, "refresh", refresh)
	e.sendCommand(c, wire.CmdRegAck, b.Bytes(), sendFinal)
}

// RestoreRegistrations reinstates stored registrations at start-up.
// Expired entries and entries for unknown peers are dropped from the
// store.
func (e *Engine) RestoreRegistrations(ctx context.Context, regs []Registration) int {
	now := e.clock.Now()
	n := 0
	for _, r := range regs {
		p, err := e.registry.Peer(ctx, r.Peer)
		if err != nil || !p.Dynamic || !r.ExpiresAt.After(now) || !r.Addr.IsValid() {
			if e.store != nil {
				if err := e.store.DeleteRegistration(ctx, r.Peer); err != nil {
					e.logger.Warn("deleting stale registration failed", "peer", r.Peer, "error", err)
				}
			}
			continue
		}
		expires := r.ExpiresAt
		id := e.sched.at(expires, func() { e.expireRegistration(p, expires) })
		p.mu.Lock()
		p.addr = r.Addr
		p.expiresAt = expires
		p.expiry = int(expires.Sub(now) / time.Second)
		old := p.expireID
		p.expireID = id
		p.mu.Unlock()
		e.sched.cancel(old)
		n++
	}
	e.logger.Info("registrations restored", "count", n, "stored", len(regs))
	return n
}

// Registrations lists the dynamic peers that are currently registered.
func (e *Engine) Registrations() []Registration {
	var out []Registration
	for _, p := range e.registry.Peers() {
		if !p.Dynamic {
			continue
		}
		p.mu.Lock()
		if p.addr.IsValid() {
			out = append(out, Registration{Peer: p.Name, Addr: p.addr, ExpiresAt: p.expiresAt})
		}
		p.mu.Unlock()
	}
	return out
}

// Unregister drops the registration of a dynamic peer by hand.
func (e *Engine) Unregister(name string) error {
	p, err := e.registry.Peer(context.Background(), name)
	if err != nil {
		return err
	}
	if !p.Dynamic {
		return fmt.Errorf("peer %q is not dynamic", name)
	}
	e.unregister(p, "administrative")
	return nil
}
