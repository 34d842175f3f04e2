package iax

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/flowpbx/flowiax/internal/codec"
	"github.com/flowpbx/flowiax/internal/wire"
)

// DialOptions describes an outbound call. Either Peer or Addr must be set;
// fields left empty are taken from the peer entry.
type DialOptions struct {
	Peer       string
	Addr       netip.AddrPort
	Username   string
	Secret     string
	Called     string
	Context    string
	CallerNum  string
	CallerName string
	ANI        string
	DNID       string
	RDNIS      string
	Language   string
	Capability codec.Capability
	// Format is the preferred format; zero picks from the preferences.
	Format  codec.Format
	Encrypt bool
	// WaitRegistered bounds how long a dial to an unregistered dynamic
	// peer waits for it to register.
	WaitRegistered time.Duration
}

// Dial places an outbound call and returns its ref. Progress is reported to
// the handler as events on that ref.
func (e *Engine) Dial(ctx context.Context, o DialOptions) (CallRef, error) {
	if e.closed.Load() {
		return CallRef{}, ErrEngineClosed
	}
	var p *Peer
	addr := o.Addr
	if o.Peer != "" {
		var err error
		if p, err = e.registry.Peer(ctx, o.Peer); err != nil {
			return CallRef{}, err
		}
		if addr, err = e.peerAddr(ctx, p, o.WaitRegistered); err != nil {
			return CallRef{}, err
		}
	}
	if !addr.IsValid() {
		return CallRef{}, fmt.Errorf("dialing %q: no address: %w", o.Peer, ErrPeerUnreachable)
	}

	c := e.newCall(kindCall, addr)
	c.outbound = true
	c.exten = o.Called
	c.context = o.Context
	c.callerNum = o.CallerNum
	c.callerName = o.CallerName
	c.ani = o.ANI
	c.dnid = o.DNID
	c.rdnis = o.RDNIS
	c.language = o.Language
	c.username = o.Username
	c.secret = o.Secret
	c.capability = o.Capability
	c.prefs = e.cfg.Prefs
	if o.Encrypt {
		c.encMethods = wire.EncryptAESCBC
	}
	if p != nil {
		e.applyPeer(ctx, c, p)
	}
	if c.capability == 0 {
		c.capability = e.cfg.Capability
	}
	if c.language == "" {
		c.language = e.cfg.Language
	}
	format := o.Format & c.capability
	if !format.Single() {
		format = c.prefs.Choose(c.capability, true)
	}

	if err := e.install(c, false); err != nil {
		return CallRef{}, err
	}
	if c.trunk && e.promote(c) != nil {
		c.trunk = false
	}
	c.hasChannel = true

	ies, err := e.newIEs(c, format)
	if err != nil {
		e.destroy(c)
		e.unlock(c)
		return CallRef{}, err
	}
	e.sendCommand(c, wire.CmdNew, ies, 0)
	if c.maxms > 0 {
		e.armTimer(c, timerAutoCongest, time.Duration(2*c.maxms)*time.Millisecond)
	}
	ref := c.ref
	c.log().Info("dialing", "called", c.exten, "format", format.String(), "trunk", c.trunk)
	e.unlock(c)
	return ref, nil
}

// newIEs builds the information elements of a NEW for c.
func (e *Engine) newIEs(c *call, format codec.Format) ([]byte, error) {
	var b wire.IEBuilder
	b.AddUint16(wire.IEVersion, wire.ProtocolVersion)
	if c.exten != "" {
		b.AddString(wire.IECalledNumber, c.exten)
	}
	if c.callerNum != "" {
		b.AddString(wire.IECallingNumber, c.callerNum)
	}
	if c.ani != "" {
		b.AddString(wire.IECallingANI, c.ani)
	}
	if c.callerName != "" {
		b.AddString(wire.IECallingName, c.callerName)
	}
	if c.language != "" {
		b.AddString(wire.IELanguage, c.language)
	}
	if c.dnid != "" {
		b.AddString(wire.IEDNID, c.dnid)
	}
	if c.rdnis != "" {
		b.AddString(wire.IERDNIS, c.rdnis)
	}
	if c.context != "" {
		b.AddString(wire.IECalledContext, c.context)
	}
	if c.username != "" {
		b.AddString(wire.IEUsername, c.username)
	}
	b.AddUint32(wire.IEFormat, uint32(format))
	b.AddUint32(wire.IECapability, uint32(c.capability))
	if len(c.prefs) > 0 {
		b.AddString(wire.IECodecPrefs, c.prefs.Encode())
	}
	if c.encMethods != 0 {
		b.AddUint16(wire.IEEncryption, uint16(c.encMethods))
	}
	b.AddDateTime(e.clock.Now())
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("building NEW: %w", err)
	}
	return b.Bytes(), nil
}

// peerAddr returns where p can be reached, optionally waiting for a dynamic
// peer to register first. A qualified peer that is known to be unreachable
// is refused.
func (e *Engine) peerAddr(ctx context.Context, p *Peer, wait time.Duration) (netip.AddrPort, error) {
	addr := p.Addr()
	if !addr.IsValid() && p.Dynamic && wait > 0 {
		wctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if !e.notifier.WaitForRegistration(wctx, p.Name) {
			return netip.AddrPort{}, fmt.Errorf("peer %q did not register: %w", p.Name, ErrPeerUnreachable)
		}
		addr = p.Addr()
	}
	if !addr.IsValid() {
		return netip.AddrPort{}, fmt.Errorf("peer %q has no address: %w", p.Name, ErrPeerUnreachable)
	}
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if p.MaxMS > 0 && state == PeerUnreachable {
		return netip.AddrPort{}, fmt.Errorf("peer %q: %w", p.Name, ErrPeerUnreachable)
	}
	return addr, nil
}

// applyPeer copies the peer's settings into c where the dial left them
// empty.
func (e *Engine) applyPeer(ctx context.Context, c *call, p *Peer) {
	c.peer = p
	c.peerName = p.Name
	if c.username == "" {
		c.username = p.Username
	}
	if c.secret == "" {
		c.secret = e.registry.resolveSecret(ctx, p.Secret)
	}
	if c.context == "" {
		c.context = p.Context
	}
	c.outKey = p.OutKey
	if c.capability == 0 {
		c.capability = p.Capability
	}
	if len(p.Prefs) > 0 {
		c.prefs = p.Prefs
	}
	if p.Encryption != 0 {
		c.encMethods = p.Encryption
	}
	c.trunk = p.Trunk
	c.maxms = p.MaxMS
}

// handleAuthReq answers the far end's challenge on an outbound call. When
// encryption was agreed the reply is already sent encrypted.
func (e *Engine) handleAuthReq(c *call, ies wire.IEs) {
	if !c.outbound || c.started || (c.kind != kindCall && c.kind != kindDialplan) {
		return
	}
	methods, _ := ies.Uint16(wire.IEAuthMethods)
	challenge := ies.String(wire.IEChallenge)
	offered, _ := ies.Uint16(wire.IEEncryption)
	c.encMethods &= int(offered)

	secret := ""
	if s := splitSecrets(c.secret); len(s) > 0 {
		secret = s[0]
	}
	if c.encMethods != 0 {
		if secret == "" {
			c.log().Warn("encryption requested without a secret")
			e.sendHangup(c, CauseFacilityRejected, "No secret for encryption")
			e.emit(c, Event{Kind: EventHangup, Cause: CauseFacilityRejected})
			c.hasChannel = false
			return
		}
		c.crypt = wire.NewCrypter(wire.DeriveKey(challenge, secret))
		c.encrypted = true
	}

	var b wire.IEBuilder
	if !e.answerChallenge(&b, int(methods), challenge, secret, c.outKey) || b.Err() != nil {
		c.log().Warn("cannot answer authentication challenge", "methods", methods, "error", b.Err())
		e.sendHangup(c, CauseFacilityRejected, authTextNoAuthority)
		e.emit(c, Event{Kind: EventHangup, Cause: CauseFacilityRejected, Text: authTextNoAuthority})
		c.hasChannel = false
		return
	}
	e.sendCommand(c, wire.CmdAuthRep, b.Bytes(), 0)
}

// withCall runs fn on the locked call ref.
func (e *Engine) withCall(ref CallRef, fn func(c *call) error) error {
	c, err := e.table.lock(ref)
	if err != nil {
		return err
	}
	defer e.unlock(c)
	return fn(c)
}

// Hangup ends a call. The upper layer gets no further events for it.
func (e *Engine) Hangup(ref CallRef, cause int) error {
	return e.withCall(ref, func(c *call) error {
		c.hasChannel = false
		if c.alreadyGone {
			// A pending final frame destroys the call once it is acked.
			if len(e.queue.frames(c.ref)) == 0 {
				e.destroy(c)
			}
			return nil
		}
		if cause == 0 {
			cause = CauseNormalClearing
		}
		c.log().Debug("hanging up", "cause", cause)
		e.sendHangup(c, cause, "")
		c.alreadyGone = true
		return nil
	})
}

// Answer tells the far end an inbound call was answered.
func (e *Engine) Answer(ref CallRef) error {
	return e.withCall(ref, func(c *call) error {
		if !c.started {
			return ErrNotLinked
		}
		c.answered = true
		e.sendControlLocked(c, wire.CtrlAnswer, nil)
		return nil
	})
}

// Ring tells the far end the call is ringing.
func (e *Engine) Ring(ref CallRef) error {
	return e.SendControl(ref, wire.CtrlRinging, nil)
}

// SendControl sends a CONTROL frame with the given subclass.
func (e *Engine) SendControl(ref CallRef, sub int, payload []byte) error {
	return e.withCall(ref, func(c *call) error {
		if !c.started {
			return ErrNotLinked
		}
		e.sendControlLocked(c, sub, payload)
		return nil
	})
}

func (e *Engine) sendControlLocked(c *call, sub int, payload []byte) {
	e.send(c, wire.TypeControl, sub, c.tx.stamp(stampOther, 0, e.clock.Now()), payload, 0)
}

// SendDTMF sends a digit as a DTMF end frame, or a begin frame if begin is
// set.
func (e *Engine) SendDTMF(ref CallRef, digit rune, begin bool) error {
	t := wire.TypeDTMF
	if begin {
		t = wire.TypeDTMFBegin
	}
	return e.withCall(ref, func(c *call) error {
		if !c.started {
			return ErrNotLinked
		}
		e.send(c, t, int(digit), c.tx.stamp(stampOther, 0, e.clock.Now()), nil, 0)
		return nil
	})
}

// SendText sends a NUL terminated TEXT frame.
func (e *Engine) SendText(ref CallRef, text string) error {
	return e.withCall(ref, func(c *call) error {
		if !c.started {
			return ErrNotLinked
		}
		payload := append([]byte(text), 0)
		e.send(c, wire.TypeText, 0, c.tx.stamp(stampOther, 0, e.clock.Now()), payload, 0)
		return nil
	})
}

// Transfer asks the far end to redirect the call to exten in context.
func (e *Engine) Transfer(ref CallRef, exten, context string) error {
	return e.withCall(ref, func(c *call) error {
		if !c.started {
			return ErrNotLinked
		}
		var b wire.IEBuilder
		b.AddString(wire.IECalledNumber, exten)
		if context != "" {
			b.AddString(wire.IECalledContext, context)
		}
		if err := b.Err(); err != nil {
			return fmt.Errorf("building TRANSFER: %w", err)
		}
		e.sendCommand(c, wire.CmdTransfer, b.Bytes(), 0)
		return nil
	})
}

// WriteVoice sends one voice frame of format f. A full frame goes out when
// the format changes or the 16 bit mini stamp would wrap; otherwise the
// frame travels as a mini frame or inside the peer's trunk.
func (e *Engine) WriteVoice(ref CallRef, f codec.Format, payload []byte) error {
	if !f.Single() || !f.IsAudio() {
		return fmt.Errorf("voice format %s: %w", f, codec.ErrNoCommonFormat)
	}
	return e.withCall(ref, func(c *call) error {
		if !c.started {
			return ErrNotLinked
		}
		if c.quelch {
			return nil
		}
		prev := c.tx.lastSent
		ts := c.tx.stamp(stampVoice, f.DurationMs(len(payload)), e.clock.Now())
		if f != c.txVoiceFormat || ts&0xffff0000 != prev&0xffff0000 {
			c.txVoiceFormat = f
			e.send(c, wire.TypeVoice, int(f), ts, payload, 0)
			return nil
		}
		if c.trunk && !c.encrypted {
			err := e.trunks.enqueue(c, ts, payload)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrTrunkBufferFull) {
				return err
			}
			c.log().Debug("trunk buffer full, sending mini frame")
		}
		m := wire.MiniFrame{Call: c.ref.Num, Timestamp: uint16(ts), Payload: payload}
		buf := m.Marshal()
		if c.encrypted && c.crypt != nil {
			buf = c.crypt.Encrypt(buf)
		}
		e.write(buf, c.addr)
		return nil
	})
}

// WriteVideo sends one video frame. Encrypted calls always use full frames
// since video mini frames cannot be encrypted.
func (e *Engine) WriteVideo(ref CallRef, f codec.Format, key bool, payload []byte) error {
	if !f.Single() || f.IsAudio() {
		return fmt.Errorf("video format %s: %w", f, codec.ErrNoCommonFormat)
	}
	return e.withCall(ref, func(c *call) error {
		if !c.started {
			return ErrNotLinked
		}
		if c.quelch {
			return nil
		}
		ts := c.tx.stamp(stampVideo, 0, e.clock.Now())
		full := c.encrypted || f != c.txVideoFormat || ts&^0x7fff != c.lastVideoTs&^0x7fff
		c.lastVideoTs = ts
		if full {
			c.txVideoFormat = f
			sub := int(f)
			if key {
				sub |= 1
			}
			e.send(c, wire.TypeVideo, sub, ts, payload, 0)
			return nil
		}
		v := wire.VideoFrame{Call: c.ref.Num, Timestamp: uint16(ts & 0x7fff), Key: key, Payload: payload}
		e.write(v.Marshal(), c.addr)
		return nil
	})
}
