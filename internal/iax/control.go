package iax

import (
	"context"
	"net/netip"
	"time"

	"github.com/flowpbx/flowiax/internal/codec"
	"github.com/flowpbx/flowiax/internal/wire"
)

// lookupTimeout bounds registry lookups made while a datagram is handled.
const lookupTimeout = 2 * time.Second

const (
	textNoSuchExtension = "No such context/extension"
	textNoCodec         = "Unable to negotiate codec"
	textVersionMismatch = "Protocol version mismatch"
)

// handleCommand dispatches an IAX command. c is locked and may be
// destroyed.
func (e *Engine) handleCommand(c *call, from netip.AddrPort, f *wire.FullFrame) {
	ies, err := wire.ParseIEs(f.Payload)
	if err != nil {
		c.log().Debug("dropping undecodable command", "frame", wire.CommandName(f.Subclass), "error", err)
		return
	}
	switch f.Subclass {
	case wire.CmdAck:
	case wire.CmdNew:
		e.handleNew(c, ies)
	case wire.CmdPing:
		var b wire.IEBuilder
		c.stats.appendRR(&b)
		e.send(c, wire.TypeIAX, wire.CmdPong, f.Timestamp, b.Bytes(), 0)
	case wire.CmdPong:
		e.handlePong(c, f, ies)
	case wire.CmdLagRq:
		e.send(c, wire.TypeIAX, wire.CmdLagRp, f.Timestamp, nil, 0)
	case wire.CmdLagRp:
		c.lag = int(c.tx.stamp(stampGenuine, 0, e.clock.Now())) - int(f.Timestamp)
	case wire.CmdHangup, wire.CmdReject:
		e.handleRemoteHangup(c, f, ies)
	case wire.CmdAccept:
		e.handleAccept(c, ies)
	case wire.CmdAuthReq:
		e.handleAuthReq(c, ies)
	case wire.CmdAuthRep:
		e.handleAuthRep(c, f, ies)
	case wire.CmdInval:
		c.log().Debug("peer invalidated call")
		e.hangupWith(c, EventHangup, CauseNormalClearing, "")
	case wire.CmdVNAK:
		e.resendFrom(c, f.ISeqNo)
	case wire.CmdRegReq:
		e.handleRegReq(c, ies)
	case wire.CmdRegRel:
		e.handleRegRel(c, ies)
	case wire.CmdRegAuth:
		e.regs.handleRegAuth(c, ies)
	case wire.CmdRegAck:
		e.regs.handleRegAck(c, f, ies)
	case wire.CmdRegRej:
		e.regs.handleRegRej(c, f, ies)
	case wire.CmdPoke:
		e.handlePoke(c, f)
	case wire.CmdDPReq:
		e.handleDPReq(c, ies)
	case wire.CmdDPRep:
		e.dpcache.handleReply(c, ies)
	case wire.CmdDial:
		e.handleDial(c, ies)
	case wire.CmdTxReq:
		e.handleTxReq(c, ies)
	case wire.CmdTxReady:
		e.handleTxReady(c)
	case wire.CmdTxRel, wire.CmdTxMedia:
		e.handleTxRel(c, f, ies)
	case wire.CmdTxRej:
		e.handleTxRej(c)
	case wire.CmdTxCnt, wire.CmdTxAcc:
		// Only meaningful on the transfer path.
	case wire.CmdTransfer:
		e.emit(c, Event{Kind: EventTransfer, Called: ies.String(wire.IECalledNumber), Context: ies.String(wire.IECalledContext)})
	case wire.CmdQuelch:
		c.quelch = true
	case wire.CmdUnquelch:
		c.quelch = false
	case wire.CmdUnsupport:
		v, _ := ies.Uint8(wire.IEIAXUnknown)
		c.log().Debug("peer does not support command", "command", wire.CommandName(int(v)))
	case wire.CmdMWI:
		c.log().Debug("ignoring message waiting indication")
	default:
		c.log().Debug("unsupported command", "command", wire.CommandName(f.Subclass))
		var b wire.IEBuilder
		b.AddUint8(wire.IEIAXUnknown, uint8(f.Subclass))
		e.sendCommand(c, wire.CmdUnsupport, b.Bytes(), 0)
	}
}

func (e *Engine) lookupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), lookupTimeout)
}

// handleNew processes an inbound NEW: version check, user match, then
// either a challenge or straight acceptance.
func (e *Engine) handleNew(c *call, ies wire.IEs) {
	if c.kind != kindCall || c.outbound || c.started || c.tbd || c.user != nil {
		c.log().Debug("ignoring duplicate NEW")
		return
	}
	src := c.addr.Addr()
	if e.guard.Blocked(src) {
		c.log().Warn("refusing call from blocked source")
		e.reject(c, authTextNoAuthority, CauseFacilityNotSubscribed)
		return
	}
	if v, ok := ies.Uint16(wire.IEVersion); ok && v != wire.ProtocolVersion {
		c.log().Info("rejecting call with wrong protocol version", "version", v)
		e.reject(c, textVersionMismatch, CauseInterworking)
		return
	}

	c.exten = ies.String(wire.IECalledNumber)
	if c.exten == "" {
		c.exten = "s"
	}
	c.context = ies.String(wire.IECalledContext)
	c.callerNum = ies.String(wire.IECallingNumber)
	c.callerName = ies.String(wire.IECallingName)
	c.ani = ies.String(wire.IECallingANI)
	c.dnid = ies.String(wire.IEDNID)
	c.rdnis = ies.String(wire.IERDNIS)
	c.language = ies.String(wire.IELanguage)
	c.username = ies.String(wire.IEUsername)
	if v, ok := ies.Uint32(wire.IECapability); ok {
		c.peerCap = codec.Capability(v)
	}
	if v, ok := ies.Uint32(wire.IEFormat); ok {
		c.requested = codec.Format(v)
	}
	c.callerPrefs = codec.DecodePrefs(ies.String(wire.IECodecPrefs))
	offered, _ := ies.Uint16(wire.IEEncryption)

	ctx, cancel := e.lookupContext()
	defer cancel()
	u := e.registry.matchUser(ctx, c.username, c.context, src)
	if u == nil {
		c.log().Info("rejected connect attempt", "user", c.username, "called", c.exten+"@"+c.context)
		e.authFailed(c, wire.CmdReject)
		return
	}
	e.applyUser(c, u)
	c.secret = e.registry.resolveSecret(ctx, u.Secret)
	c.authMethods = effectiveAuthMethods(u.AuthMethods, u.InKeys)
	if c.authMethods&wire.AuthMD5 != 0 {
		c.encMethods = int(offered) & u.Encryption
	}
	if u.ForceEncryption && c.encMethods == 0 {
		c.log().Info("rejected call without encryption", "user", u.Name)
		e.authFailed(c, wire.CmdReject)
		return
	}
	if u.Trunk && e.promote(c) != nil {
		c.trunk = false
	}
	if !u.requiresAuth() {
		e.guard.Success(src)
		e.finishInbound(c)
		return
	}
	e.requestAuth(c)
}

// applyUser copies what a call needs from u.
func (e *Engine) applyUser(c *call, u *User) {
	c.user = u
	c.inKeys = u.InKeys
	c.trunk = u.Trunk
	if c.context == "" {
		c.context = u.Context()
	}
	if c.context == "" {
		c.context = "default"
	}
	c.capability = u.Capability
	if c.capability == 0 {
		c.capability = e.cfg.Capability
	}
	c.prefs = u.Prefs
	if len(c.prefs) == 0 {
		c.prefs = e.cfg.Prefs
	}
	c.policy = u.Policy
	if u.CallerNum != "" {
		c.callerNum = u.CallerNum
	}
	if u.CallerName != "" {
		c.callerName = u.CallerName
	}
	if c.language == "" {
		c.language = u.Language
	}
	if c.language == "" {
		c.language = e.cfg.Language
	}
}

// requestAuth sends AUTHREQ and waits for AUTHREP.
func (e *Engine) requestAuth(c *call) {
	if !e.registry.acquireAuth(c.user, e.cfg.MaxAuthReq) {
		c.log().Warn("too many unauthenticated calls", "user", c.user.Name)
		e.reject(c, authTextLimitReached, CauseCallRejected)
		return
	}
	c.authCounted = true
	c.challenge = newChallenge()

	var b wire.IEBuilder
	b.AddUint16(wire.IEAuthMethods, uint16(c.authMethods))
	b.AddString(wire.IEUsername, c.user.Name)
	if c.authMethods&(wire.AuthMD5|wire.AuthRSA) != 0 {
		b.AddString(wire.IEChallenge, c.challenge)
	}
	if c.encMethods != 0 {
		b.AddUint16(wire.IEEncryption, uint16(c.encMethods))
	}
	if err := b.Err(); err != nil {
		c.log().Error("cannot build authentication challenge", "user", c.user.Name, "error", err)
		e.reject(c, authTextNoAuthority, CauseFacilityRejected)
		return
	}
	e.sendCommand(c, wire.CmdAuthReq, b.Bytes(), 0)
	if c.encMethods != 0 {
		c.encrypted = true
		c.keys = candidateKeys(c.challenge, splitSecrets(c.secret))
	}
	e.armTimer(c, timerAutoHangup, e.cfg.AuthTimeout)
}

func (e *Engine) handleAuthRep(c *call, f *wire.FullFrame, ies wire.IEs) {
	if c.kind != kindCall || c.outbound || c.user == nil {
		return
	}
	if e.cfg.AuthRejectDelay > 0 {
		e.sendAck(c, f.Timestamp)
	}
	if c.started || c.tbd || c.authenticated {
		return
	}
	e.cancelTimer(c, timerAutoHangup)
	if c.authCounted {
		e.registry.releaseAuth(c.user)
		c.authCounted = false
	}
	if _, ok := e.verifyProof(c.authMethods, c.challenge, splitSecrets(c.secret), c.inKeys, ies); !ok {
		c.log().Warn("authentication failed", "user", c.user.Name)
		e.authFailed(c, wire.CmdReject)
		return
	}
	c.authenticated = true
	e.guard.Success(c.addr.Addr())
	e.finishInbound(c)
}

// authFailed answers a failed authentication with cmd (REJECT or REGREJ),
// after the configured delay.
func (e *Engine) authFailed(c *call, cmd int) {
	e.guard.Failure(c.addr.Addr())
	c.authFail = cmd
	if e.cfg.AuthRejectDelay > 0 {
		e.armTimer(c, timerAuthReject, e.cfg.AuthRejectDelay)
		return
	}
	e.sendAuthReject(c)
}

func (e *Engine) sendAuthReject(c *call) {
	var b wire.IEBuilder
	if c.authFail == wire.CmdRegRej {
		b.AddString(wire.IECause, authTextRegRefused)
		b.AddUint8(wire.IECauseCode, CauseFacilityRejected)
	} else {
		c.authFail = wire.CmdReject
		b.AddString(wire.IECause, authTextNoAuthority)
		b.AddUint8(wire.IECauseCode, CauseFacilityNotSubscribed)
	}
	e.sendCommand(c, c.authFail, b.Bytes(), sendFinal)
}

// authTimeout hangs up a caller that never answered our challenge.
func (e *Engine) authTimeout(c *call) {
	if c.kind != kindCall {
		c.log().Debug("registration abandoned after challenge")
		c.alreadyGone = true
		e.destroy(c)
		return
	}
	c.log().Info("no authentication reply, hanging up")
	e.sendHangup(c, CauseNoUserResponse, "Timeout")
}

// reject refuses c with a final REJECT. An attached upper layer is told at
// once.
func (e *Engine) reject(c *call, text string, cause int) {
	var b wire.IEBuilder
	b.AddString(wire.IECause, text)
	b.AddUint8(wire.IECauseCode, uint8(cause))
	e.stopStuff(c)
	e.sendCommand(c, wire.CmdReject, b.Bytes(), sendFinal)
	if c.hasChannel {
		e.emit(c, Event{Kind: EventHangup, Cause: cause, Text: text})
		c.hasChannel = false
	}
}

// sendHangup sends a final HANGUP.
func (e *Engine) sendHangup(c *call, cause int, text string) {
	var b wire.IEBuilder
	if text != "" {
		b.AddString(wire.IECause, text)
	}
	if cause != 0 {
		b.AddUint8(wire.IECauseCode, uint8(cause))
	}
	e.stopStuff(c)
	e.sendCommand(c, wire.CmdHangup, b.Bytes(), sendFinal)
}

func (e *Engine) extensionExists(c *call) bool {
	if e.dialplan == nil {
		return true
	}
	return e.dialplan.Query(c.context, c.exten, c.callerNum)&wire.DPStatusExists != 0
}

// finishInbound accepts an authenticated inbound call: the extension must
// exist (unless it is still to be dialled) and a codec must be agreed.
func (e *Engine) finishInbound(c *call) {
	c.tbd = c.exten == "TBD"
	if !c.tbd && !e.extensionExists(c) {
		c.log().Info("rejected call to unknown extension", "called", c.exten+"@"+c.context)
		e.reject(c, textNoSuchExtension, CauseNoRouteDestination)
		return
	}
	format, err := codec.Negotiate(c.policy, codec.Offer{
		Local:       c.capability,
		Peer:        c.peerCap,
		Requested:   c.requested,
		HostPrefs:   c.prefs,
		CallerPrefs: c.callerPrefs,
	})
	if err != nil {
		c.log().Info("rejected call without common codec", "error", err)
		e.reject(c, textNoCodec, CauseBearerNotAvailable)
		return
	}
	c.format = format

	var b wire.IEBuilder
	b.AddUint32(wire.IEFormat, uint32(format))
	e.sendCommand(c, wire.CmdAccept, b.Bytes(), 0)
	e.startKeepalive(c)
	if c.tbd {
		c.log().Debug("accepted call awaiting DIAL")
		return
	}
	c.started = true
	c.log().Info("accepted call", "called", c.exten+"@"+c.context, "format", format.String(), "encrypted", c.encrypted)
	e.attachChannel(c)
}

func (e *Engine) attachChannel(c *call) {
	c.hasChannel = true
	info, h := c.info(), e.handler
	e.later(c, func() { h.NewChannel(info) })
}

func (e *Engine) handleDial(c *call, ies wire.IEs) {
	if !c.tbd {
		return
	}
	c.tbd = false
	c.exten = ies.String(wire.IECalledNumber)
	if c.exten == "" {
		c.exten = "s"
	}
	if !e.extensionExists(c) {
		c.log().Info("rejected dial to unknown extension", "called", c.exten+"@"+c.context)
		e.reject(c, textNoSuchExtension, CauseNoRouteDestination)
		return
	}
	c.started = true
	e.attachChannel(c)
}

// handleAccept completes an outbound call.
func (e *Engine) handleAccept(c *call, ies wire.IEs) {
	if !c.outbound || c.started {
		return
	}
	format := c.capability
	if v, ok := ies.Uint32(wire.IEFormat); ok {
		format = codec.Format(v)
	}
	if err := codec.Accepted(format, c.capability); err != nil {
		c.log().Warn("peer accepted with an unusable format", "error", err)
		e.reject(c, textNoCodec, CauseBearerNotAvailable)
		return
	}
	c.format = format
	c.started = true
	e.cancelTimer(c, timerAutoCongest)
	e.startKeepalive(c)
	e.emit(c, Event{Kind: EventFormat, Format: format})
	if c.dp != nil {
		e.dpcache.sessionUp(c)
	}
}

func (e *Engine) handleRemoteHangup(c *call, f *wire.FullFrame, ies wire.IEs) {
	cause := CauseNormalClearing
	if v, ok := ies.Uint8(wire.IECauseCode); ok && v != 0 {
		cause = int(v)
	}
	text := ies.String(wire.IECause)
	if f.Subclass == wire.CmdReject {
		c.log().Info("call rejected by peer", "cause", cause, "text", text)
	} else {
		c.log().Debug("peer hung up", "cause", cause)
	}
	e.sendAck(c, f.Timestamp)
	e.hangupWith(c, EventHangup, cause, text)
}

func (e *Engine) startKeepalive(c *call) {
	e.armTimer(c, timerPing, e.cfg.PingInterval)
	e.armTimer(c, timerLag, e.cfg.LagInterval)
}

func (e *Engine) sendPing(c *call) {
	if c.peerCall != 0 {
		e.sendCommand(c, wire.CmdPing, nil, 0)
	}
	e.armTimer(c, timerPing, e.cfg.PingInterval)
}

func (e *Engine) sendLagRequest(c *call) {
	if c.peerCall != 0 {
		e.sendCommand(c, wire.CmdLagRq, nil, 0)
	}
	e.armTimer(c, timerLag, e.cfg.LagInterval)
}

func (e *Engine) handlePong(c *call, f *wire.FullFrame, ies wire.IEs) {
	rtt := int(c.tx.stamp(stampGenuine, 0, e.clock.Now())) - int(f.Timestamp)
	if c.kind == kindPoke {
		e.qualify.handlePong(c, rtt, f.Timestamp)
		return
	}
	c.pingtime = max(rtt, 0)
	c.stats.saveRR(ies)
}

// autoCongest fires when a dialled peer is slow to accept.
func (e *Engine) autoCongest(c *call) {
	c.log().Info("auto-congesting call due to slow response")
	e.emit(c, Event{Kind: EventCongestion, Cause: CauseCongestion})
}

// handlePoke answers a qualify poke from the far end.
func (e *Engine) handlePoke(c *call, f *wire.FullFrame) {
	if c.kind != kindPokeReply {
		return
	}
	e.send(c, wire.TypeIAX, wire.CmdPong, f.Timestamp, nil, sendFinal)
}

// handleDPReq answers an extension query on a dialplan session.
func (e *Engine) handleDPReq(c *call, ies wire.IEs) {
	if !c.tbd && !c.started {
		return
	}
	exten := ies.String(wire.IECalledNumber)
	status := DialplanStatus(wire.DPStatusNonExistent)
	if e.dialplan != nil {
		status = e.dialplan.Query(c.context, exten, c.callerNum)
	}
	if status == 0 {
		status = wire.DPStatusNonExistent
	}
	var b wire.IEBuilder
	b.AddString(wire.IECalledNumber, exten)
	b.AddUint16(wire.IEDPStatus, uint16(status))
	b.AddUint16(wire.IERefresh, uint16(e.cfg.DPCacheTTL/time.Second))
	e.sendCommand(c, wire.CmdDPRep, b.Bytes(), 0)
}

// promote moves c into the trunk range and carries its timers and queued
// frames along.
func (e *Engine) promote(c *call) error {
	old, err := e.table.promote(c)
	if err != nil {
		c.log().Warn("trunk promotion failed, staying in the ordinary range", "error", err)
		return err
	}
	if old != c.ref {
		e.relocate(c, old)
	}
	return nil
}
