package wire

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrMultiBitSubclass is returned when a subclass of 128 or more has more
// than one bit set and therefore has no compressed form.
var ErrMultiBitSubclass = errors.New("subclass has more than one bit set")

// SubclassNone is what the reserved 0xff byte decodes to.
const SubclassNone = -1

// CompressSubclass packs a subclass into one byte. Values below 0x80 pass
// through; single-bit values store the bit index with the 0x80 marker.
// Anything else compresses to zero alongside ErrMultiBitSubclass.
func CompressSubclass(v int) (byte, error) {
	if v == SubclassNone {
		return 0xff, nil
	}
	if v >= 0 && v < 0x80 {
		return byte(v), nil
	}
	if v < 0 || bits.OnesCount64(uint64(v)) != 1 {
		return 0, fmt.Errorf("compressing %#x: %w", v, ErrMultiBitSubclass)
	}
	return 0x80 | byte(bits.TrailingZeros64(uint64(v))), nil
}

// DecompressSubclass is the inverse of CompressSubclass. 0xff always
// decodes to SubclassNone regardless of the marker bit.
func DecompressSubclass(c byte) int {
	if c == 0xff {
		return SubclassNone
	}
	if c&0x80 != 0 {
		return 1 << (c & 0x3f)
	}
	return int(c)
}

// IAX command subclasses.
const (
	CmdNew       = 0x01
	CmdPing      = 0x02
	CmdPong      = 0x03
	CmdAck       = 0x04
	CmdHangup    = 0x05
	CmdReject    = 0x06
	CmdAccept    = 0x07
	CmdAuthReq   = 0x08
	CmdAuthRep   = 0x09
	CmdInval     = 0x0a
	CmdLagRq     = 0x0b
	CmdLagRp     = 0x0c
	CmdRegReq    = 0x0d
	CmdRegAuth   = 0x0e
	CmdRegAck    = 0x0f
	CmdRegRej    = 0x10
	CmdRegRel    = 0x11
	CmdVNAK      = 0x12
	CmdDPReq     = 0x13
	CmdDPRep     = 0x14
	CmdDial      = 0x15
	CmdTxReq     = 0x16
	CmdTxCnt     = 0x17
	CmdTxAcc     = 0x18
	CmdTxReady   = 0x19
	CmdTxRel     = 0x1a
	CmdTxRej     = 0x1b
	CmdQuelch    = 0x1c
	CmdUnquelch  = 0x1d
	CmdPoke      = 0x1e
	CmdMWI       = 0x20
	CmdUnsupport = 0x21
	CmdTransfer  = 0x22
	CmdProvision = 0x23
	CmdFwDownl   = 0x24
	CmdFwData    = 0x25
	CmdTxMedia   = 0x26
	CmdRTKey     = 0x27
	CmdCallToken = 0x28
)

var cmdNames = map[int]string{
	CmdNew: "NEW", CmdPing: "PING", CmdPong: "PONG", CmdAck: "ACK",
	CmdHangup: "HANGUP", CmdReject: "REJECT", CmdAccept: "ACCEPT",
	CmdAuthReq: "AUTHREQ", CmdAuthRep: "AUTHREP", CmdInval: "INVAL",
	CmdLagRq: "LAGRQ", CmdLagRp: "LAGRP", CmdRegReq: "REGREQ",
	CmdRegAuth: "REGAUTH", CmdRegAck: "REGACK", CmdRegRej: "REGREJ",
	CmdRegRel: "REGREL", CmdVNAK: "VNAK", CmdDPReq: "DPREQ", CmdDPRep: "DPREP",
	CmdDial: "DIAL", CmdTxReq: "TXREQ", CmdTxCnt: "TXCNT", CmdTxAcc: "TXACC",
	CmdTxReady: "TXREADY", CmdTxRel: "TXREL", CmdTxRej: "TXREJ",
	CmdQuelch: "QUELCH", CmdUnquelch: "UNQUELCH", CmdPoke: "POKE",
	CmdMWI: "MWI", CmdUnsupport: "UNSUPPORT", CmdTransfer: "TRANSFER",
	CmdProvision: "PROVISION", CmdFwDownl: "FWDOWNL", CmdFwData: "FWDATA",
	CmdTxMedia: "TXMEDIA", CmdRTKey: "RTKEY", CmdCallToken: "CALLTOKEN",
}

// CommandName returns the mnemonic of an IAX command subclass.
func CommandName(c int) string {
	if n, ok := cmdNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CMD(%d)", c)
}

// Control frame subclasses.
const (
	CtrlHangup     = 0x01
	CtrlRinging    = 0x03
	CtrlAnswer     = 0x04
	CtrlBusy       = 0x05
	CtrlCongestion = 0x08
	CtrlFlash      = 0x09
	CtrlOption     = 0x0b
	CtrlKey        = 0x0c
	CtrlUnkey      = 0x0d
	CtrlProgress   = 0x0e
	CtrlProceeding = 0x0f
	CtrlHold       = 0x10
	CtrlUnhold     = 0x11
)
