package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// IEType identifies an information element inside a control payload.
type IEType uint8

const (
	IECalledNumber  IEType = 0x01
	IECallingNumber IEType = 0x02
	IECallingANI    IEType = 0x03
	IECallingName   IEType = 0x04
	IECalledContext IEType = 0x05
	IEUsername      IEType = 0x06
	IEPassword      IEType = 0x07
	IECapability    IEType = 0x08
	IEFormat        IEType = 0x09
	IELanguage      IEType = 0x0a
	IEVersion       IEType = 0x0b
	IEADSICPE       IEType = 0x0c
	IEDNID          IEType = 0x0d
	IEAuthMethods   IEType = 0x0e
	IEChallenge     IEType = 0x0f
	IEMD5Result     IEType = 0x10
	IERSAResult     IEType = 0x11
	IEApparentAddr  IEType = 0x12
	IERefresh       IEType = 0x13
	IEDPStatus      IEType = 0x14
	IECallNo        IEType = 0x15
	IECause         IEType = 0x16
	IEIAXUnknown    IEType = 0x17
	IEMsgCount      IEType = 0x18
	IEAutoAnswer    IEType = 0x19
	IEMusicOnHold   IEType = 0x1a
	IETransferID    IEType = 0x1b
	IERDNIS         IEType = 0x1c
	IEProvisioning  IEType = 0x1d
	IEAESProvision  IEType = 0x1e
	IEDateTime      IEType = 0x1f
	IEDeviceType    IEType = 0x20
	IEServiceIdent  IEType = 0x21
	IEFirmwareVer   IEType = 0x22
	IEFwBlockDesc   IEType = 0x23
	IEFwBlockData   IEType = 0x24
	IEProvVer       IEType = 0x25
	IECallingPres   IEType = 0x26
	IECallingTON    IEType = 0x27
	IECallingTNS    IEType = 0x28
	IESamplingRate  IEType = 0x29
	IECauseCode     IEType = 0x2a
	IEEncryption    IEType = 0x2b
	IEEncKey        IEType = 0x2c
	IECodecPrefs    IEType = 0x2d
	IERRJitter      IEType = 0x2e
	IERRLoss        IEType = 0x2f
	IERRPkts        IEType = 0x30
	IERRDelay       IEType = 0x31
	IERRDropped     IEType = 0x32
	IERRORecv       IEType = 0x33
	IEOSPToken      IEType = 0x34
	IECallToken     IEType = 0x36
	IECapability2   IEType = 0x37
	IEFormat2       IEType = 0x38
)

// ProtocolVersion is sent in IEVersion on NEW.
const ProtocolVersion = 2

// Auth method bits advertised in IEAuthMethods.
const (
	AuthPlaintext = 1 << 0
	AuthMD5       = 1 << 1
	AuthRSA       = 1 << 2
)

// EncryptAESCBC is the only encryption method bit.
const EncryptAESCBC = 1 << 0

// Dialplan status bits carried in IEDPStatus.
const (
	DPStatusExists      = 1 << 0
	DPStatusCanExist    = 1 << 1
	DPStatusNonExistent = 1 << 2
	DPStatusIgnorePat   = 1 << 14
	DPStatusMatchMore   = 1 << 15
)

const apparentAddrLen = 16

var (
	ErrTruncatedIE = errors.New("information element exceeds payload")
	ErrIETooLong   = errors.New("information element longer than 255 bytes")
)

// IE is one type-length-value element. Data aliases the parsed payload.
type IE struct {
	Type IEType
	Data []byte
}

// IEs is an ordered element list as found on the wire.
type IEs []IE

// ParseIEs splits a control payload into elements. Elements up to the first
// truncated one are returned along with ErrTruncatedIE.
func ParseIEs(b []byte) (IEs, error) {
	var out IEs
	for len(b) >= 2 {
		t, n := IEType(b[0]), int(b[1])
		if n > len(b)-2 {
			return out, fmt.Errorf("element %#x length %d with %d bytes left: %w", uint8(t), n, len(b)-2, ErrTruncatedIE)
		}
		out = append(out, IE{Type: t, Data: b[2 : 2+n]})
		b = b[2+n:]
	}
	if len(b) == 1 {
		return out, fmt.Errorf("dangling byte after elements: %w", ErrTruncatedIE)
	}
	return out, nil
}

// Get returns the data of the first element of type t.
func (ies IEs) Get(t IEType) ([]byte, bool) {
	for _, ie := range ies {
		if ie.Type == t {
			return ie.Data, true
		}
	}
	return nil, false
}

// Has reports whether an element of type t is present.
func (ies IEs) Has(t IEType) bool {
	_, ok := ies.Get(t)
	return ok
}

func (ies IEs) String(t IEType) string {
	d, _ := ies.Get(t)
	return string(d)
}

func (ies IEs) Uint8(t IEType) (uint8, bool) {
	d, ok := ies.Get(t)
	if !ok || len(d) != 1 {
		return 0, false
	}
	return d[0], true
}

func (ies IEs) Uint16(t IEType) (uint16, bool) {
	d, ok := ies.Get(t)
	if !ok || len(d) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(d), true
}

func (ies IEs) Uint32(t IEType) (uint32, bool) {
	d, ok := ies.Get(t)
	if !ok || len(d) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(d), true
}

// ApparentAddr decodes an IEApparentAddr element.
func (ies IEs) ApparentAddr() (netip.AddrPort, bool) {
	d, ok := ies.Get(IEApparentAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	return DecodeSockaddr(d)
}

// DateTime decodes an IEDateTime element.
func (ies IEs) DateTime() (time.Time, bool) {
	v, ok := ies.Uint32(IEDateTime)
	if !ok {
		return time.Time{}, false
	}
	return UnpackDateTime(v), true
}

// IEBuilder appends elements to a control payload. Elements longer than 255
// bytes are refused; the first such error is kept and returned by Err.
type IEBuilder struct {
	buf []byte
	err error
}

func (b *IEBuilder) AddBytes(t IEType, d []byte) *IEBuilder {
	if len(d) > 255 {
		if b.err == nil {
			b.err = fmt.Errorf("element %#x of %d bytes: %w", uint8(t), len(d), ErrIETooLong)
		}
		return b
	}
	b.buf = append(b.buf, byte(t), byte(len(d)))
	b.buf = append(b.buf, d...)
	return b
}

func (b *IEBuilder) AddString(t IEType, s string) *IEBuilder {
	return b.AddBytes(t, []byte(s))
}

func (b *IEBuilder) AddEmpty(t IEType) *IEBuilder {
	return b.AddBytes(t, nil)
}

func (b *IEBuilder) AddUint8(t IEType, v uint8) *IEBuilder {
	return b.AddBytes(t, []byte{v})
}

func (b *IEBuilder) AddUint16(t IEType, v uint16) *IEBuilder {
	return b.AddBytes(t, binary.BigEndian.AppendUint16(nil, v))
}

func (b *IEBuilder) AddUint32(t IEType, v uint32) *IEBuilder {
	return b.AddBytes(t, binary.BigEndian.AppendUint32(nil, v))
}

func (b *IEBuilder) AddApparentAddr(ap netip.AddrPort) *IEBuilder {
	return b.AddBytes(IEApparentAddr, EncodeSockaddr(ap))
}

func (b *IEBuilder) AddDateTime(t time.Time) *IEBuilder {
	return b.AddUint32(IEDateTime, PackDateTime(t))
}

// Bytes returns the encoded payload.
func (b *IEBuilder) Bytes() []byte { return b.buf }

func (b *IEBuilder) Err() error { return b.err }

// EncodeSockaddr renders an IPv4 address as a 16-byte sockaddr_in with the
// family in little-endian order, as x86 peers send it.
func EncodeSockaddr(ap netip.AddrPort) []byte {
	out := make([]byte, apparentAddrLen)
	binary.LittleEndian.PutUint16(out[0:2], 2)
	binary.BigEndian.PutUint16(out[2:4], ap.Port())
	a4 := ap.Addr().Unmap().As4()
	copy(out[4:8], a4[:])
	return out
}

// DecodeSockaddr parses a 16-byte sockaddr_in, accepting the family in
// either byte order.
func DecodeSockaddr(d []byte) (netip.AddrPort, bool) {
	if len(d) != apparentAddrLen {
		return netip.AddrPort{}, false
	}
	if fam := binary.LittleEndian.Uint16(d[0:2]); fam != 2 && fam != 0x0200 {
		return netip.AddrPort{}, false
	}
	port := binary.BigEndian.Uint16(d[2:4])
	addr := netip.AddrFrom4([4]byte{d[4], d[5], d[6], d[7]})
	return netip.AddrPortFrom(addr, port), true
}

// PackDateTime encodes t (in its own location) as the 32-bit DATETIME
// value: year-2000:7 month:4 day:5 hour:5 minute:6 second/2:5.
func PackDateTime(t time.Time) uint32 {
	y := t.Year() - 2000
	if y < 0 {
		y = 0
	}
	return uint32(t.Second()/2)&0x1f |
		(uint32(t.Minute())&0x3f)<<5 |
		(uint32(t.Hour())&0x1f)<<11 |
		(uint32(t.Day())&0x1f)<<16 |
		(uint32(t.Month())&0x0f)<<21 |
		(uint32(y)&0x7f)<<25
}

func UnpackDateTime(v uint32) time.Time {
	return time.Date(
		int(v>>25&0x7f)+2000,
		time.Month(v>>21&0x0f),
		int(v>>16&0x1f),
		int(v>>11&0x1f),
		int(v>>5&0x3f),
		int(v&0x1f)*2,
		0, time.UTC)
}
