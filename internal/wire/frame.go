// Package wire encodes and decodes the datagram shapes carried on the
// signalling socket: full frames, mini voice frames, video mini frames and
// meta trunk frames, plus the information elements inside control payloads.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameType is the 8-bit frame type carried in a full frame header.
type FrameType uint8

const (
	TypeDTMF      FrameType = 0x01
	TypeVoice     FrameType = 0x02
	TypeVideo     FrameType = 0x03
	TypeControl   FrameType = 0x04
	TypeNull      FrameType = 0x05
	TypeIAX       FrameType = 0x06
	TypeText      FrameType = 0x07
	TypeImage     FrameType = 0x08
	TypeHTML      FrameType = 0x09
	TypeCNG       FrameType = 0x0a
	TypeModem     FrameType = 0x0b
	TypeDTMFBegin FrameType = 0x0c
)

var typeNames = map[FrameType]string{
	TypeDTMF:      "DTMF_E",
	TypeVoice:     "VOICE",
	TypeVideo:     "VIDEO",
	TypeControl:   "CONTROL",
	TypeNull:      "NULL",
	TypeIAX:       "IAX",
	TypeText:      "TEXT",
	TypeImage:     "IMAGE",
	TypeHTML:      "HTML",
	TypeCNG:       "CNG",
	TypeModem:     "MODEM",
	TypeDTMFBegin: "DTMF_B",
}

// Known reports whether t is a frame type this codec understands.
func (t FrameType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

func (t FrameType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Kind is the datagram shape as determined by its first 32 bits.
type Kind int

const (
	KindFull Kind = iota
	KindMini
	KindVideo
	KindMeta
)

func (k Kind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindMini:
		return "mini"
	case KindVideo:
		return "video"
	case KindMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// Header sizes.
const (
	FullHeaderLen  = 12
	MiniHeaderLen  = 4
	VideoHeaderLen = 6
	MetaHeaderLen  = 4
	TrunkHeaderLen = MetaHeaderLen + 4
)

const (
	flagFull       = 0x8000
	flagRetransmit = 0x8000
	flagVideoKey   = 0x8000

	// MaxCallNumber is the largest 15-bit call number.
	MaxCallNumber = 0x7fff

	// MaxFrameSize bounds every datagram the engine reads or builds.
	MaxFrameSize = 4096
)

var (
	ErrShortFrame  = errors.New("frame shorter than its header")
	ErrWrongKind   = errors.New("frame has a different shape")
	ErrUnknownMeta = errors.New("unknown meta command")
)

// Classify returns the shape of a datagram. It only looks at the first
// four bytes and never reads past len(buf).
func Classify(buf []byte) (Kind, error) {
	if len(buf) < 4 {
		return 0, ErrShortFrame
	}
	w0 := binary.BigEndian.Uint16(buf[0:2])
	if w0&flagFull != 0 {
		if len(buf) < FullHeaderLen {
			return KindFull, ErrShortFrame
		}
		return KindFull, nil
	}
	if w0 != 0 {
		return KindMini, nil
	}
	if buf[2]&0x80 != 0 {
		if len(buf) < VideoHeaderLen {
			return KindVideo, ErrShortFrame
		}
		return KindVideo, nil
	}
	return KindMeta, nil
}

// FullFrame is a reliable, sequenced frame with the complete 12-byte header.
// Subclass holds the decompressed value; for video frames bit 0 carries the
// key-frame flag.
type FullFrame struct {
	SrcCall    uint16
	DstCall    uint16
	Retransmit bool
	Timestamp  uint32
	OSeqNo     uint8
	ISeqNo     uint8
	Type       FrameType
	Subclass   int
	Payload    []byte
}

// Marshal encodes the frame. Subclass values that cannot be compressed are
// sent as zero; use CompressSubclass beforehand to detect that case.
func (f *FullFrame) Marshal() []byte {
	buf := make([]byte, FullHeaderLen+len(f.Payload))
	f.put(buf)
	copy(buf[FullHeaderLen:], f.Payload)
	return buf
}

func (f *FullFrame) put(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], (f.SrcCall&MaxCallNumber)|flagFull)
	dst := f.DstCall & MaxCallNumber
	if f.Retransmit {
		dst |= flagRetransmit
	}
	binary.BigEndian.PutUint16(buf[2:4], dst)
	binary.BigEndian.PutUint32(buf[4:8], f.Timestamp)
	buf[8] = f.OSeqNo
	buf[9] = f.ISeqNo
	buf[10] = byte(f.Type)
	buf[11] = f.compressedSubclass()
}

func (f *FullFrame) compressedSubclass() byte {
	if f.Type == TypeVideo {
		c, _ := CompressSubclass(f.Subclass &^ 1)
		return c | byte(f.Subclass&1)<<6
	}
	c, _ := CompressSubclass(f.Subclass)
	return c
}

// DecodeFull decodes a full frame. The returned Payload aliases buf.
func DecodeFull(buf []byte) (*FullFrame, error) {
	if len(buf) < FullHeaderLen {
		return nil, ErrShortFrame
	}
	src := binary.BigEndian.Uint16(buf[0:2])
	if src&flagFull == 0 {
		return nil, ErrWrongKind
	}
	dst := binary.BigEndian.Uint16(buf[2:4])
	f := &FullFrame{
		SrcCall:    src & MaxCallNumber,
		DstCall:    dst & MaxCallNumber,
		Retransmit: dst&flagRetransmit != 0,
		Timestamp:  binary.BigEndian.Uint32(buf[4:8]),
		OSeqNo:     buf[8],
		ISeqNo:     buf[9],
		Type:       FrameType(buf[10]),
		Payload:    buf[FullHeaderLen:],
	}
	csub := buf[11]
	if f.Type == TypeVideo {
		f.Subclass = DecompressSubclass(csub&^0x40) | int(csub>>6)&1
	} else {
		f.Subclass = DecompressSubclass(csub)
	}
	return f, nil
}

// PeekCalls returns the source and destination call numbers of a full frame
// without decoding the rest of it.
func PeekCalls(buf []byte) (src, dst uint16, err error) {
	if len(buf) < FullHeaderLen {
		return 0, 0, ErrShortFrame
	}
	return binary.BigEndian.Uint16(buf[0:2]) & MaxCallNumber,
		binary.BigEndian.Uint16(buf[2:4]) & MaxCallNumber, nil
}

// MiniFrame carries steady-state voice with a truncated 16-bit timestamp.
type MiniFrame struct {
	Call      uint16
	Timestamp uint16
	Payload   []byte
}

func (m *MiniFrame) Marshal() []byte {
	buf := make([]byte, MiniHeaderLen+len(m.Payload))
	binary.BigEndian.PutUint16(buf[0:2], m.Call&MaxCallNumber)
	binary.BigEndian.PutUint16(buf[2:4], m.Timestamp)
	copy(buf[MiniHeaderLen:], m.Payload)
	return buf
}

// DecodeMini decodes a mini frame. The returned Payload aliases buf.
func DecodeMini(buf []byte) (*MiniFrame, error) {
	if len(buf) < MiniHeaderLen {
		return nil, ErrShortFrame
	}
	call := binary.BigEndian.Uint16(buf[0:2])
	if call&flagFull != 0 || call == 0 {
		return nil, ErrWrongKind
	}
	return &MiniFrame{
		Call:      call,
		Timestamp: binary.BigEndian.Uint16(buf[2:4]),
		Payload:   buf[MiniHeaderLen:],
	}, nil
}

// VideoFrame is the video mini frame: zero word, call number with the top
// bit set, then a 15-bit timestamp whose top bit toggles the key flag.
type VideoFrame struct {
	Call      uint16
	Timestamp uint16
	Key       bool
	Payload   []byte
}

func (v *VideoFrame) Marshal() []byte {
	buf := make([]byte, VideoHeaderLen+len(v.Payload))
	binary.BigEndian.PutUint16(buf[2:4], (v.Call&MaxCallNumber)|flagFull)
	ts := v.Timestamp & 0x7fff
	if v.Key {
		ts |= flagVideoKey
	}
	binary.BigEndian.PutUint16(buf[4:6], ts)
	copy(buf[VideoHeaderLen:], v.Payload)
	return buf
}

// DecodeVideo decodes a video mini frame. The returned Payload aliases buf.
func DecodeVideo(buf []byte) (*VideoFrame, error) {
	if len(buf) < VideoHeaderLen {
		return nil, ErrShortFrame
	}
	if binary.BigEndian.Uint16(buf[0:2]) != 0 {
		return nil, ErrWrongKind
	}
	call := binary.BigEndian.Uint16(buf[2:4])
	if call&flagFull == 0 {
		return nil, ErrWrongKind
	}
	ts := binary.BigEndian.Uint16(buf[4:6])
	return &VideoFrame{
		Call:      call & MaxCallNumber,
		Timestamp: ts & 0x7fff,
		Key:       ts&flagVideoKey != 0,
		Payload:   buf[VideoHeaderLen:],
	}, nil
}
