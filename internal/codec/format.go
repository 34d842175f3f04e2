// Package codec models media formats as the legacy 64-bit bitmask and
// picks the format a call will use. Payloads themselves are opaque.
package codec

import (
	"math/bits"
	"strings"
)

// Format is a single media format bit. A Capability is a set of them.
type Format uint64

// Capability is a bitmask of Formats.
type Capability = Format

const (
	G723      Format = 1 << 0
	GSM       Format = 1 << 1
	ULAW      Format = 1 << 2
	ALAW      Format = 1 << 3
	G726AAL2  Format = 1 << 4
	ADPCM     Format = 1 << 5
	SLINEAR   Format = 1 << 6
	LPC10     Format = 1 << 7
	G729A     Format = 1 << 8
	SPEEX     Format = 1 << 9
	ILBC      Format = 1 << 10
	G726      Format = 1 << 11
	G722      Format = 1 << 12
	SLINEAR16 Format = 1 << 15
	JPEG      Format = 1 << 16
	PNG       Format = 1 << 17
	H261      Format = 1 << 18
	H263      Format = 1 << 19
	H263P     Format = 1 << 20
	H264      Format = 1 << 21

	AudioMask Capability = 0xffff
	VideoMask Capability = 0xff << 16
)

type info struct {
	name    string
	rate    int // samples per second
	frameMs int // preferred packetisation
	// bytes per 10ms of audio, zero when the size is not linear
	bytesPer10ms int
}

var formats = map[Format]info{
	G723:      {"g723", 8000, 30, 0},
	GSM:       {"gsm", 8000, 20, 0},
	ULAW:      {"ulaw", 8000, 20, 80},
	ALAW:      {"alaw", 8000, 20, 80},
	G726AAL2:  {"g726aal2", 8000, 20, 40},
	ADPCM:     {"adpcm", 8000, 20, 40},
	SLINEAR:   {"slin", 8000, 20, 160},
	LPC10:     {"lpc10", 8000, 20, 0},
	G729A:     {"g729", 8000, 20, 10},
	SPEEX:     {"speex", 8000, 20, 0},
	ILBC:      {"ilbc", 8000, 30, 0},
	G726:      {"g726", 8000, 20, 40},
	G722:      {"g722", 16000, 20, 80},
	SLINEAR16: {"slin16", 16000, 20, 320},
	JPEG:      {"jpeg", 90000, 0, 0},
	PNG:       {"png", 90000, 0, 0},
	H261:      {"h261", 90000, 0, 0},
	H263:      {"h263", 90000, 0, 0},
	H263P:     {"h263p", 90000, 0, 0},
	H264:      {"h264", 90000, 0, 0},
}

// preference order used when no list is configured, best quality first
var bestOrder = []Format{
	SLINEAR16, G722, SLINEAR, ULAW, ALAW, G726, ADPCM, G726AAL2,
	GSM, ILBC, SPEEX, LPC10, G729A, G723,
}

func (f Format) String() string {
	if i, ok := formats[f]; ok {
		return i.name
	}
	return "unknown"
}

// Names renders every known bit of c, e.g. "ulaw|alaw".
func (c Capability) Names() string {
	var names []string
	for b := 0; b < 64; b++ {
		f := Format(1) << b
		if c&f == 0 {
			continue
		}
		if i, ok := formats[f]; ok {
			names = append(names, i.name)
		}
	}
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, "|")
}

// ByName looks a format up by its short name.
func ByName(name string) (Format, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, i := range formats {
		if i.name == name {
			return f, true
		}
	}
	return 0, false
}

// ParseCapability parses a comma separated list of format names, with
// "all" meaning every known audio format.
func ParseCapability(list string) Capability {
	var c Capability
	for _, n := range strings.Split(list, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if strings.EqualFold(n, "all") {
			for f := range formats {
				if f&AudioMask != 0 {
					c |= f
				}
			}
			continue
		}
		if f, ok := ByName(n); ok {
			c |= f
		}
	}
	return c
}

// Single reports whether f has exactly one bit set.
func (f Format) Single() bool {
	return bits.OnesCount64(uint64(f)) == 1
}

// Index is the bit position of a single format.
func (f Format) Index() int {
	return bits.TrailingZeros64(uint64(f))
}

// IsAudio reports whether f lies in the audio range.
func (f Format) IsAudio() bool { return f != 0 && f&^AudioMask == 0 }

// SampleRate returns the nominal sample rate of f, or 8000 if unknown.
func (f Format) SampleRate() int {
	if i, ok := formats[f]; ok {
		return i.rate
	}
	return 8000
}

// FrameMs returns the preferred packetisation interval of f.
func (f Format) FrameMs() int {
	if i, ok := formats[f]; ok && i.frameMs > 0 {
		return i.frameMs
	}
	return 20
}

// DurationMs estimates the duration of a payload of n bytes in f. Formats
// without a linear size fall back to their frame size.
func (f Format) DurationMs(n int) int {
	i, ok := formats[f]
	if !ok {
		return 20
	}
	if i.bytesPer10ms == 0 {
		return f.FrameMs()
	}
	return n * 10 / i.bytesPer10ms
}

// Samples returns the number of samples in a payload of n bytes.
func (f Format) Samples(n int) int {
	return f.DurationMs(n) * f.SampleRate() / 1000
}

// Best returns the highest quality format present in c.
func Best(c Capability) Format {
	for _, f := range bestOrder {
		if c&f != 0 {
			return f
		}
	}
	// unknown bits: lowest set audio bit, then anything
	if a := c & AudioMask; a != 0 {
		return a & -a
	}
	return c & -c
}
