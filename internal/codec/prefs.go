package codec

import "strings"

// MaxPrefs is the longest preference list carried on the wire.
const MaxPrefs = 32

// Prefs is an ordered codec preference list, most preferred first.
type Prefs []Format

// ParsePrefs builds a list from comma separated names ("ulaw,gsm").
// Unknown names and duplicates are skipped.
func ParsePrefs(list string) Prefs {
	var p Prefs
	for _, n := range strings.Split(list, ",") {
		if f, ok := ByName(n); ok {
			p = p.Append(f)
		}
	}
	return p
}

// Append adds f at the end unless it is already present or the list is full.
func (p Prefs) Append(f Format) Prefs {
	if !f.Single() || len(p) >= MaxPrefs {
		return p
	}
	for _, e := range p {
		if e == f {
			return p
		}
	}
	return append(p, f)
}

// Encode renders the list in the IE form: one letter per entry, 'A' plus
// one plus the format's bit index.
func (p Prefs) Encode() string {
	var b strings.Builder
	for _, f := range p {
		b.WriteByte(byte('A' + 1 + f.Index()))
	}
	return b.String()
}

// DecodePrefs is the inverse of Encode. Letters outside the valid range are
// skipped.
func DecodePrefs(s string) Prefs {
	var p Prefs
	for i := 0; i < len(s); i++ {
		idx := int(s[i]) - 'A' - 1
		if idx < 0 || idx > 63 {
			continue
		}
		p = p.Append(Format(1) << idx)
	}
	return p
}

// Choose returns the first entry present in c. With fallback set and no
// match it returns Best(c) instead of zero.
func (p Prefs) Choose(c Capability, fallback bool) Format {
	for _, f := range p {
		if c&f != 0 {
			return f
		}
	}
	if fallback {
		return Best(c)
	}
	return 0
}

func (p Prefs) String() string {
	names := make([]string, len(p))
	for i, f := range p {
		names[i] = f.String()
	}
	return "(" + strings.Join(names, "|") + ")"
}
