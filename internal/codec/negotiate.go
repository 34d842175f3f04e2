package codec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoCommonFormat means the two sides share no usable format. Callers
// reject the call with the bearer-capability-not-available cause.
var ErrNoCommonFormat = errors.New("unable to negotiate codec")

// Policy selects how a format is picked for an inbound call.
type Policy int

const (
	// PolicyHost walks our preference list.
	PolicyHost Policy = iota
	// PolicyCaller walks the caller's list first, ours when it has none.
	PolicyCaller
	// PolicyDisabled takes the requested format if acceptable, otherwise
	// the best common format by raw capability.
	PolicyDisabled
	// PolicyRequestOnly accepts the requested format or nothing.
	PolicyRequestOnly
)

// ParsePolicy maps a config value to a Policy. Unknown values yield
// PolicyHost.
func ParsePolicy(s string) Policy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "caller", "user":
		return PolicyCaller
	case "disabled", "noprefs":
		return PolicyDisabled
	case "reqonly", "request-only":
		return PolicyRequestOnly
	default:
		return PolicyHost
	}
}

func (p Policy) String() string {
	switch p {
	case PolicyCaller:
		return "caller"
	case PolicyDisabled:
		return "disabled"
	case PolicyRequestOnly:
		return "reqonly"
	default:
		return "host"
	}
}

// Offer is the inbound side of a negotiation.
type Offer struct {
	// Local is our capability for this user or peer.
	Local Capability
	// Peer is the caller's advertised capability. Zero means the caller
	// only sent a requested format.
	Peer Capability
	// Requested is the format the caller asked for.
	Requested Format
	// HostPrefs is our preference list.
	HostPrefs Prefs
	// CallerPrefs is the list received in the codec prefs element.
	CallerPrefs Prefs
}

// Negotiate picks the format for a call under the given policy.
func Negotiate(p Policy, o Offer) (Format, error) {
	peer := o.Peer
	if peer == 0 {
		peer = o.Requested
	}
	common := o.Local & peer

	var f Format
	switch p {
	case PolicyDisabled, PolicyRequestOnly:
		f = o.Requested & o.Local
	default:
		f = prefsFor(p, o).Choose(common, false)
	}
	if f != 0 {
		return single(f, o.Local), nil
	}

	if p == PolicyRequestOnly {
		return 0, fmt.Errorf("requested %s not in %s: %w", o.Requested, o.Local.Names(), ErrNoCommonFormat)
	}
	if common == 0 {
		return 0, fmt.Errorf("local %s, peer %s: %w", o.Local.Names(), peer.Names(), ErrNoCommonFormat)
	}
	if p == PolicyDisabled {
		return Best(common), nil
	}
	return prefsFor(p, o).Choose(common, true), nil
}

func prefsFor(p Policy, o Offer) Prefs {
	if p == PolicyCaller && len(o.CallerPrefs) > 0 {
		return o.CallerPrefs
	}
	return o.HostPrefs
}

// single narrows a multi-bit result to one format.
func single(f Format, local Capability) Format {
	if f.Single() {
		return f
	}
	return Best(f & local)
}

// Accepted checks a format chosen by the far end against our capability,
// as done when an ACCEPT arrives for an outbound call.
func Accepted(f Format, local Capability) error {
	if f == 0 || f&local == 0 {
		return fmt.Errorf("peer chose %s, we allow %s: %w", f, local.Names(), ErrNoCommonFormat)
	}
	return nil
}
