// Package iax implements the call-control engine: call numbering, reliable
// delivery of control frames, timestamping, authentication, registration,
// qualify pokes and native transfers, all over one UDP socket.
package iax

import (
	"errors"
	"fmt"
)

// Q.850 cause codes carried in the CAUSECODE element.
const (
	CauseUnallocated           = 1
	CauseNoRouteDestination    = 3
	CauseNormalClearing        = 16
	CauseUserBusy              = 17
	CauseNoUserResponse        = 18
	CauseNoAnswer              = 19
	CauseCallRejected          = 21
	CauseDestinationOutOfOrder = 27
	CauseFacilityRejected      = 29
	CauseNormalUnspecified     = 31
	CauseCongestion            = 34
	CauseFailure               = 38
	CauseFacilityNotSubscribed = 50
	CauseBearerNotAvailable    = 58
	CauseInterworking          = 127
)

var (
	ErrNoFreeCallNumber = errors.New("no free call number")
	ErrStaleCall        = errors.New("call no longer exists")
	ErrLockBusy         = errors.New("could not lock both calls, try again")
	ErrPeerClaimed      = errors.New("peer call number already claimed by another call")
	ErrTrunkBufferFull  = errors.New("trunk buffer full")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrPeerUnreachable  = errors.New("peer is unreachable")
	ErrNotLinked        = errors.New("call is not established")
	ErrTransferRefused  = errors.New("calls cannot be natively transferred")
	ErrDialplanTimeout  = errors.New("dialplan query timed out")
	ErrEngineClosed     = errors.New("engine closed")
)

// CauseError is how protocol failures reach the upper layer: a cause code
// and the coarse text sent or received with it.
type CauseError struct {
	Cause int
	Text  string
}

func (e *CauseError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("cause %d", e.Cause)
	}
	return fmt.Sprintf("%s (cause %d)", e.Text, e.Cause)
}

// CauseOf extracts the cause code from err, defaulting to normal clearing.
func CauseOf(err error) int {
	var ce *CauseError
	if errors.As(err, &ce) {
		return ce.Cause
	}
	if err == nil {
		return CauseNormalClearing
	}
	return CauseFailure
}
