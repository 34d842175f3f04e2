package iax

import (
	"net/netip"

	"github.com/flowpbx/flowiax/internal/codec"
)

// CallInfo describes a call handed to the upper layer.
type CallInfo struct {
	Ref        CallRef
	UniqueID   string
	Outbound   bool
	Peer       string // user or peer name the call authenticated as
	Addr       netip.AddrPort
	Called     string
	Context    string
	CallerNum  string
	CallerName string
	ANI        string
	DNID       string
	RDNIS      string
	Language   string
	Format     codec.Format
	Capability codec.Capability
	Encrypted  bool
	Trunk      bool
}

// EventKind identifies what happened on a call.
type EventKind int

const (
	EventRinging EventKind = iota + 1
	EventAnswer
	EventProgress
	EventProceeding
	EventBusy
	EventCongestion
	EventHangup
	EventHold
	EventUnhold
	EventVoice
	EventVideo
	EventDTMFBegin
	EventDTMFEnd
	EventText
	EventImage
	EventHTML
	EventControl
	// EventTransfer is a blind transfer request from the far end.
	EventTransfer
	// EventTransferred means a native transfer released this leg: media
	// now flows directly between the two far ends.
	EventTransferred
	// EventTransferFailed means a native transfer was rejected or timed
	// out and both legs stay on their original path.
	EventTransferFailed
	// EventFormat reports the negotiated format of an outbound call.
	EventFormat
)

var eventNames = map[EventKind]string{
	EventRinging:        "ringing",
	EventAnswer:         "answer",
	EventProgress:       "progress",
	EventProceeding:     "proceeding",
	EventBusy:           "busy",
	EventCongestion:     "congestion",
	EventHangup:         "hangup",
	EventHold:           "hold",
	EventUnhold:         "unhold",
	EventVoice:          "voice",
	EventVideo:          "video",
	EventDTMFBegin:      "dtmf-begin",
	EventDTMFEnd:        "dtmf-end",
	EventText:           "text",
	EventImage:          "image",
	EventHTML:           "html",
	EventControl:        "control",
	EventTransfer:       "transfer",
	EventTransferred:    "transferred",
	EventTransferFailed: "transfer-failed",
	EventFormat:         "format",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is delivered to the upper layer in receive order.
type Event struct {
	Kind EventKind
	// Cause and Text accompany hangup, busy and congestion.
	Cause int
	Text  string
	// Subclass is the raw control subclass or the DTMF digit.
	Subclass  int
	Format    codec.Format
	Timestamp uint32
	Payload   []byte
	// Called and Context carry a blind transfer destination.
	Called  string
	Context string
}

// Handler is the upper-layer call abstraction. Calls into it are made
// without any engine lock held, so it may call back into the engine.
type Handler interface {
	// NewChannel announces an authenticated inbound call.
	NewChannel(info CallInfo)
	// Event delivers something that happened on a call.
	Event(ref CallRef, ev Event)
}

// DialplanStatus is a set of wire.DPStatus bits.
type DialplanStatus uint16

// Dialplan answers extension queries for inbound calls and DPREQs.
type Dialplan interface {
	Query(context, exten, callerNum string) DialplanStatus
}

// NopHandler discards everything.
type NopHandler struct{}

func (NopHandler) NewChannel(CallInfo) {}
func (NopHandler) Event(CallRef, Event) {}
