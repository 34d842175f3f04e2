package main

import (
	"log/slog"

	"github.com/flowpbx/flowiax/internal/iax"
)

// channelLogger is the call handler used when no media layer is attached:
// it records channel and signalling events.
type channelLogger struct {
	logger *slog.Logger
}

func newChannelLogger(logger *slog.Logger) *channelLogger {
	return &channelLogger{logger: logger.With("subsystem", "channel")}
}

func (h *channelLogger) NewChannel(info iax.CallInfo) {
	h.logger.Info("new inbound channel",
		"callno", info.Ref.Num,
		"uniqueid", info.UniqueID,
		"peer", info.Peer,
		"addr", info.Addr.String(),
		"called", info.Called,
		"context", info.Context,
		"caller_num", info.CallerNum,
		"format", info.Format.String(),
		"encrypted", info.Encrypted,
		"trunk", info.Trunk,
	)
}

func (h *channelLogger) Event(ref iax.CallRef, ev iax.Event) {
	switch ev.Kind {
	case iax.EventVoice, iax.EventVideo:
		return
	case iax.EventHangup, iax.EventBusy, iax.EventCongestion:
		h.logger.Info("channel ended", "callno", ref.Num, "event", ev.Kind.String(), "cause", ev.Cause, "text", ev.Text)
	default:
		h.logger.Debug("channel event", "callno", ref.Num, "event", ev.Kind.String())
	}
}
