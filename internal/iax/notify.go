package iax

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// NotificationKind names a peer or registration state change.
type NotificationKind int

const (
	NotifyReachable NotificationKind = iota + 1
	NotifyLagged
	NotifyUnreachable
	NotifyRegistered
	NotifyUnregistered
	// NotifyRegistrationState reports a state change of an outbound registration.
	NotifyRegistrationState
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyReachable:
		return "PeerReachable"
	case NotifyLagged:
		return "PeerLagged"
	case NotifyUnreachable:
		return "PeerUnreachable"
	case NotifyRegistered:
		return "PeerRegistered"
	case NotifyUnregistered:
		return "PeerUnregistered"
	case NotifyRegistrationState:
		return "RegistrationState"
	default:
		return "Unknown"
	}
}

// Notification is one published event.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Peer      string           `json:"peer"`
	Addr      netip.AddrPort   `json:"addr"`
	LatencyMS int              `json:"latency_ms,omitempty"`
	State     string           `json:"state,omitempty"`
	Time      time.Time        `json:"time"`
}

// Notifier fans peer and registration events out to subscribers and lets
// callers wait for a particular peer to register.
type Notifier struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Notification
	waiters map[string][]chan struct{}
}

func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger:  logger.With("subsystem", "notify"),
		subs:    make(map[int]chan Notification),
		waiters: make(map[string][]chan struct{}),
	}
}

// Subscribe returns a channel receiving every notification and a function
// that ends the subscription. A subscriber that falls more than buf events
// behind misses events.
func (n *Notifier) Subscribe(buf int) (<-chan Notification, func()) {
	ch := make(chan Notification, buf)
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish logs ev and delivers it to subscribers. A registration also
// releases everyone waiting for that peer.
func (n *Notifier) Publish(ev Notification) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	attrs := []any{"event", ev.Kind.String(), "peer", ev.Peer}
	if ev.Addr.IsValid() {
		attrs = append(attrs, "addr", ev.Addr.String())
	}
	if ev.LatencyMS != 0 {
		attrs = append(attrs, "latency_ms", ev.LatencyMS)
	}
	if ev.State != "" {
		attrs = append(attrs, "state", ev.State)
	}
	n.logger.Info("peer status", attrs...)

	n.mu.Lock()
	var waiters []chan struct{}
	if ev.Kind == NotifyRegistered {
		waiters = n.waiters[ev.Peer]
		// Each wait is one-shot.
		delete(n.waiters, ev.Peer)
	}
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	n.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

func (n *Notifier) waitFor(peer string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	n.mu.Lock()
	n.waiters[peer] = append(n.waiters[peer], ch)
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		chs := n.waiters[peer]
		for i, c := range chs {
			if c == ch {
				n.waiters[peer] = append(chs[:i], chs[i+1:]...)
				break
			}
		}
		if len(n.waiters[peer]) == 0 {
			delete(n.waiters, peer)
		}
	}
	return ch, cancel
}

// WaitForRegistration blocks until peer registers or ctx is done. It
// returns true if a registration was seen.
func (n *Notifier) WaitForRegistration(ctx context.Context, peer string) bool {
	ch, cancel := n.waitFor(peer)
	defer cancel()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
