package iax

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/flowiax/internal/codec"
)

// secretRefPrefix marks a secret stored in the key-value secret store
// rather than inline.
const secretRefPrefix = "keystore:"

// ACL is a permit list of prefixes. An empty ACL permits everyone.
type ACL []netip.Prefix

// ParseACL parses a comma separated list of addresses and prefixes.
func ParseACL(s string) (ACL, error) {
	var acl ACL
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if strings.Contains(f, "/") {
			p, err := netip.ParsePrefix(f)
			if err != nil {
				return nil, fmt.Errorf("parsing acl entry %q: %w", f, err)
			}
			acl = append(acl, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(f)
		if err != nil {
			return nil, fmt.Errorf("parsing acl entry %q: %w", f, err)
		}
		acl = append(acl, netip.PrefixFrom(a, a.BitLen()))
	}
	return acl, nil
}

// Allows reports whether addr may use the entry the ACL belongs to.
func (a ACL) Allows(addr netip.Addr) bool {
	if len(a) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range a {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// User is an entry allowed to place inbound calls.
type User struct {
	Name        string
	Secret      string // ';' separated list, or a keystore: reference
	InKeys      string // ':' separated public key names
	AuthMethods int
	ACL         ACL
	Contexts    []string
	Capability  codec.Capability
	Prefs       codec.Prefs
	Policy      codec.Policy
	Encryption  int
	// ForceEncryption rejects callers that do not offer encryption.
	ForceEncryption bool
	Trunk           bool
	MaxAuthReq      int
	CallerNum       string
	CallerName      string
	Language        string

	curAuthReq int // guarded by Registry.usersMu
}

// Context returns the default context of the user.
func (u *User) Context() string {
	if len(u.Contexts) == 0 {
		return ""
	}
	return u.Contexts[0]
}

func (u *User) allowsContext(ctx string) bool {
	if ctx == "" || len(u.Contexts) == 0 {
		return true
	}
	for _, c := range u.Contexts {
		if c == ctx {
			return true
		}
	}
	return false
}

func (u *User) requiresAuth() bool {
	return u.Secret != "" || u.InKeys != ""
}

// PeerState is the reachability of a qualified peer.
type PeerState int

const (
	PeerUnmonitored PeerState = iota
	PeerUnknown
	PeerReachable
	PeerLagged
	PeerUnreachable
)

func (s PeerState) String() string {
	switch s {
	case PeerUnknown:
		return "unknown"
	case PeerReachable:
		return "reachable"
	case PeerLagged:
		return "lagged"
	case PeerUnreachable:
		return "unreachable"
	default:
		return "unmonitored"
	}
}

// Peer is a remote party we call, that may register with us, and that we
// may qualify.
type Peer struct {
	Name        string
	Username    string // sent when we call or register to the peer
	Secret      string
	OutKey      string // private key name used for RSA auth towards the peer
	InKeys      string
	AuthMethods int
	// Host is the configured address; empty for dynamic peers.
	Host        netip.AddrPort
	Dynamic     bool
	ACL         ACL
	Context     string
	Capability  codec.Capability
	Prefs       codec.Prefs
	Policy      codec.Policy
	Encryption  int
	Trunk       bool
	MaxMS       int  // qualify bound, zero disables qualify
	Smoothing   bool // average two samples for the historic latency
	FreqOK      time.Duration
	FreqNotOK   time.Duration
	Realtime    bool // loaded from the real-time store
	MinExpire   int
	MaxExpire   int
	MailboxMsgs int

	mu         sync.Mutex
	addr       netip.AddrPort
	expiresAt  time.Time
	expiry     int
	expireID   timerID
	lastMS     int
	historicMS int
	state      PeerState
	pokeRef    CallRef
	pokeID     timerID
	noAnswerID timerID
}

// PeerStatus is a snapshot of a peer's runtime state.
type PeerStatus struct {
	Name       string         `json:"name"`
	Addr       netip.AddrPort `json:"addr"`
	Dynamic    bool           `json:"dynamic"`
	Trunk      bool           `json:"trunk"`
	Realtime   bool           `json:"realtime"`
	State      string         `json:"state"`
	LastMS     int            `json:"last_ms"`
	HistoricMS int            `json:"historic_ms"`
	MaxMS      int            `json:"max_ms"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// Addr returns the address the peer is currently reachable at.
func (p *Peer) Addr() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentAddr()
}

func (p *Peer) currentAddr() netip.AddrPort {
	if p.addr.IsValid() {
		return p.addr
	}
	return p.Host
}

// Status returns a snapshot for the operational surface.
func (p *Peer) Status() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PeerStatus{
		Name:       p.Name,
		Addr:       p.currentAddr(),
		Dynamic:    p.Dynamic,
		Trunk:      p.Trunk,
		Realtime:   p.Realtime,
		State:      p.state.String(),
		LastMS:     p.lastMS,
		HistoricMS: p.historicMS,
		MaxMS:      p.MaxMS,
	}
	if !p.expiresAt.IsZero() {
		t := p.expiresAt
		st.ExpiresAt = &t
	}
	return st
}

// Directory is a real-time backing store consulted when a user or peer is
// not configured locally.
type Directory interface {
	LookupUser(ctx context.Context, name string) (*User, error)
	LookupPeer(ctx context.Context, name string) (*Peer, error)
}

// SecretResolver resolves keystore: secret references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, key string) (string, error)
}

// ErrNotFound is returned by Directory implementations for unknown names.
var ErrNotFound = errors.New("not found")

// Registry holds users and peers under independent locks.
type Registry struct {
	logger  *slog.Logger
	dir     Directory
	secrets SecretResolver

	usersMu sync.RWMutex
	users   []*User
	byUser  map[string]*User

	peersMu sync.RWMutex
	peers   []*Peer
	byPeer  map[string]*Peer
}

// NewRegistry creates an empty registry. dir and secrets may be nil.
func NewRegistry(dir Directory, secrets SecretResolver, logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("subsystem", "registry"),
		dir:     dir,
		secrets: secrets,
		byUser:  make(map[string]*User),
		byPeer:  make(map[string]*Peer),
	}
}

// SetUsers replaces the configured users, keeping their order for
// best-match scoring.
func (r *Registry) SetUsers(users []*User) {
	by := make(map[string]*User, len(users))
	for _, u := range users {
		by[u.Name] = u
	}
	r.usersMu.Lock()
	r.users = users
	r.byUser = by
	r.usersMu.Unlock()
}

// SetPeers replaces the configured peers. Runtime state of peers that are
// still present is carried over.
func (r *Registry) SetPeers(peers []*Peer) {
	by := make(map[string]*Peer, len(peers))
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	for _, p := range peers {
		if old, ok := r.byPeer[p.Name]; ok && old != p {
			old.mu.Lock()
			p.addr, p.expiresAt, p.expiry = old.addr, old.expiresAt, old.expiry
			p.lastMS, p.historicMS, p.state = old.lastMS, old.historicMS, old.state
			old.mu.Unlock()
		}
		by[p.Name] = p
	}
	r.peers = peers
	r.byPeer = by
}

// AddPeer adds or replaces one peer.
func (r *Registry) AddPeer(p *Peer) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	if _, ok := r.byPeer[p.Name]; !ok {
		r.peers = append(r.peers, p)
	} else {
		for i, e := range r.peers {
			if e.Name == p.Name {
				r.peers[i] = p
			}
		}
	}
	r.byPeer[p.Name] = p
}

// Peer finds a peer by name, falling back to the real-time store. Peers
// loaded from the store are cached until pruned.
func (r *Registry) Peer(ctx context.Context, name string) (*Peer, error) {
	r.peersMu.RLock()
	p, ok := r.byPeer[name]
	r.peersMu.RUnlock()
	if ok {
		return p, nil
	}
	if r.dir == nil {
		return nil, fmt.Errorf("peer %q: %w", name, ErrUnknownPeer)
	}
	p, err := r.dir.LookupPeer(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("peer %q: %w", name, ErrUnknownPeer)
		}
		return nil, fmt.Errorf("looking up peer %q: %w", name, err)
	}
	p.Realtime = true
	r.AddPeer(p)
	return p, nil
}

// PeerByAddr returns the first peer currently at addr.
func (r *Registry) PeerByAddr(addr netip.AddrPort) (*Peer, bool) {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	for _, p := range r.peers {
		if p.Addr() == addr {
			return p, true
		}
	}
	return nil, false
}

// Peers returns the configured peers in order.
func (r *Registry) Peers() []*Peer {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	out := make([]*Peer, len(r.peers))
	copy(out, r.peers)
	return out
}

// Users returns the configured users in order.
func (r *Registry) Users() []*User {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	out := make([]*User, len(r.users))
	copy(out, r.users)
	return out
}

// PrunePeers drops peers cached from the real-time store and returns how
// many were removed.
func (r *Registry) PrunePeers() int {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	kept := r.peers[:0]
	n := 0
	for _, p := range r.peers {
		if p.Realtime {
			delete(r.byPeer, p.Name)
			n++
			continue
		}
		kept = append(kept, p)
	}
	r.peers = kept
	if n > 0 {
		r.logger.Info("pruned real-time peers", "count", n)
	}
	return n
}

// matchUser picks the user for an inbound call. An exact username match
// wins outright. Otherwise entries are scored: no secret with an ACL 4, no
// secret without ACL 3, secret with ACL 2, secret alone 1; the first entry
// with the highest score is kept.
func (r *Registry) matchUser(ctx context.Context, username, callCtx string, addr netip.Addr) *User {
	r.usersMu.RLock()
	var best *User
	bestScore := 0
	for _, u := range r.users {
		if username != "" && u.Name != username {
			continue
		}
		if !u.ACL.Allows(addr) || !u.allowsContext(callCtx) {
			continue
		}
		if username != "" {
			best = u
			break
		}
		score := 1
		switch {
		case !u.requiresAuth() && len(u.ACL) > 0:
			score = 4
		case !u.requiresAuth():
			score = 3
		case len(u.ACL) > 0:
			score = 2
		}
		if score > bestScore {
			best, bestScore = u, score
		}
	}
	r.usersMu.RUnlock()

	if best != nil || username == "" || r.dir == nil {
		return best
	}
	u, err := r.dir.LookupUser(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("real-time user lookup failed", "user", username, "error", err)
		}
		return nil
	}
	if !u.ACL.Allows(addr) || !u.allowsContext(callCtx) {
		return nil
	}
	return u
}

// acquireAuth counts an outstanding challenge against the user's ceiling,
// or against fallback when the user sets none. Zero means unlimited.
func (r *Registry) acquireAuth(u *User, fallback int) bool {
	limit := u.MaxAuthReq
	if limit <= 0 {
		limit = fallback
	}
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	if limit > 0 && u.curAuthReq >= limit {
		return false
	}
	u.curAuthReq++
	return true
}

func (r *Registry) releaseAuth(u *User) {
	if u == nil {
		return
	}
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	if u.curAuthReq > 0 {
		u.curAuthReq--
	}
}

// resolveSecret expands a keystore: reference.
func (r *Registry) resolveSecret(ctx context.Context, s string) string {
	if !strings.HasPrefix(s, secretRefPrefix) {
		return s
	}
	if r.secrets == nil {
		r.logger.Warn("secret reference without a key store", "ref", s)
		return ""
	}
	v, err := r.secrets.ResolveSecret(ctx, strings.TrimPrefix(s, secretRefPrefix))
	if err != nil {
		r.logger.Warn("resolving secret reference failed", "ref", s, "error", err)
		return ""
	}
	return v
}
