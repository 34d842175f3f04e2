package iax

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestParseACL(t *testing.T) {
	tests := []struct {
		in      string
		allow   []string
		deny    []string
		wantErr bool
	}{
		{in: "", allow: []string{"192.0.2.1", "2001:db8::1"}},
		{in: "10.0.0.0/8, 192.0.2.9", allow: []string{"10.1.2.3", "192.0.2.9", "::ffff:10.0.0.1"}, deny: []string{"192.0.2.10", "172.16.0.1"}},
		{in: "10.1.2.3/8", allow: []string{"10.200.0.1"}},
		{in: "2001:db8::/32", allow: []string{"2001:db8:1::5"}, deny: []string{"10.0.0.1"}},
		{in: "10.0.0.0/33", wantErr: true},
		{in: "example.org", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			acl, err := ParseACL(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseACL(%q) error = %v", tt.in, err)
			}
			for _, a := range tt.allow {
				if !acl.Allows(netip.MustParseAddr(a)) {
					t.Errorf("%s denied", a)
				}
			}
			for _, a := range tt.deny {
				if acl.Allows(netip.MustParseAddr(a)) {
					t.Errorf("%s allowed", a)
				}
			}
		})
	}
}

func mustACL(t *testing.T, s string) ACL {
	t.Helper()
	acl, err := ParseACL(s)
	if err != nil {
		t.Fatal(err)
	}
	return acl
}

func TestMatchUserScoring(t *testing.T) {
	reg := NewRegistry(nil, nil, testLogger())
	local := mustACL(t, "192.0.2.0/24")
	reg.SetUsers([]*User{
		{Name: "secret-any", Secret: "x"},
		{Name: "secret-local", Secret: "x", ACL: local},
		{Name: "open-any"},
		{Name: "open-local", ACL: local},
		{Name: "sales", Secret: "x", Contexts: []string{"sales"}},
	})
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		context  string
		addr     string
		want     string
	}{
		{"open with acl wins", "", "", "192.0.2.5", "open-local"},
		{"open without acl outside range", "", "", "198.51.100.1", "open-any"},
		{"explicit username", "secret-any", "", "192.0.2.5", "secret-any"},
		{"username outside acl", "secret-local", "", "198.51.100.1", ""},
		{"context restricts", "sales", "support", "192.0.2.5", ""},
		{"context allows", "sales", "sales", "192.0.2.5", "sales"},
		{"unknown username", "nobody", "", "192.0.2.5", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := reg.matchUser(ctx, tt.username, tt.context, netip.MustParseAddr(tt.addr))
			got := ""
			if u != nil {
				got = u.Name
			}
			if got != tt.want {
				t.Errorf("matched %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMatchUserFirstOfEqualScore(t *testing.T) {
	reg := NewRegistry(nil, nil, testLogger())
	reg.SetUsers([]*User{{Name: "first", Secret: "a"}, {Name: "second", Secret: "b"}})
	u := reg.matchUser(context.Background(), "", "", netip.MustParseAddr("192.0.2.1"))
	if u == nil || u.Name != "first" {
		t.Errorf("matched %v, want first", u)
	}
}

// stubDirectory is a real-time store backed by maps.
type stubDirectory struct {
	users map[string]*User
	peers map[string]*Peer
	err   error
}

func (d *stubDirectory) LookupUser(_ context.Context, name string) (*User, error) {
	if d.err != nil {
		return nil, d.err
	}
	if u, ok := d.users[name]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (d *stubDirectory) LookupPeer(_ context.Context, name string) (*Peer, error) {
	if d.err != nil {
		return nil, d.err
	}
	if p, ok := d.peers[name]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func TestRegistryDirectoryFallback(t *testing.T) {
	dir := &stubDirectory{
		users: map[string]*User{"remote": {Name: "remote", Secret: "s"}},
		peers: map[string]*Peer{"branch": {Name: "branch", Dynamic: true}},
	}
	reg := NewRegistry(dir, nil, testLogger())
	reg.SetPeers([]*Peer{{Name: "static", Host: netip.MustParseAddrPort("192.0.2.1:4569")}})
	ctx := context.Background()

	if u := reg.matchUser(ctx, "remote", "", netip.MustParseAddr("192.0.2.1")); u == nil || u.Name != "remote" {
		t.Errorf("real-time user not found: %v", u)
	}

	p, err := reg.Peer(ctx, "branch")
	if err != nil {
		t.Fatalf("Peer: %v", err)
	}
	if !p.Realtime {
		t.Error("real-time peer not marked")
	}
	if len(reg.Peers()) != 2 {
		t.Errorf("peers = %d, want the real-time peer cached", len(reg.Peers()))
	}

	if _, err := reg.Peer(ctx, "ghost"); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("unknown peer error = %v", err)
	}

	if n := reg.PrunePeers(); n != 1 {
		t.Errorf("PrunePeers = %d, want 1", n)
	}
	peers := reg.Peers()
	if len(peers) != 1 || peers[0].Name != "static" {
		t.Errorf("peers after prune = %d", len(peers))
	}

	dir.err = errors.New("database down")
	if _, err := reg.Peer(ctx, "branch"); err == nil || errors.Is(err, ErrUnknownPeer) {
		t.Errorf("store failure error = %v", err)
	}
}

func TestSetPeersKeepsRuntimeState(t *testing.T) {
	reg := NewRegistry(nil, nil, testLogger())
	old := &Peer{Name: "phone", Dynamic: true}
	reg.SetPeers([]*Peer{old})

	addr := netip.MustParseAddrPort("192.0.2.44:4569")
	old.mu.Lock()
	old.addr = addr
	old.expiresAt = time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	old.state = PeerReachable
	old.mu.Unlock()

	fresh := &Peer{Name: "phone", Dynamic: true, MaxMS: 2000}
	reg.SetPeers([]*Peer{fresh})
	st := fresh.Status()
	if st.Addr != addr || st.State != "reachable" || st.ExpiresAt == nil || st.MaxMS != 2000 {
		t.Errorf("status after reload = %+v", st)
	}
	if p, ok := reg.PeerByAddr(addr); !ok || p != fresh {
		t.Error("PeerByAddr did not find the reloaded peer")
	}
}

func TestAcquireAuth(t *testing.T) {
	reg := NewRegistry(nil, nil, testLogger())
	limited := &User{Name: "limited", MaxAuthReq: 2}
	fallback := &User{Name: "fallback"}

	if !reg.acquireAuth(limited, 0) || !reg.acquireAuth(limited, 0) {
		t.Fatal("acquire under the limit refused")
	}
	if reg.acquireAuth(limited, 0) {
		t.Error("acquire over the limit allowed")
	}
	reg.releaseAuth(limited)
	if !reg.acquireAuth(limited, 0) {
		t.Error("acquire after release refused")
	}

	if !reg.acquireAuth(fallback, 1) || reg.acquireAuth(fallback, 1) {
		t.Error("fallback ceiling not applied")
	}
	unlimited := &User{Name: "unlimited"}
	for i := 0; i < 50; i++ {
		if !reg.acquireAuth(unlimited, 0) {
			t.Fatal("zero ceiling limited")
		}
	}
	reg.releaseAuth(nil)
}

type mapSecrets map[string]string

func (m mapSecrets) ResolveSecret(_ context.Context, key string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", errors.New("no such secret")
}

func TestResolveSecret(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, mapSecrets{"iax/trunk": "s3cret"}, testLogger())

	tests := []struct {
		in, want string
	}{
		{"inline", "inline"},
		{"keystore:iax/trunk", "s3cret"},
		{"keystore:iax/missing", ""},
	}
	for _, tt := range tests {
		if got := reg.resolveSecret(ctx, tt.in); got != tt.want {
			t.Errorf("resolveSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	bare := NewRegistry(nil, nil, testLogger())
	if got := bare.resolveSecret(ctx, "keystore:iax/trunk"); got != "" {
		t.Errorf("reference resolved without a store: %q", got)
	}
}
