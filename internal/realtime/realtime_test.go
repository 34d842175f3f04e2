package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/flowpbx/flowiax/internal/iax"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// openTestStore connects to FLOWIAX_TEST_PG_DSN or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FLOWIAX_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("FLOWIAX_TEST_PG_DSN not set")
	}
	s, err := New(context.Background(), dsn, nil, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		s.db.Exec(`DELETE FROM iax_users WHERE name LIKE 'rt-test-%'`)
		s.db.Exec(`DELETE FROM iax_peers WHERE name LIKE 'rt-test-%'`)
		s.Close()
	})
	return s
}

func TestNewUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := New(ctx, "postgres://flowiax@127.0.0.1:1/flowiax?connect_timeout=1", nil, testLogger()); err == nil {
		t.Fatal("New() against a closed port should fail")
	}
}

func TestLookupUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`INSERT INTO iax_users (name, secret, contexts, codecs, trunk)
		VALUES ('rt-test-alice', 'pw', 'default', 'ulaw', TRUE)`)
	if err != nil {
		t.Fatalf("inserting user: %v", err)
	}

	u, err := s.LookupUser(ctx, "rt-test-alice")
	if err != nil {
		t.Fatalf("LookupUser() error: %v", err)
	}
	if u.Secret != "pw" || u.Context() != "default" || !u.Trunk {
		t.Errorf("LookupUser() = %+v", u)
	}

	if _, err := s.LookupUser(ctx, "rt-test-nobody"); !errors.Is(err, iax.ErrNotFound) {
		t.Errorf("LookupUser(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestLookupPeer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`INSERT INTO iax_peers (name, host, qualify_ms)
		VALUES ('rt-test-gw', '192.0.2.60:4570', 1500), ('rt-test-phone', 'dynamic', 0)`)
	if err != nil {
		t.Fatalf("inserting peers: %v", err)
	}

	p, err := s.LookupPeer(ctx, "rt-test-gw")
	if err != nil {
		t.Fatalf("LookupPeer() error: %v", err)
	}
	if p.Host.String() != "192.0.2.60:4570" || p.MaxMS != 1500 {
		t.Errorf("LookupPeer() = %+v", p)
	}
	p, err = s.LookupPeer(ctx, "rt-test-phone")
	if err != nil || !p.Dynamic {
		t.Errorf("LookupPeer(phone) = %+v, %v", p, err)
	}

	if _, err := s.LookupPeer(ctx, "rt-test-none"); !errors.Is(err, iax.ErrNotFound) {
		t.Errorf("LookupPeer(unknown) error = %v, want ErrNotFound", err)
	}
}
