package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/flowpbx/flowiax/internal/api/middleware"
	"github.com/flowpbx/flowiax/internal/database"
	"github.com/flowpbx/flowiax/internal/iax"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testEnv struct {
	srv    *Server
	engine *iax.Engine
	guard  *iax.FloodGuard
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	db, err := database.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	admins := database.NewAdmins(db)
	if _, err := admins.EnsureAdmin(context.Background(), "admin", "s3cret-pass"); err != nil {
		t.Fatalf("creating admin: %v", err)
	}

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	reg := iax.NewRegistry(nil, nil, logger)
	reg.SetUsers([]*iax.User{{Name: "guest", Contexts: []string{"default"}}})
	reg.SetPeers([]*iax.Peer{
		{Name: "alpha", Dynamic: true, MaxMS: 2000},
		{Name: "beta", Host: netip.MustParseAddrPort("127.0.0.1:4570")},
	})

	guard := iax.NewFloodGuard(wallClock{}, 0, 0, logger)
	engine, err := iax.New(conn, iax.DefaultConfig(), iax.Options{
		Registry: reg,
		Guard:    guard,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	srv := NewServer(Deps{
		Engine:    engine,
		Guard:     guard,
		Admins:    admins,
		JWTSecret: testSecret,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "ok\n") }),
		Logger:    logger,
	})

	token, _, err := middleware.NewTokens(testSecret, time.Hour, logger).Issue("admin")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return &testEnv{srv: srv, engine: engine, guard: guard, token: token}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, auth bool) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.0.2.10:50000"
	if auth {
		req.Header.Set("Authorization", "Bearer "+env.token)
	}
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)

	var env2 envelope
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(w.Body.Bytes(), &env2); err != nil {
			t.Fatalf("decoding %s %s: %v", method, path, err)
		}
	}
	return w, env2
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w, resp := env.do(t, http.MethodGet, "/api/v1/health", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := resp.Data.(map[string]any)
	if data["status"] != "ok" {
		t.Errorf("status = %v, want ok", data["status"])
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestMetricsMounted(t *testing.T) {
	env := newTestEnv(t)
	w, _ := env.do(t, http.MethodGet, "/metrics", nil, false)
	if w.Code != http.StatusOK || w.Body.String() != "ok\n" {
		t.Errorf("GET /metrics = %d %q", w.Code, w.Body.String())
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"valid", loginRequest{Username: "admin", Password: "s3cret-pass"}, http.StatusOK},
		{"wrong password", loginRequest{Username: "admin", Password: "nope"}, http.StatusUnauthorized},
		{"unknown user", loginRequest{Username: "root", Password: "s3cret-pass"}, http.StatusUnauthorized},
		{"missing fields", loginRequest{Username: "admin"}, http.StatusBadRequest},
		{"unknown field", map[string]string{"user": "admin"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(t, http.MethodPost, "/api/v1/auth/login", tt.body, false)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (error %q)", w.Code, tt.want, resp.Error)
			}
			if tt.want != http.StatusOK {
				return
			}
			data := resp.Data.(map[string]any)
			token, _ := data["token"].(string)
			if token == "" {
				t.Fatal("expected a token")
			}

			req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			env.srv.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("GET /auth/me with issued token = %d", rec.Code)
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/v1/calls", "/api/v1/peers", "/api/v1/debug", "/api/v1/blocked"} {
		w, _ := env.do(t, http.MethodGet, path, nil, false)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, w.Code)
		}
	}
}

func TestListPeersAndUsers(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodGet, "/api/v1/peers?limit=1", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := resp.Data.(map[string]any)
	if data["total"] != float64(2) {
		t.Errorf("total = %v, want 2", data["total"])
	}
	items := data["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if name := items[0].(map[string]any)["name"]; name != "alpha" {
		t.Errorf("first peer = %v, want alpha", name)
	}

	w, resp = env.do(t, http.MethodGet, "/api/v1/users", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	users := resp.Data.(map[string]any)["items"].([]any)
	if len(users) != 1 || users[0].(map[string]any)["name"] != "guest" {
		t.Errorf("users = %v, want [guest]", users)
	}

	w, _ = env.do(t, http.MethodGet, "/api/v1/peers?limit=0", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", w.Code)
	}
}

func TestPeerOperations(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"qualify", http.MethodPost, "/api/v1/peers/alpha/qualify", http.StatusAccepted},
		{"qualify unmonitored", http.MethodPost, "/api/v1/peers/beta/qualify", http.StatusConflict},
		{"qualify unknown", http.MethodPost, "/api/v1/peers/gamma/qualify", http.StatusNotFound},
		{"unregister dynamic", http.MethodDelete, "/api/v1/peers/alpha/registration", http.StatusNoContent},
		{"unregister static", http.MethodDelete, "/api/v1/peers/beta/registration", http.StatusConflict},
		{"prune", http.MethodPost, "/api/v1/peers/prune", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(t, tt.method, tt.path, nil, true)
			if w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (error %q)", tt.method, tt.path, w.Code, tt.want, resp.Error)
			}
		})
	}
}

func TestCallsAndNetStats(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodGet, "/api/v1/calls", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if calls, _ := resp.Data.([]any); len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/calls/5/netstats", http.StatusNotFound},
		{"/api/v1/calls/0/netstats", http.StatusBadRequest},
		{"/api/v1/calls/abc/netstats", http.StatusBadRequest},
		{"/api/v1/calls/40000/netstats", http.StatusBadRequest},
	}
	for _, tt := range tests {
		w, _ := env.do(t, http.MethodGet, tt.path, nil, true)
		if w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}

func TestDebugSettings(t *testing.T) {
	env := newTestEnv(t)

	trace, loss := "full", 25
	w, resp := env.do(t, http.MethodPut, "/api/v1/debug", debugSettings{Trace: &trace, LossPercent: &loss}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (error %q)", w.Code, resp.Error)
	}
	if env.engine.Tracer().Verbosity() != iax.TraceFull {
		t.Errorf("verbosity = %s, want full", env.engine.Tracer().Verbosity())
	}
	if env.engine.Loss() != 25 {
		t.Errorf("loss = %d, want 25", env.engine.Loss())
	}

	bad := 101
	w, _ = env.do(t, http.MethodPut, "/api/v1/debug", debugSettings{LossPercent: &bad}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("loss 101 status = %d, want 400", w.Code)
	}
	junk := "loud"
	w, _ = env.do(t, http.MethodPut, "/api/v1/debug", debugSettings{Trace: &junk}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("trace loud status = %d, want 400", w.Code)
	}

	_, resp = env.do(t, http.MethodGet, "/api/v1/debug", nil, true)
	data := resp.Data.(map[string]any)
	if data["trace"] != "full" || data["loss_percent"] != float64(25) {
		t.Errorf("debug = %v, want full/25", data)
	}
}

func TestBlockedSources(t *testing.T) {
	env := newTestEnv(t)
	addr := netip.MustParseAddr("198.51.100.7")
	for range 10 {
		env.guard.Failure(addr)
	}

	_, resp := env.do(t, http.MethodGet, "/api/v1/blocked", nil, true)
	blocked := resp.Data.([]any)
	if len(blocked) != 1 || blocked[0].(map[string]any)["ip"] != "198.51.100.7" {
		t.Fatalf("blocked = %v, want [198.51.100.7]", blocked)
	}

	w, _ := env.do(t, http.MethodDelete, "/api/v1/blocked/198.51.100.7", nil, true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("unblock status = %d, want 204", w.Code)
	}
	if env.guard.Blocked(addr) {
		t.Error("address still blocked")
	}

	w, _ = env.do(t, http.MethodDelete, "/api/v1/blocked/198.51.100.7", nil, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("second unblock status = %d, want 404", w.Code)
	}
	w, _ = env.do(t, http.MethodDelete, "/api/v1/blocked/not-an-ip", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid ip status = %d, want 400", w.Code)
	}
}

func TestDialplanEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodGet, "/api/v1/dialplan/lookup?peer=gamma&exten=100", nil, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("lookup unknown peer = %d, want 404 (error %q)", w.Code, resp.Error)
	}
	w, _ = env.do(t, http.MethodGet, "/api/v1/dialplan/lookup?peer=beta", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("lookup without exten = %d, want 400", w.Code)
	}

	w, _ = env.do(t, http.MethodPost, "/api/v1/dialplan/cache/prune", nil, true)
	if w.Code != http.StatusOK {
		t.Errorf("prune = %d, want 200", w.Code)
	}
	w, _ = env.do(t, http.MethodGet, "/api/v1/dialplan/cache", nil, true)
	if w.Code != http.StatusOK {
		t.Errorf("cache = %d, want 200", w.Code)
	}
}

func TestRegistrationListings(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodGet, "/api/v1/registrations", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	regs := resp.Data.(map[string]any)["registrations"].([]any)
	if len(regs) != 0 {
		t.Errorf("registrations = %v, want none", regs)
	}

	w, _ = env.do(t, http.MethodGet, "/api/v1/registrations/clients", nil, true)
	if w.Code != http.StatusOK {
		t.Errorf("clients = %d, want 200", w.Code)
	}
	w, _ = env.do(t, http.MethodGet, "/api/v1/trunks", nil, true)
	if w.Code != http.StatusOK {
		t.Errorf("trunks = %d, want 200", w.Code)
	}
}

func TestDialplanFlags(t *testing.T) {
	got := dialplanFlags(iax.DialplanStatus(1<<0 | 1<<15))
	if len(got) != 2 || got[0] != "exists" || got[1] != "match_more" {
		t.Errorf("dialplanFlags = %v, want [exists match_more]", got)
	}
}
