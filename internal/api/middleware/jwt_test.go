package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func issueAt(t *testing.T, secret []byte, at time.Time) string {
	t.Helper()
	tk := NewTokens(secret, time.Hour, testLogger())
	tk.now = func() time.Time { return at }
	s, _, err := tk.Issue("admin")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	return s
}

func TestTokensRequire(t *testing.T) {
	now := time.Now()
	valid := issueAt(t, testSecret, now)
	expired := issueAt(t, testSecret, now.Add(-2*time.Hour))
	foreign := issueAt(t, []byte("another-secret-another-secret!!!"), now)
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "admin", Issuer: tokenIssuer}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	otherIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "admin", Issuer: "elsewhere"}).
		SignedString(testSecret)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "bearer " + valid, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"scheme only", "Bearer", http.StatusUnauthorized},
		{"basic scheme", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"alg none", "Bearer " + unsigned, http.StatusUnauthorized},
		{"other issuer", "Bearer " + otherIssuer, http.StatusUnauthorized},
	}

	tk := NewTokens(testSecret, time.Hour, testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var admin string
			h := tk.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				admin = AdminFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusOK && admin != "admin" {
				t.Errorf("AdminFromContext() = %q", admin)
			}
		})
	}
}

func TestTokensIssue(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tk := NewTokens(testSecret, 12*time.Hour, testLogger())
	tk.now = func() time.Time { return at }

	a, exp, err := tk.Issue("admin")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if !exp.Equal(at.Add(12 * time.Hour)) {
		t.Errorf("expiry = %v", exp)
	}
	b, _, _ := tk.Issue("admin")
	if a == b {
		t.Error("tokens issued at the same instant are identical")
	}
}
