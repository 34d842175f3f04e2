package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

type adminKey struct{}

const tokenIssuer = "flowiax"

// Tokens issues and checks the HS256 bearer tokens of the operational API.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewTokens(secret []byte, ttl time.Duration, logger *slog.Logger) *Tokens {
	return &Tokens{secret: secret, ttl: ttl, now: time.Now, logger: logger}
}

// Issue signs a token for username and returns it with its expiry.
func (t *Tokens) Issue(username string) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    tokenIssuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (t *Tokens) verify(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}); err != nil {
		return "", err
	}
	if !claims.VerifyIssuer(tokenIssuer, true) || claims.Subject == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Subject, nil
}

// Require rejects requests without a valid bearer token and puts the
// admin's name in the context of the rest.
func (t *Tokens) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		admin, err := t.verify(strings.TrimSpace(raw))
		if err != nil {
			t.logger.Debug("rejected api token", "error", err, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey{}, admin)))
	})
}

// AdminFromContext returns the authenticated admin, or "".
func AdminFromContext(ctx context.Context) string {
	name, _ := ctx.Value(adminKey{}).(string)
	return name
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct { //nolint:errcheck
		Error string `json:"error"`
	}{msg})
}
