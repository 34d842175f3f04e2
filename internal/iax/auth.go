package iax

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowpbx/flowiax/internal/wire"
)

const (
	defaultAuthMethods = wire.AuthMD5 | wire.AuthPlaintext

	authTextNoAuthority  = "No authority found"
	authTextRegRefused   = "Registration Refused"
	authTextLimitReached = "Unauthenticated call limit reached"
)

// effectiveAuthMethods fills in the default methods and adds RSA when
// public keys are configured.
func effectiveAuthMethods(methods int, inKeys string) int {
	if methods == 0 {
		methods = defaultAuthMethods
	}
	if inKeys != "" {
		methods |= wire.AuthRSA
	}
	return methods
}

// newChallenge returns a random decimal challenge.
func newChallenge() string {
	var b [4]byte
	rand.Read(b[:])
	return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b[:])), 10)
}

// splitSecrets splits a ';' separated secret list.
func splitSecrets(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func md5Proof(challenge, secret string) string {
	sum := md5.Sum([]byte(challenge + secret))
	return hex.EncodeToString(sum[:])
}

// candidateKeys derives an encryption key for every secret in the list.
func candidateKeys(challenge string, secrets []string) []wire.Key {
	keys := make([]wire.Key, 0, len(secrets))
	for _, s := range secrets {
		keys = append(keys, wire.DeriveKey(challenge, s))
	}
	return keys
}

// answerChallenge adds the strongest proof both sides allow to b: an RSA
// signature when we have a private key, then MD5, then the plaintext
// secret. It reports false when no method fits.
func (e *Engine) answerChallenge(b *wire.IEBuilder, methods int, challenge, secret, outKey string) bool {
	if outKey != "" && methods&wire.AuthRSA != 0 && challenge != "" {
		sig, err := e.keys.Sign(outKey, challenge)
		if err == nil {
			b.AddString(wire.IERSAResult, sig)
			return true
		}
		e.logger.Warn("rsa authentication unavailable", "key", outKey, "error", err)
	}
	if secret == "" {
		return false
	}
	switch {
	case methods&wire.AuthMD5 != 0 && challenge != "":
		b.AddString(wire.IEMD5Result, md5Proof(challenge, secret))
		return true
	case methods&wire.AuthPlaintext != 0:
		b.AddString(wire.IEPassword, secret)
		return true
	}
	return false
}

// verifyProof checks an authentication reply. The first method in the
// order RSA, MD5, plaintext that the entry allows decides; MD5 accepts any
// secret of the list. It returns the secret that matched, if any.
func (e *Engine) verifyProof(methods int, challenge string, secrets []string, inKeys string, ies wire.IEs) (string, bool) {
	if methods&wire.AuthRSA != 0 && ies.Has(wire.IERSAResult) && inKeys != "" {
		return "", e.keys.Verify(inKeys, challenge, ies.String(wire.IERSAResult))
	}
	if methods&wire.AuthMD5 != 0 {
		got := strings.ToLower(ies.String(wire.IEMD5Result))
		if got == "" {
			return "", false
		}
		for _, s := range secrets {
			if md5Proof(challenge, s) == got {
				return s, true
			}
		}
		return "", false
	}
	if methods&wire.AuthPlaintext != 0 {
		got := ies.String(wire.IEPassword)
		for _, s := range secrets {
			if got != "" && got == s {
				return s, true
			}
		}
	}
	return "", false
}

// ParseAuthMethods parses a comma separated list of plaintext, md5 and rsa.
// An empty list yields zero, which means the defaults.
func ParseAuthMethods(s string) (int, error) {
	methods := 0
	for _, f := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "":
		case "plaintext":
			methods |= wire.AuthPlaintext
		case "md5":
			methods |= wire.AuthMD5
		case "rsa":
			methods |= wire.AuthRSA
		default:
			return 0, fmt.Errorf("unknown auth method %q", f)
		}
	}
	return methods, nil
}

// ParseEncryption maps an encryption setting to method bits: "yes" and
// "aes128" enable AES-CBC, "no" or empty disable it.
func ParseEncryption(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "no", "off":
		return 0, nil
	case "yes", "on", "aes128":
		return wire.EncryptAESCBC, nil
	}
	return 0, fmt.Errorf("unknown encryption %q", s)
}
