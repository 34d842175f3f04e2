package database

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost, shared by admin password hashes and the keystore key.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	kdfKeyLen  = 32
	saltLen    = 16
)

var errHashFormat = errors.New("malformed password hash")

// phc is an argon2id hash in PHC string form:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<key>
type phc struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func (h phc) String() string {
	b64 := base64.RawStdEncoding
	return "$argon2id$v=" + strconv.Itoa(argon2.Version) +
		"$m=" + strconv.FormatUint(uint64(h.memory), 10) +
		",t=" + strconv.FormatUint(uint64(h.time), 10) +
		",p=" + strconv.FormatUint(uint64(h.threads), 10) +
		"$" + b64.EncodeToString(h.salt) + "$" + b64.EncodeToString(h.key)
}

func parsePHC(s string) (phc, error) {
	var h phc
	rest, ok := strings.CutPrefix(s, "$argon2id$")
	if !ok {
		return h, fmt.Errorf("%w: not argon2id", errHashFormat)
	}
	fields := strings.Split(rest, "$")
	if len(fields) != 4 {
		return h, fmt.Errorf("%w: %d fields", errHashFormat, len(fields))
	}
	if fields[0] != "v="+strconv.Itoa(argon2.Version) {
		return h, fmt.Errorf("%w: version %q", errHashFormat, fields[0])
	}

	for _, kv := range strings.Split(fields[1], ",") {
		k, v, _ := strings.Cut(kv, "=")
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return h, fmt.Errorf("%w: parameter %q", errHashFormat, kv)
		}
		switch k {
		case "m":
			h.memory = uint32(n)
		case "t":
			h.time = uint32(n)
		case "p":
			if n > 255 {
				return h, fmt.Errorf("%w: parallelism %d", errHashFormat, n)
			}
			h.threads = uint8(n)
		default:
			return h, fmt.Errorf("%w: parameter %q", errHashFormat, k)
		}
	}
	if h.memory == 0 || h.time == 0 || h.threads == 0 {
		return h, fmt.Errorf("%w: missing cost parameter", errHashFormat)
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(fields[2]); err != nil {
		return h, fmt.Errorf("%w: salt: %v", errHashFormat, err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(fields[3]); err != nil {
		return h, fmt.Errorf("%w: key: %v", errHashFormat, err)
	}
	if len(h.key) == 0 {
		return h, fmt.Errorf("%w: empty key", errHashFormat)
	}
	return h, nil
}

// HashPassword returns the argon2id PHC string for password.
func HashPassword(password string) (string, error) {
	salt, err := NewSalt()
	if err != nil {
		return "", err
	}
	h := phc{memory: kdfMemory, time: kdfTime, threads: kdfThreads, salt: salt}
	h.key = argon2.IDKey([]byte(password), salt, h.time, h.memory, h.threads, kdfKeyLen)
	return h.String(), nil
}

// CheckPassword reports whether password matches encoded. The cost
// parameters come from encoded, so older hashes keep verifying after the
// defaults change.
func CheckPassword(password, encoded string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(password), h.salt, h.time, h.memory, h.threads, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(key, h.key) == 1, nil
}

func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches a keystore passphrase into an AES-256 key.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
}
