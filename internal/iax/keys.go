package iax

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoKey is returned when a named RSA key is not loaded.
var ErrNoKey = errors.New("rsa key not found")

// KeyRing holds the named RSA keys used for RSA challenge authentication.
// Public keys verify callers; private keys sign our replies.
type KeyRing struct {
	logger *slog.Logger

	mu      sync.RWMutex
	public  map[string]*rsa.PublicKey
	private map[string]*rsa.PrivateKey
}

func NewKeyRing(logger *slog.Logger) *KeyRing {
	return &KeyRing{
		logger:  logger.With("subsystem", "keys"),
		public:  make(map[string]*rsa.PublicKey),
		private: make(map[string]*rsa.PrivateKey),
	}
}

// Load reads every name.pub and name.key PEM file in dir. It returns the
// number of keys loaded; unparsable files are logged and skipped.
func (k *KeyRing) Load(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading key directory: %w", err)
	}
	n := 0
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ext := filepath.Ext(ent.Name())
		if ext != ".pub" && ext != ".key" {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), ext)
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			k.logger.Warn("reading key file failed", "file", ent.Name(), "error", err)
			continue
		}
		if ext == ".pub" {
			pub, err := parsePublicKey(data)
			if err != nil {
				k.logger.Warn("parsing public key failed", "file", ent.Name(), "error", err)
				continue
			}
			k.AddPublic(name, pub)
		} else {
			priv, err := parsePrivateKey(data)
			if err != nil {
				k.logger.Warn("parsing private key failed", "file", ent.Name(), "error", err)
				continue
			}
			k.AddPrivate(name, priv)
		}
		n++
	}
	k.logger.Info("rsa keys loaded", "dir", dir, "count", n)
	return n, nil
}

func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%T is not an rsa key", key)
	}
	return pub, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%T is not an rsa key", key)
	}
	return priv, nil
}

func (k *KeyRing) AddPublic(name string, pub *rsa.PublicKey) {
	k.mu.Lock()
	k.public[name] = pub
	k.mu.Unlock()
}

func (k *KeyRing) AddPrivate(name string, priv *rsa.PrivateKey) {
	k.mu.Lock()
	k.private[name] = priv
	k.public[name] = &priv.PublicKey
	k.mu.Unlock()
}

// Sign signs the SHA-1 digest of challenge with the named private key and
// returns the base64 signature.
func (k *KeyRing) Sign(name, challenge string) (string, error) {
	k.mu.RLock()
	priv, ok := k.private[name]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("private key %q: %w", name, ErrNoKey)
	}
	digest := sha1.Sum([]byte(challenge))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing challenge with %q: %w", name, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks sig against each public key in the ':' separated names and
// reports whether any of them verifies it.
func (k *KeyRing) Verify(names, challenge, sig string) bool {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	digest := sha1.Sum([]byte(challenge))
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, name := range strings.Split(names, ":") {
		pub, ok := k.public[strings.TrimSpace(name)]
		if !ok {
			continue
		}
		if rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], raw) == nil {
			return true
		}
	}
	return false
}
