package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"errors"
)

// ErrDecrypt covers every way a ciphertext can fail to verify: too short,
// bad padding length, not block aligned, or garbage after decryption.
var ErrDecrypt = errors.New("frame failed to decrypt")

const (
	blockSize = aes.BlockSize

	// routing headers left in the clear
	fullEncHeader = 4
	miniEncHeader = 2

	chainLen = 32
)

// Key is a 128-bit per-call key.
type Key [16]byte

// DeriveKey returns MD5(challenge || secret).
func DeriveKey(challenge, secret string) Key {
	h := md5.New()
	h.Write([]byte(challenge))
	h.Write([]byte(secret))
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Crypter encrypts and decrypts frames for one call. Every encrypted frame
// is prefixed with 16..31 bytes of padding whose count sits in the low
// nibble of byte 15; the padding is drawn from the chaining state, which is
// refreshed from the last 32 bytes of each ciphertext. CBC runs with a zero
// IV. The format is fixed for interoperability.
//
// A Crypter is not safe for concurrent use; it lives under its call's lock.
type Crypter struct {
	block cipher.Block
	chain [chainLen]byte
}

// NewCrypter creates a Crypter keyed with k and a random chaining state.
func NewCrypter(k Key) *Crypter {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		// 16-byte keys are always valid.
		panic(err)
	}
	c := &Crypter{block: block}
	rand.Read(c.chain[:])
	return c
}

func encHeaderLen(frame []byte) int {
	if len(frame) > 0 && frame[0]&0x80 != 0 {
		return fullEncHeader
	}
	return miniEncHeader
}

// Encrypt returns an encrypted copy of a marshalled full or mini frame.
func (c *Crypter) Encrypt(frame []byte) []byte {
	h := encHeaderLen(frame)
	body := frame[h:]
	padding := blockSize - len(body)%blockSize
	padding = blockSize + padding&0xf

	ws := make([]byte, padding+len(body))
	copy(ws, c.chain[:padding])
	copy(ws[padding:], body)
	ws[15] = ws[15]&0xf0 | byte(padding&0xf)

	out := make([]byte, h+len(ws))
	copy(out, frame[:h])
	var iv [blockSize]byte
	cipher.NewCBCEncrypter(c.block, iv[:]).CryptBlocks(out[h:], ws)

	if ct := out[h:]; len(ct) >= chainLen {
		copy(c.chain[:], ct[len(ct)-chainLen:])
	}
	return out
}

// Decrypt returns the plaintext frame. Full frames must decode to a known
// frame type; a wrong key is reported as ErrDecrypt, never a panic.
func (c *Crypter) Decrypt(frame []byte) ([]byte, error) {
	h := encHeaderLen(frame)
	minLen := MiniHeaderLen
	if h == fullEncHeader {
		minLen = FullHeaderLen
	}
	if len(frame) < blockSize+minLen {
		return nil, ErrDecrypt
	}
	ct := frame[h:]
	if len(ct)%blockSize != 0 {
		return nil, ErrDecrypt
	}

	ws := make([]byte, len(ct))
	var iv [blockSize]byte
	cipher.NewCBCDecrypter(c.block, iv[:]).CryptBlocks(ws, ct)

	padding := blockSize + int(ws[15]&0x0f)
	if len(frame) < padding+minLen {
		return nil, ErrDecrypt
	}

	out := make([]byte, h+len(ws)-padding)
	copy(out, frame[:h])
	copy(out[h:], ws[padding:])
	if h == fullEncHeader && !FrameType(out[10]).Known() {
		return nil, ErrDecrypt
	}
	return out, nil
}
