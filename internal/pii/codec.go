// Package pii seals personally identifiable fields before they reach a
// datastore or leave a service.
package pii

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"carrental/internal/apperr"
)

// KeySize is the length of a codec key in bytes.
const KeySize = chacha20poly1305.KeySize

const prefix = "v1."

var (
	ErrMissingKey   = errors.New("pii: encryption key is not configured")
	ErrMalformedKey = errors.New("pii: encryption key must be 32 bytes of base64")
)

// Codec encrypts and decrypts individual field values. It is safe for
// concurrent use.
type Codec struct {
	aead  cipher.AEAD
	index *blindIndexer
}

// NewCodec builds a codec from a raw 32 byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	if len(key) != KeySize {
		return nil, ErrMalformedKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("pii: init cipher: %w", err)
	}
	idx, err := newBlindIndexer(key)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead, index: idx}, nil
}

// ParseKey decodes a base64 key as produced by GenerateKey. Both standard
// and URL alphabets are accepted.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrMissingKey
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(encoded)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, ErrMalformedKey
}

// GenerateKey returns a fresh random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext under a random nonce. The output is printable
// and differs on every call.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("pii: read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any tampering, truncation or
// key mismatch yields a decryption error.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, prefix) {
		return "", apperr.Decryption(errors.New("unknown ciphertext format"))
	}
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext[len(prefix):])
	if err != nil {
		return "", apperr.Decryption(err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", apperr.Decryption(errors.New("ciphertext too short"))
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", apperr.Decryption(err)
	}
	return string(plain), nil
}

// EncryptOptional leaves empty values empty.
func (c *Codec) EncryptOptional(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return c.Encrypt(plaintext)
}

// DecryptOptional leaves empty values empty.
func (c *Codec) DecryptOptional(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	return c.Decrypt(ciphertext)
}

// BlindIndex returns a deterministic keyed digest of value suitable for
// equality lookups and unique constraints.
func (c *Codec) BlindIndex(value string) string {
	return c.index.digest(value)
}
