package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

type blindIndexer struct {
	key []byte
}

func newBlindIndexer(master []byte) (*blindIndexer, error) {
	sub := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte("carrental blind index"))
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("pii: derive index key: %w", err)
	}
	return &blindIndexer{key: sub}, nil
}

// digest normalizes case and surrounding space so "ab-123 " and "AB-123"
// collide.
func (b *blindIndexer) digest(value string) string {
	mac := hmac.New(sha256.New, b.key)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(mac.Sum(nil))
}
