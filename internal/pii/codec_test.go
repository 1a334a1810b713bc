package pii

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"carrental/internal/apperr"
)

func newTestCodec(t testing.TB) *Codec {
	t.Helper()
	encoded, err := GenerateKey()
	require.NoError(t, err)
	key, err := ParseKey(encoded)
	require.NoError(t, err)
	c, err := NewCodec(key)
	require.NoError(t, err)
	return c
}

func TestRoundTripProperty(t *testing.T) {
	c := newTestCodec(t)
	rapid.Check(t, func(t *rapid.T) {
		plain := rapid.String().Draw(t, "plain")
		sealed, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != plain {
			t.Fatalf("round trip: got %q want %q", got, plain)
		}
	})
}

func TestRoundTripEdgeValues(t *testing.T) {
	c := newTestCodec(t)
	for _, v := range []string{"", strings.Repeat("x", 100), "Zoë Ünïcødé 🚗"} {
		sealed, err := c.Encrypt(v)
		require.NoError(t, err)
		got, err := c.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	c := newTestCodec(t)
	a, err := c.Encrypt("AB-123")
	require.NoError(t, err)
	b, err := c.Encrypt("AB-123")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	c := newTestCodec(t)
	sealed, err := c.Encrypt("alice@example.com")
	require.NoError(t, err)

	flipped := []byte(sealed)
	mid := len(flipped) / 2
	if flipped[mid] == 'A' {
		flipped[mid] = 'B'
	} else {
		flipped[mid] = 'A'
	}

	for name, input := range map[string]string{
		"flipped":   string(flipped),
		"truncated": sealed[:len(sealed)-10],
		"no prefix": strings.TrimPrefix(sealed, prefix),
		"garbage":   prefix + "!!!",
		"empty":     "",
	} {
		_, err := c.Decrypt(input)
		assert.ErrorIs(t, err, apperr.ErrDecryption, name)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	a := newTestCodec(t)
	b := newTestCodec(t)
	sealed, err := a.Encrypt("4111")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, apperr.ErrDecryption)
}

func TestKeyValidation(t *testing.T) {
	_, err := ParseKey("")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = ParseKey("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = NewCodec(nil)
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = NewCodec(make([]byte, 16))
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestBlindIndexNormalizes(t *testing.T) {
	c := newTestCodec(t)
	assert.Equal(t, c.BlindIndex("AB-123"), c.BlindIndex(" ab-123 "))
	assert.NotEqual(t, c.BlindIndex("AB-123"), c.BlindIndex("AB-124"))

	other := newTestCodec(t)
	assert.NotEqual(t, c.BlindIndex("AB-123"), other.BlindIndex("AB-123"))
}
