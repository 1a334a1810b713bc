package config

import (
	"fmt"
	"os"

	"carrental/internal/pii"
)

// PIIKey resolves the field encryption key. A missing or malformed key is
// an error callers must treat as fatal.
func (c *Config) PIIKey() ([]byte, error) {
	encoded := c.PII.Key
	if encoded == "" && c.PII.KeyFile != "" {
		data, err := os.ReadFile(c.PII.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read pii key file: %w", err)
		}
		encoded = string(data)
	}
	return pii.ParseKey(encoded)
}

// Codec builds the PII codec from the configured key.
func (c *Config) Codec() (*pii.Codec, error) {
	key, err := c.PIIKey()
	if err != nil {
		return nil, err
	}
	return pii.NewCodec(key)
}
