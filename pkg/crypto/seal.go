// Package crypto seals secrets stored at rest, such as partner tokens in
// credential files, with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32

	sealedPrefix = "ENC[v"
	sealedFormat = "ENC[v%d]:"
)

var (
	ErrInvalidKey     = errors.New("invalid seal key: must be 32 bytes")
	ErrNotSealed      = errors.New("value is not sealed")
	ErrKeyVersion     = errors.New("sealed with a different key version")
	ErrOpenFailed     = errors.New("cannot open sealed value")
	errMissingPayload = errors.New("sealed value has no payload")
)

// Sealer encrypts short strings into "ENC[vN]:base64(nonce|ciphertext)".
type Sealer struct {
	aead    cipher.AEAD
	version int
}

// NewSealer builds a Sealer for a 32 byte key tagged with version.
func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if version <= 0 {
		version = 1
	}
	return &Sealer{aead: aead, version: version}, nil
}

// ParseKey decodes a base64 (standard encoding) key.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode seal key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// GenerateKey returns a random key in the form ParseKey accepts.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (s *Sealer) Version() int { return s.version }

// Seal encrypts plaintext with a fresh nonce.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(sealedFormat, s.version) + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	if v := ParseVersion(sealed); v != s.version {
		return "", fmt.Errorf("%w: v%d, have v%d", ErrKeyVersion, v, s.version)
	}
	idx := strings.Index(sealed, "]:")
	data, err := base64.StdEncoding.DecodeString(sealed[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	n := s.aead.NonceSize()
	if len(data) <= n {
		return "", errMissingPayload
	}
	plaintext, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix) && strings.Contains(v, "]:")
}

// ParseVersion extracts the key version of a sealed value, or 0.
func ParseVersion(sealed string) int {
	if !IsSealed(sealed) {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(sealed, sealedFormat, &version); err != nil {
		return 0
	}
	return version
}
