// Package vault seals provider credentials before they are persisted in
// system settings, so API keys never reach the database in plaintext.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// EnvKey names the environment variable holding the base64-encoded 32-byte
// master key.
const EnvKey = "NEWSPIPE_VAULT_KEY"

var (
	// ErrBadSeal is returned when a sealed value cannot be opened: wrong key,
	// tampered ciphertext, or a value sealed by a different (ephemeral) box.
	ErrBadSeal = errors.New("vault: cannot open sealed value")

	errKeySize = fmt.Errorf("vault: master key must be %d bytes", chacha20poly1305.KeySize)
)

// Box seals and opens short secrets with XChaCha20-Poly1305. A Box is safe
// for concurrent use.
type Box struct {
	aead      cipher.AEAD
	ephemeral bool
}

// New builds a box from the key material in NEWSPIPE_VAULT_KEY. When the
// variable is unset it falls back to a random ephemeral key: credentials
// sealed with it cannot be opened after a restart, so operators must re-enter
// them. That failure mode is loud in the logs rather than silent at read time.
func New(logger *slog.Logger) (*Box, error) {
	if logger == nil {
		logger = slog.Default()
	}
	encoded := os.Getenv(EnvKey)
	if encoded == "" {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("vault: generate ephemeral key: %w", err)
		}
		logger.Warn("no vault master key configured, using an ephemeral key",
			"env", EnvKey,
			"consequence", "sealed provider credentials will not survive a restart")
		return newBox(key, true)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: %s is not valid base64: %w", EnvKey, err)
	}
	return newBox(key, false)
}

// NewWithKey builds a box from explicit key material.
func NewWithKey(key []byte) (*Box, error) {
	return newBox(key, false)
}

func newBox(key []byte, ephemeral bool) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Box{aead: aead, ephemeral: ephemeral}, nil
}

// Ephemeral reports whether the box runs on a generated key that will be lost
// on restart.
func (b *Box) Ephemeral() bool { return b.ephemeral }

// Seal encrypts a secret for storage. Each call uses a fresh random nonce, so
// sealing the same value twice yields different outputs.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Its signature matches the LLM
// gateway's unseal hook.
func (b *Box) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSeal, err)
	}
	if len(raw) < b.aead.NonceSize() {
		return "", ErrBadSeal
	}
	nonce, ciphertext := raw[:b.aead.NonceSize()], raw[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrBadSeal
	}
	return string(plain), nil
}
