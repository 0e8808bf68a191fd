// Package secrets encrypts stored provider credentials at rest.
//
// Customers hand over their voice-platform API keys during onboarding;
// those keys are sealed with an authenticated cipher (NaCl secretbox)
// before they touch the database, and unsealed only at the moment an
// upstream call needs them.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// DecryptionError reports absent or invalid key material. It is fatal for
// the operation that needed the credential and is never retried.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %s", e.Reason)
}

// Cipher seals and opens credential strings with a fixed symmetric key.
type Cipher struct {
	key [32]byte
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key,
// as produced by GenerateKey.
func NewCipher(encodedKey string) (*Cipher, error) {
	if encodedKey == "" {
		return nil, &DecryptionError{Reason: "encryption key not configured"}
	}
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, &DecryptionError{Reason: "encryption key is not valid base64"}
	}
	if len(raw) != 32 {
		return nil, &DecryptionError{Reason: fmt.Sprintf("encryption key must be 32 bytes, got %d", len(raw))}
	}

	c := &Cipher{}
	copy(c.key[:], raw)
	return c, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Tampered or truncated
// ciphertext and wrong keys all surface as DecryptionError.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", &DecryptionError{Reason: "no credential stored"}
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecryptionError{Reason: "ciphertext is not valid base64"}
	}
	if len(raw) < 24 {
		return "", &DecryptionError{Reason: "ciphertext too short"}
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])

	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &c.key)
	if !ok {
		return "", &DecryptionError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh base64-encoded 32-byte key. Run once during
// initial setup and store the result in the environment.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
