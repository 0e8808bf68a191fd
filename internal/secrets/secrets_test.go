package secrets

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Encrypt("vapi-key-abc123")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "vapi-key-abc123" {
		t.Fatal("ciphertext equals plaintext")
	}

	plain, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if plain != "vapi-key-abc123" {
		t.Errorf("Decrypt = %q, want vapi-key-abc123", plain)
	}
}

func TestEncrypt_NoncesDiffer(t *testing.T) {
	c := newTestCipher(t)

	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same plaintext are identical")
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	c := newTestCipher(t)

	sealed, _ := c.Encrypt("secret")
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err := c.Decrypt(tampered)
	var de *DecryptionError
	if !errors.As(err, &de) {
		t.Fatalf("Decrypt tampered = %v, want DecryptionError", err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)

	sealed, _ := a.Encrypt("secret")
	_, err := b.Decrypt(sealed)
	var de *DecryptionError
	if !errors.As(err, &de) {
		t.Fatalf("Decrypt with wrong key = %v, want DecryptionError", err)
	}
}

func TestDecrypt_BadInput(t *testing.T) {
	c := newTestCipher(t)

	for _, input := range []string{"", "not-base64!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := c.Decrypt(input)
		var de *DecryptionError
		if !errors.As(err, &de) {
			t.Errorf("Decrypt(%q) = %v, want DecryptionError", input, err)
		}
	}
}

func TestNewCipher_BadKeys(t *testing.T) {
	cases := []string{
		"",
		"not base64 at all!!!",
		base64.StdEncoding.EncodeToString([]byte("too short")),
	}
	for _, key := range cases {
		_, err := NewCipher(key)
		var de *DecryptionError
		if !errors.As(err, &de) {
			t.Errorf("NewCipher(%q) = %v, want DecryptionError", key, err)
		}
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		t.Fatalf("key is not base64: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("key length = %d, want 32", len(raw))
	}
	if strings.TrimSpace(key) != key {
		t.Error("key has surrounding whitespace")
	}
}
