package crypto

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c, err := NewCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plain := "ya29.a0AfH6SMB-access-token"
	enc, err := c.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if enc == plain {
		t.Fatalf("ciphertext equals plaintext")
	}

	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != plain {
		t.Fatalf("round trip: want %q, got %q", plain, dec)
	}
}

func TestEncrypt_NonceVaries(t *testing.T) {
	c, _ := NewCipher("0123456789abcdef0123456789abcdef")
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Fatalf("two encryptions of the same text should differ")
	}
}

func TestNewCipher_HexKey(t *testing.T) {
	key := hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("hex key rejected: %v", err)
	}
	enc, _ := c.Encrypt("x")
	if dec, _ := c.Decrypt(enc); dec != "x" {
		t.Fatalf("hex keyed cipher broken")
	}
}

func TestNewCipher_BadKey(t *testing.T) {
	if _, err := NewCipher("short"); err == nil {
		t.Fatalf("short key accepted")
	}
	if _, err := NewCipher(strings.Repeat("z", 33)); err == nil {
		t.Fatalf("33-byte key accepted")
	}
}

func TestDecrypt_Garbage(t *testing.T) {
	c, _ := NewCipher("0123456789abcdef0123456789abcdef")
	if _, err := c.Decrypt("bm90LWEtY2lwaGVydGV4dA=="); err == nil {
		t.Fatalf("garbage ciphertext accepted")
	}
	if _, err := c.Decrypt("AA=="); err == nil {
		t.Fatalf("too-short ciphertext accepted")
	}
}
