package security

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"
)

func testMasterKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(key)
}

func TestWrapper_RoundTrip(t *testing.T) {
	w, err := NewWrapper(testMasterKey(t))
	if err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}
	material := []byte("0123456789abcdef0123456789abcdef")
	sealed, err := w.Wrap(material)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if bytes.Contains(sealed, material) {
		t.Error("sealed output contains raw material")
	}
	opened, err := w.Unwrap(sealed)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !bytes.Equal(opened, material) {
		t.Errorf("Unwrap = %x, want %x", opened, material)
	}
}

func TestWrapper_TamperDetected(t *testing.T) {
	w, err := NewWrapper(testMasterKey(t))
	if err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}
	sealed, err := w.Wrap([]byte("key material"))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := w.Unwrap(sealed); err == nil {
		t.Fatal("Unwrap should fail on tampered ciphertext")
	}
}

func TestNewWrapper_RejectsBadKey(t *testing.T) {
	if _, err := NewWrapper("not-hex"); err == nil {
		t.Fatal("NewWrapper should reject non-hex key")
	}
	if _, err := NewWrapper("abcd"); err == nil {
		t.Fatal("NewWrapper should reject short key")
	}
}
