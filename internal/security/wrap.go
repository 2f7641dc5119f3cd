package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidMasterKey is returned when the master wrapping key is not a 32-byte hex string.
var ErrInvalidMasterKey = errors.New("master key must be 32 bytes hex-encoded")

// Wrapper seals and opens encryption-key material with a master key so raw key
// bytes never reach the persistence layer. Uses ChaCha20-Poly1305 with a random
// nonce prepended to the ciphertext.
type Wrapper struct {
	masterKey []byte
}

// NewWrapper builds a Wrapper from a hex-encoded 32-byte master key.
func NewWrapper(hexKey string) (*Wrapper, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidMasterKey
	}
	return &Wrapper{masterKey: key}, nil
}

// Wrap seals material and returns nonce||ciphertext.
func (w *Wrapper) Wrap(material []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(w.masterKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, material, nil), nil
}

// Unwrap opens nonce||ciphertext produced by Wrap.
func (w *Wrapper) Unwrap(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(w.masterKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed material too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
