package domain

import (
	"errors"
	"time"
)

// ErrUnsupportedConfiguration is returned for an unknown algorithm/tier combination.
var ErrUnsupportedConfiguration = errors.New("unsupported algorithm/tier configuration")

// KeyStatus is the lifecycle state of a key version.
type KeyStatus string

const (
	// KeyStatusActive means the version encrypts new artifacts and backs new sessions.
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRetired means the version only serves sessions issued before rotation.
	KeyStatusRetired KeyStatus = "retired"
	// KeyStatusDestroyed means the material is erased; any use is a hard failure.
	KeyStatusDestroyed KeyStatus = "destroyed"
)

// Algorithm identifies the symmetric cipher a key version is generated for.
type Algorithm string

const (
	AlgorithmAESGCM   Algorithm = "aes-gcm"
	AlgorithmChaCha20 Algorithm = "chacha20-poly1305"
)

// Tier is the protection tier a key version serves. Higher tiers require larger keys.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// KeyVersion is one generation of encryption key material.
type KeyVersion struct {
	ID          string
	Version     int
	Algorithm   Algorithm
	Tier        Tier
	Size        int // key length in bytes
	Material    []byte
	Status      KeyStatus
	CreatedAt   time.Time
	RetiredAt   *time.Time
	DestroyedAt *time.Time
}

// KeySize derives the key length in bytes from algorithm and tier.
// ChaCha20-Poly1305 has a fixed 256-bit key and is reserved for premium and
// enterprise tiers; standard tier uses AES-GCM only.
func KeySize(alg Algorithm, tier Tier) (int, error) {
	switch alg {
	case AlgorithmAESGCM:
		switch tier {
		case TierStandard:
			return 16, nil
		case TierPremium, TierEnterprise:
			return 32, nil
		}
	case AlgorithmChaCha20:
		switch tier {
		case TierPremium, TierEnterprise:
			return 32, nil
		}
	}
	return 0, ErrUnsupportedConfiguration
}

// ValidTier reports whether tier is a known protection tier.
func ValidTier(tier Tier) bool {
	switch tier {
	case TierStandard, TierPremium, TierEnterprise:
		return true
	}
	return false
}
