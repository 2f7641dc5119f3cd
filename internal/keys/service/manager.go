package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rights-control-engine/internal/audit"
	"rights-control-engine/internal/keys/domain"
	"rights-control-engine/internal/keys/repository"
)

// Sentinel errors for the key manager; the HTTP layer maps them to status codes.
var (
	ErrKeyNotFound  = errors.New("key version not found")
	ErrKeyDestroyed = errors.New("key version is destroyed")
	ErrNoActiveKey  = errors.New("no active key version for tier")
)

// SessionTerminator tears down sessions bound to a key version. Implemented by
// the session manager; used by forced rotation and destruction.
type SessionTerminator interface {
	TerminateByKeyVersion(ctx context.Context, keyVersionID, reason string) int
}

// RotationResult reports the outcome of a rotation.
type RotationResult struct {
	NewVersion         *domain.KeyVersion
	SessionsTerminated int
}

// Manager owns encryption key material and versioning. Rotation retires the
// previous version rather than destroying it, so sessions bound to it keep
// functioning until natural expiry; Destroy is a separate, deliberate operation.
type Manager struct {
	repo     repository.Repository
	sessions SessionTerminator
	auditor  audit.Logger
}

// NewManager returns a key manager. sessions and auditor may be nil.
func NewManager(repo repository.Repository, sessions SessionTerminator, auditor audit.Logger) *Manager {
	return &Manager{repo: repo, sessions: sessions, auditor: auditor}
}

// Generate creates a new active key version for the algorithm and tier.
// Key size is derived from the pair; unknown combinations fail with
// domain.ErrUnsupportedConfiguration. Material comes from crypto/rand only.
func (m *Manager) Generate(ctx context.Context, alg domain.Algorithm, tier domain.Tier) (*domain.KeyVersion, error) {
	size, err := domain.KeySize(alg, tier)
	if err != nil {
		return nil, err
	}
	material := make([]byte, size)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	version, err := m.repo.NextVersion(ctx, tier)
	if err != nil {
		return nil, err
	}
	k := &domain.KeyVersion{
		ID:        uuid.New().String(),
		Version:   version,
		Algorithm: alg,
		Tier:      tier,
		Size:      size,
		Material:  material,
		Status:    domain.KeyStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.repo.Create(ctx, k); err != nil {
		return nil, err
	}
	audit.Log(ctx, m.auditor, "key.generate", k.ID, fmt.Sprintf(`{"tier":%q,"algorithm":%q,"version":%d}`, tier, alg, version))
	return k, nil
}

// ActiveVersion returns the active key version for the tier, or ErrNoActiveKey.
func (m *Manager) ActiveVersion(ctx context.Context, tier domain.Tier) (*domain.KeyVersion, error) {
	k, err := m.repo.GetActiveByTier(ctx, tier)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrNoActiveKey
	}
	return k, nil
}

// EnsureActive returns the active key version for the tier, generating one with
// the given algorithm when the tier has none yet. Used by policy creation.
func (m *Manager) EnsureActive(ctx context.Context, alg domain.Algorithm, tier domain.Tier) (*domain.KeyVersion, error) {
	k, err := m.repo.GetActiveByTier(ctx, tier)
	if err != nil {
		return nil, err
	}
	if k != nil {
		return k, nil
	}
	return m.Generate(ctx, alg, tier)
}

// Rotate creates a new active key version for the tier and retires the previous
// one. With force, sessions bound to the previous version are terminated
// immediately; otherwise they run until natural expiry.
func (m *Manager) Rotate(ctx context.Context, tier domain.Tier, force bool) (*RotationResult, error) {
	prev, err := m.repo.GetActiveByTier(ctx, tier)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, ErrNoActiveKey
	}
	next, err := m.Generate(ctx, prev.Algorithm, tier)
	if err != nil {
		return nil, err
	}
	if err := m.repo.Retire(ctx, prev.ID); err != nil {
		return nil, err
	}
	res := &RotationResult{NewVersion: next}
	if force && m.sessions != nil {
		res.SessionsTerminated = m.sessions.TerminateByKeyVersion(ctx, prev.ID, "key-rotation-forced")
	}
	audit.Log(ctx, m.auditor, "key.rotate", next.ID,
		fmt.Sprintf(`{"tier":%q,"force":%t,"sessions_terminated":%d}`, tier, force, res.SessionsTerminated))
	return res, nil
}

// RotateAll rotates every tier that currently has an active key version.
// Tiers without one are skipped, not an error.
func (m *Manager) RotateAll(ctx context.Context, force bool) ([]*RotationResult, error) {
	var out []*RotationResult
	for _, tier := range []domain.Tier{domain.TierStandard, domain.TierPremium, domain.TierEnterprise} {
		res, err := m.Rotate(ctx, tier, force)
		if errors.Is(err, ErrNoActiveKey) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Retire marks the version retired; sessions bound to it keep functioning.
func (m *Manager) Retire(ctx context.Context, id string) error {
	k, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if k == nil {
		return ErrKeyNotFound
	}
	if k.Status == domain.KeyStatusDestroyed {
		return ErrKeyDestroyed
	}
	if err := m.repo.Retire(ctx, id); err != nil {
		return err
	}
	audit.Log(ctx, m.auditor, "key.retire", id, "")
	return nil
}

// Destroy erases the version's material and terminates every session still
// bound to it. An erasure failure propagates and blocks the operation.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	k, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if k == nil {
		return ErrKeyNotFound
	}
	if err := m.repo.EraseMaterial(ctx, id); err != nil {
		return fmt.Errorf("erase key material: %w", err)
	}
	terminated := 0
	if m.sessions != nil {
		terminated = m.sessions.TerminateByKeyVersion(ctx, id, "key-destroyed")
	}
	audit.Log(ctx, m.auditor, "key.destroy", id, fmt.Sprintf(`{"sessions_terminated":%d}`, terminated))
	return nil
}

// IsUsable reports whether the key version exists and is not destroyed.
// Sessions reference exactly one non-destroyed version at all times.
func (m *Manager) IsUsable(ctx context.Context, id string) (bool, error) {
	k, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return k != nil && k.Status != domain.KeyStatusDestroyed, nil
}
