package repository

import (
	"context"

	"rights-control-engine/internal/keys/domain"
)

// Repository defines persistence for key versions. Material handed to Create
// is raw; implementations are responsible for wrapping it at rest.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.KeyVersion, error)
	// GetActiveByTier returns the active key version for the tier, or nil if none.
	GetActiveByTier(ctx context.Context, tier domain.Tier) (*domain.KeyVersion, error)
	// NextVersion returns the next monotonic version number for the tier.
	NextVersion(ctx context.Context, tier domain.Tier) (int, error)
	Create(ctx context.Context, k *domain.KeyVersion) error
	Retire(ctx context.Context, id string) error
	// EraseMaterial destroys the stored material and marks the version destroyed.
	// A failure here must propagate; a key believed destroyed must not stay live.
	EraseMaterial(ctx context.Context, id string) error
}
