package repository

import (
	"context"

	"rights-control-engine/internal/policy/domain"
)

// Repository defines persistence for policies. Revoked policies are
// soft-deleted: rows stay readable for audit.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Policy, error)
	GetByItem(ctx context.Context, itemID string) (*domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) error
	Update(ctx context.Context, p *domain.Policy) error
}
