package repository

import (
	"context"
	"time"

	"rights-control-engine/internal/device/domain"
)

// Repository stores registered devices. The registry serializes access
// per (principal, policy) pair, so implementations only need their own
// internal consistency.
type Repository interface {
	ListByPair(ctx context.Context, principalID, policyID string) ([]*domain.Device, error)
	Create(ctx context.Context, d *domain.Device) error
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}
