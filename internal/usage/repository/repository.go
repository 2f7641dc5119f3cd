package repository

import (
	"context"
	"time"

	"rights-control-engine/internal/usage/domain"
)

// Repository stores usage events and detected violations.
type Repository interface {
	CreateEvent(ctx context.Context, e *domain.UsageEvent) error
	ListEventsSince(ctx context.Context, since time.Time) ([]*domain.UsageEvent, error)
	CreateViolation(ctx context.Context, v *domain.Violation) error
	GetViolation(ctx context.Context, id string) (*domain.Violation, error)
	UpdateViolationStatus(ctx context.Context, id string, status domain.ViolationStatus) error
	ListViolationsSince(ctx context.Context, since time.Time) ([]*domain.Violation, error)
}
