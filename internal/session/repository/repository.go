package repository

import (
	"context"
	"time"

	"rights-control-engine/internal/session/domain"
)

// Repository is the durable write-through behind the session manager's
// in-memory registry. The registry owns counts and limits; the repository
// records history for audit and restart recovery.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	Terminate(ctx context.Context, id, reason string, at time.Time) error
	UpdateLastActivity(ctx context.Context, id string, at time.Time) error
	ListActive(ctx context.Context) ([]*domain.Session, error)
}
