package repository

import (
	"context"
	"time"

	"rights-control-engine/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, entry *domain.AuditLog) error
	ListSince(ctx context.Context, since time.Time, limit int) ([]*domain.AuditLog, error)
}
