package repository

import (
	"context"
	"sync"
	"time"

	"rights-control-engine/internal/audit/domain"
)

// MemoryRepository is an in-memory audit log store for tests and DB-less runs.
type MemoryRepository struct {
	mu      sync.Mutex
	entries []*domain.AuditLog
}

// NewMemoryRepository returns an empty in-memory audit repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Create appends the entry.
func (r *MemoryRepository) Create(ctx context.Context, entry *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.entries = append(r.entries, &cp)
	return nil
}

// ListSince returns up to limit entries created at or after since, oldest first.
func (r *MemoryRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]*domain.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AuditLog
	for _, e := range r.entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
