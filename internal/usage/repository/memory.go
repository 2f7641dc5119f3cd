package repository

import (
	"context"
	"sync"
	"time"

	"rights-control-engine/internal/usage/domain"
)

// MemoryRepository is an in-memory usage store for tests and
// database-less deployments.
type MemoryRepository struct {
	mu         sync.Mutex
	events     []*domain.UsageEvent
	violations []*domain.Violation
}

// NewMemoryRepository returns an empty in-memory usage repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) CreateEvent(ctx context.Context, e *domain.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.events = append(r.events, &cp)
	return nil
}

func (r *MemoryRepository) ListEventsSince(ctx context.Context, since time.Time) ([]*domain.UsageEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.UsageEvent
	for _, e := range r.events {
		if !e.OccurredAt.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateViolation(ctx context.Context, v *domain.Violation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *v
	r.violations = append(r.violations, &cp)
	return nil
}

func (r *MemoryRepository) GetViolation(ctx context.Context, id string) (*domain.Violation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.violations {
		if v.ID == id {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) UpdateViolationStatus(ctx context.Context, id string, status domain.ViolationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.violations {
		if v.ID == id {
			v.Status = status
			return nil
		}
	}
	return nil
}

func (r *MemoryRepository) ListViolationsSince(ctx context.Context, since time.Time) ([]*domain.Violation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Violation
	for _, v := range r.violations {
		if !v.DetectedAt.Before(since) {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}
