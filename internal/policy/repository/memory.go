package repository

import (
	"context"
	"sync"

	"rights-control-engine/internal/policy/domain"
)

// MemoryRepository is an in-memory Repository used when no database is
// configured and by tests.
type MemoryRepository struct {
	mu     sync.Mutex
	byID   map[string]*domain.Policy
	byItem map[string]string
}

// NewMemoryRepository returns an empty in-memory policy repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[string]*domain.Policy),
		byItem: make(map[string]string),
	}
}

// GetByID returns the policy for id, or nil if not found.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// GetByItem returns the policy protecting itemID, or nil if none.
func (r *MemoryRepository) GetByItem(ctx context.Context, itemID string) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byItem[itemID]
	if !ok {
		return nil, nil
	}
	cp := *r.byID[id]
	return &cp, nil
}

// Create stores the policy.
func (r *MemoryRepository) Create(ctx context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.byID[p.ID] = &cp
	r.byItem[p.ItemID] = p.ID
	return nil
}

// Update replaces the stored policy.
func (r *MemoryRepository) Update(ctx context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.byID[p.ID] = &cp
	return nil
}
