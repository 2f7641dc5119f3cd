package repository

import (
	"context"
	"sync"
	"time"

	"rights-control-engine/internal/keys/domain"
)

// MemoryRepository is an in-memory Repository used when no database is
// configured and by tests. Material is kept as-is; wrapping at rest only
// matters for durable stores.
type MemoryRepository struct {
	mu   sync.Mutex
	m    map[string]*domain.KeyVersion
	next map[domain.Tier]int
}

// NewMemoryRepository returns an empty in-memory key repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		m:    make(map[string]*domain.KeyVersion),
		next: make(map[domain.Tier]int),
	}
}

// GetByID returns the key version for id, or nil if not found.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.KeyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

// GetActiveByTier returns the active key version for the tier, or nil if none.
func (r *MemoryRepository) GetActiveByTier(ctx context.Context, tier domain.Tier) (*domain.KeyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.KeyVersion
	for _, k := range r.m {
		if k.Tier == tier && k.Status == domain.KeyStatusActive {
			if best == nil || k.Version > best.Version {
				best = k
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// NextVersion returns the next monotonic version number for the tier.
func (r *MemoryRepository) NextVersion(ctx context.Context, tier domain.Tier) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next[tier]++
	return r.next[tier], nil
}

// Create stores the key version.
func (r *MemoryRepository) Create(ctx context.Context, k *domain.KeyVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *k
	r.m[k.ID] = &cp
	return nil
}

// Retire marks the version retired. No-op if missing or already destroyed.
func (r *MemoryRepository) Retire(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.m[id]; ok && k.Status == domain.KeyStatusActive {
		now := time.Now().UTC()
		k.Status = domain.KeyStatusRetired
		k.RetiredAt = &now
	}
	return nil
}

// EraseMaterial zeroes the material and marks the version destroyed.
func (r *MemoryRepository) EraseMaterial(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.m[id]; ok {
		for i := range k.Material {
			k.Material[i] = 0
		}
		k.Material = nil
		now := time.Now().UTC()
		k.Status = domain.KeyStatusDestroyed
		k.DestroyedAt = &now
	}
	return nil
}
