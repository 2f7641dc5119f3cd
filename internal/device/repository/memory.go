package repository

import (
	"context"
	"sync"
	"time"

	"rights-control-engine/internal/device/domain"
)

// MemoryRepository is an in-memory device store for tests and
// database-less deployments.
type MemoryRepository struct {
	mu      sync.Mutex
	devices map[string]*domain.Device
}

// NewMemoryRepository returns an empty in-memory device repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{devices: make(map[string]*domain.Device)}
}

func (r *MemoryRepository) ListByPair(ctx context.Context, principalID, policyID string) ([]*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Device
	for _, d := range r.devices {
		if d.PrincipalID == principalID && d.PolicyID == policyID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) Create(ctx context.Context, d *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.devices[d.ID] = &cp
	return nil
}

func (r *MemoryRepository) Touch(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.LastSeenAt = at
	}
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
	return nil
}
