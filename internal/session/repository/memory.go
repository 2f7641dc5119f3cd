package repository

import (
	"context"
	"sync"
	"time"

	"rights-control-engine/internal/session/domain"
)

// MemoryRepository is an in-memory session store for tests and
// database-less deployments.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

// NewMemoryRepository returns an empty in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*domain.Session)}
}

func (r *MemoryRepository) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *MemoryRepository) Terminate(ctx context.Context, id, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.TerminatedAt != nil {
		return nil
	}
	t := at
	s.TerminatedAt = &t
	s.TerminateReason = reason
	return nil
}

func (r *MemoryRepository) UpdateLastActivity(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivityAt = at
	}
	return nil
}

func (r *MemoryRepository) ListActive(ctx context.Context) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.TerminatedAt == nil {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}
