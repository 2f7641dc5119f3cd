package blacklist

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and DB-less runs.
type MemoryStore struct {
	mu        sync.Mutex
	revoked   map[string]time.Time
	blocked   map[string]time.Time
	issued    map[string]map[string]time.Time // policyID -> jti -> expiry
	polEpochs map[string]time.Time
	nowF      func() time.Time
}

// NewMemoryStore returns an empty in-memory blacklist store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		revoked:   make(map[string]time.Time),
		blocked:   make(map[string]time.Time),
		issued:    make(map[string]map[string]time.Time),
		polEpochs: make(map[string]time.Time),
		nowF:      time.Now,
	}
}

// RegisterIssued records an issued token under its policy.
func (s *MemoryStore) RegisterIssued(ctx context.Context, policyID, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.issued[policyID]
	if !ok {
		m = make(map[string]time.Time)
		s.issued[policyID] = m
	}
	m[jti] = expiresAt
	return nil
}

// Revoke marks the token revoked.
func (s *MemoryStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = expiresAt
	return nil
}

// IsRevoked reports whether the token is revoked.
func (s *MemoryStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

// Blacklist marks the token blacklisted.
func (s *MemoryStore) Blacklist(ctx context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[jti] = expiresAt
	return nil
}

// IsBlacklisted reports whether the token is blacklisted.
func (s *MemoryStore) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocked[jti]
	return ok, nil
}

// RevokePolicyTokens invalidates the policy's outstanding tokens and returns
// how many were still unexpired.
func (s *MemoryStore) RevokePolicyTokens(ctx context.Context, policyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowF()
	s.polEpochs[policyID] = now
	n := 0
	for _, exp := range s.issued[policyID] {
		if exp.After(now) {
			n++
		}
	}
	return n, nil
}

// IsPolicyRevoked reports whether the policy's tokens have been invalidated.
func (s *MemoryStore) IsPolicyRevoked(ctx context.Context, policyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.polEpochs[policyID]
	return ok, nil
}
