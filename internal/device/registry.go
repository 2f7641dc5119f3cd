package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rights-control-engine/internal/audit"
	"rights-control-engine/internal/device/domain"
	"rights-control-engine/internal/device/repository"
)

var ErrDeviceLimitExceeded = errors.New("device limit exceeded")

// EnsureRequest asks the registry to admit a device for a principal and
// policy pair. Limit is the policy's device ceiling; zero or less means
// unlimited. AllowReplacement lets the registry evict the least recently
// seen device instead of refusing when the ceiling is hit.
type EnsureRequest struct {
	PrincipalID      string
	PolicyID         string
	Fingerprint      string
	Limit            int
	AllowReplacement bool
}

// EnsureResult reports what the registry did. Evicted carries the
// fingerprint of a replaced device, or "" when nothing was evicted.
type EnsureResult struct {
	Registered bool
	Evicted    string
}

// Registry admits devices against per-policy ceilings. Admission for a
// (principal, policy) pair runs under one lock, so concurrent requests
// for the same pair cannot both slip under the ceiling.
type Registry struct {
	repo    repository.Repository
	auditor audit.Logger
	nowF    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry returns a device registry backed by the given repository.
func NewRegistry(repo repository.Repository, auditor audit.Logger) *Registry {
	return &Registry{
		repo:    repo,
		auditor: auditor,
		nowF:    time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockFor(principalID, policyID string) *sync.Mutex {
	k := principalID + "\x00" + policyID
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[k]
	if !ok {
		l = &sync.Mutex{}
		r.locks[k] = l
	}
	return l
}

// Ensure admits the device, registering it if new. A known device just
// has its last-seen time refreshed. At the ceiling, the request is
// refused with ErrDeviceLimitExceeded unless replacement is allowed, in
// which case the least recently seen device is evicted first.
func (r *Registry) Ensure(ctx context.Context, req EnsureRequest) (EnsureResult, error) {
	l := r.lockFor(req.PrincipalID, req.PolicyID)
	l.Lock()
	defer l.Unlock()

	now := r.nowF().UTC()

	devices, err := r.repo.ListByPair(ctx, req.PrincipalID, req.PolicyID)
	if err != nil {
		return EnsureResult{}, err
	}

	for _, d := range devices {
		if d.Fingerprint == req.Fingerprint {
			if err := r.repo.Touch(ctx, d.ID, now); err != nil {
				return EnsureResult{}, err
			}
			return EnsureResult{}, nil
		}
	}

	var evicted string
	if req.Limit > 0 && len(devices) >= req.Limit {
		if !req.AllowReplacement {
			return EnsureResult{}, ErrDeviceLimitExceeded
		}
		oldest := devices[0]
		for _, d := range devices[1:] {
			if d.LastSeenAt.Before(oldest.LastSeenAt) {
				oldest = d
			}
		}
		if err := r.repo.Delete(ctx, oldest.ID); err != nil {
			return EnsureResult{}, err
		}
		evicted = oldest.Fingerprint
		audit.Log(ctx, r.auditor, "device.evicted", oldest.ID,
			fmt.Sprintf(`{"policy_id":%q,"fingerprint":%q,"replaced_by":%q}`,
				req.PolicyID, oldest.Fingerprint, req.Fingerprint))
	}

	d := &domain.Device{
		ID:          uuid.New().String(),
		PrincipalID: req.PrincipalID,
		PolicyID:    req.PolicyID,
		Fingerprint: req.Fingerprint,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := r.repo.Create(ctx, d); err != nil {
		return EnsureResult{}, err
	}
	return EnsureResult{Registered: true, Evicted: evicted}, nil
}

// Count returns how many devices are registered for the pair.
func (r *Registry) Count(ctx context.Context, principalID, policyID string) (int, error) {
	devices, err := r.repo.ListByPair(ctx, principalID, policyID)
	if err != nil {
		return 0, err
	}
	return len(devices), nil
}
