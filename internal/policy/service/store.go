package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rights-control-engine/internal/audit"
	keysdomain "rights-control-engine/internal/keys/domain"
	"rights-control-engine/internal/policy/domain"
	"rights-control-engine/internal/policy/repository"
)

// Sentinel errors for the policy store; the HTTP layer maps them to status codes.
var (
	ErrPolicyNotFound = errors.New("policy not found")
	ErrPolicyRevoked  = errors.New("policy is revoked")
)

// KeyProvider supplies the active key version for a tier, generating one when
// the tier has none. Implemented by the key manager.
type KeyProvider interface {
	EnsureActive(ctx context.Context, alg keysdomain.Algorithm, tier keysdomain.Tier) (*keysdomain.KeyVersion, error)
}

// TokenInvalidator marks every outstanding token scoped to a policy as revoked.
// Implemented by the token blacklist store.
type TokenInvalidator interface {
	RevokePolicyTokens(ctx context.Context, policyID string) (int, error)
}

// SessionTerminator tears down live sessions for a policy. Implemented by the
// session manager.
type SessionTerminator interface {
	TerminateByPolicy(ctx context.Context, policyID, reason string) int
}

// Notifier publishes fire-and-forget notifications for revocations.
type Notifier interface {
	PolicyRevoked(ctx context.Context, policyID, reason string)
}

// CreateConfig carries the configuration for a new protection policy.
type CreateConfig struct {
	ItemID                 string
	Tier                   keysdomain.Tier
	Algorithm              keysdomain.Algorithm // empty defaults to AES-GCM
	GeoAllow               []string
	GeoDeny                []string
	DeviceLimit            int
	SessionLimit           int
	AllowDeviceReplacement bool
	AllowedActions         []domain.Action
	Restrictions           []string
	Watermark              domain.Watermark
	License                domain.License
	CustomRules            string
	SessionDuration        time.Duration
	NoticePeriod           time.Duration
}

// RevokeOptions controls policy revocation. Emergency forces a zero notice
// period regardless of Notice and the policy's configured default.
type RevokeOptions struct {
	Reason    string
	Notice    *time.Duration // nil uses the policy's configured notice period
	Emergency bool
}

// RevokeResult reports what a revocation invalidated.
type RevokeResult struct {
	TokensInvalidated  int
	SessionsTerminated int
	// NoticePeriod is the delay before live sessions are torn down; zero means
	// they were terminated before Revoke returned.
	NoticePeriod time.Duration
}

// Store owns protection policies: creation, configuration updates, suspension,
// and terminal revocation.
type Store struct {
	repo          repository.Repository
	keys          KeyProvider
	tokens        TokenInvalidator
	sessions      SessionTerminator
	notifier      Notifier
	auditor       audit.Logger
	defaultNotice time.Duration
}

// NewStore returns a policy store. tokens, sessions, notifier, and auditor may
// be nil. defaultNotice is the revocation notice period applied to policies
// created without one.
func NewStore(repo repository.Repository, keys KeyProvider, tokens TokenInvalidator, sessions SessionTerminator, notifier Notifier, auditor audit.Logger, defaultNotice time.Duration) *Store {
	return &Store{
		repo:          repo,
		keys:          keys,
		tokens:        tokens,
		sessions:      sessions,
		notifier:      notifier,
		auditor:       auditor,
		defaultNotice: defaultNotice,
	}
}

// Get returns the policy for id, or ErrPolicyNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.Policy, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPolicyNotFound
	}
	return p, nil
}

// Create validates the configuration, binds the tier's active key version, and
// persists a new active policy. Invalid input fails with ErrInvalidPolicyConfig.
func (s *Store) Create(ctx context.Context, cfg CreateConfig) (*domain.Policy, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = keysdomain.AlgorithmAESGCM
	}
	now := time.Now().UTC()
	p := &domain.Policy{
		ID:                     uuid.New().String(),
		ItemID:                 cfg.ItemID,
		Tier:                   cfg.Tier,
		GeoAllow:               cfg.GeoAllow,
		GeoDeny:                cfg.GeoDeny,
		DeviceLimit:            cfg.DeviceLimit,
		SessionLimit:           cfg.SessionLimit,
		AllowDeviceReplacement: cfg.AllowDeviceReplacement,
		AllowedActions:         cfg.AllowedActions,
		Restrictions:           cfg.Restrictions,
		Watermark:              cfg.Watermark,
		License:                cfg.License,
		CustomRules:            cfg.CustomRules,
		SessionDuration:        cfg.SessionDuration,
		NoticePeriod:           cfg.NoticePeriod,
		Status:                 domain.PolicyStatusActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if p.NoticePeriod == 0 {
		p.NoticePeriod = s.defaultNotice
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	key, err := s.keys.EnsureActive(ctx, alg, cfg.Tier)
	if err != nil {
		return nil, err
	}
	p.KeyVersionID = key.ID
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	audit.Log(ctx, s.auditor, "policy.create", p.ID, fmt.Sprintf(`{"item":%q,"tier":%q}`, p.ItemID, p.Tier))
	return p, nil
}

// Update applies the patch to the policy and re-validates. Revoked policies
// cannot be updated.
func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Policy, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PolicyStatusRevoked {
		return nil, ErrPolicyRevoked
	}
	if patch.GeoAllow != nil {
		p.GeoAllow = *patch.GeoAllow
	}
	if patch.GeoDeny != nil {
		p.GeoDeny = *patch.GeoDeny
	}
	if patch.DeviceLimit != nil {
		p.DeviceLimit = *patch.DeviceLimit
	}
	if patch.SessionLimit != nil {
		p.SessionLimit = *patch.SessionLimit
	}
	if patch.AllowDeviceReplacement != nil {
		p.AllowDeviceReplacement = *patch.AllowDeviceReplacement
	}
	if patch.AllowedActions != nil {
		p.AllowedActions = *patch.AllowedActions
	}
	if patch.Restrictions != nil {
		p.Restrictions = *patch.Restrictions
	}
	if patch.Watermark != nil {
		p.Watermark = *patch.Watermark
	}
	if patch.License != nil {
		p.License = *patch.License
	}
	if patch.CustomRules != nil {
		p.CustomRules = *patch.CustomRules
	}
	if patch.SessionDuration != nil {
		p.SessionDuration = *patch.SessionDuration
	}
	if patch.NoticePeriod != nil {
		p.NoticePeriod = *patch.NoticePeriod
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	audit.Log(ctx, s.auditor, "policy.update", p.ID, "")
	return p, nil
}

// Suspend reversibly blocks new grants and issuance for the policy. Existing
// sessions run until natural expiry.
func (s *Store) Suspend(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == domain.PolicyStatusRevoked {
		return ErrPolicyRevoked
	}
	if p.Status == domain.PolicyStatusSuspended {
		return nil
	}
	p.Status = domain.PolicyStatusSuspended
	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, p); err != nil {
		return err
	}
	audit.Log(ctx, s.auditor, "policy.suspend", p.ID, "")
	return nil
}

// Resume lifts a suspension.
func (s *Store) Resume(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == domain.PolicyStatusRevoked {
		return ErrPolicyRevoked
	}
	if p.Status == domain.PolicyStatusActive {
		return nil
	}
	p.Status = domain.PolicyStatusActive
	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, p); err != nil {
		return err
	}
	audit.Log(ctx, s.auditor, "policy.resume", p.ID, "")
	return nil
}

// Revoke is terminal: it soft-deletes the policy, invalidates every
// outstanding token scoped to it, and terminates live sessions after the
// notice period (immediately when the notice is zero or opts.Emergency).
func (s *Store) Revoke(ctx context.Context, id string, opts RevokeOptions) (*RevokeResult, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PolicyStatusRevoked {
		return nil, ErrPolicyRevoked
	}

	now := time.Now().UTC()
	p.Status = domain.PolicyStatusRevoked
	p.RevokedAt = &now
	p.UpdatedAt = now
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}

	res := &RevokeResult{}
	if s.tokens != nil {
		n, err := s.tokens.RevokePolicyTokens(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("invalidate tokens: %w", err)
		}
		res.TokensInvalidated = n
	}

	notice := p.NoticePeriod
	if opts.Notice != nil {
		notice = *opts.Notice
	}
	if opts.Emergency || notice < 0 {
		notice = 0
	}
	res.NoticePeriod = notice

	reason := "policy-revoked"
	if opts.Reason != "" {
		reason = "policy-revoked: " + opts.Reason
	}
	if notice == 0 {
		if s.sessions != nil {
			res.SessionsTerminated = s.sessions.TerminateByPolicy(ctx, p.ID, reason)
		}
	} else if s.sessions != nil {
		// Graceful shutdown window: sessions stay up for the notice period.
		// Detached from the request context; the revocation itself is already durable.
		sessions := s.sessions
		policyID := p.ID
		time.AfterFunc(notice, func() {
			sessions.TerminateByPolicy(context.Background(), policyID, reason)
		})
	}

	if s.notifier != nil {
		s.notifier.PolicyRevoked(ctx, p.ID, opts.Reason)
	}
	audit.Log(ctx, s.auditor, "policy.revoke", p.ID,
		fmt.Sprintf(`{"emergency":%t,"notice_seconds":%d,"tokens_invalidated":%d,"sessions_terminated":%d}`,
			opts.Emergency, int(notice/time.Second), res.TokensInvalidated, res.SessionsTerminated))
	return res, nil
}
