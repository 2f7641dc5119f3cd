// Package blacklist tracks token revocation state independently of expiry:
// per-token blacklisting for security incidents, explicit revocation, and
// per-policy revocation that invalidates every outstanding token at once.
package blacklist

import (
	"context"
	"time"
)

// Store is the revocation state behind the token-validity check. Entries may
// be dropped once the token they refer to has expired anyway.
type Store interface {
	// RegisterIssued records an issued token under its policy until expiresAt,
	// so a later policy revocation can count what it invalidates.
	RegisterIssued(ctx context.Context, policyID, jti string, expiresAt time.Time) error
	// Revoke marks a single token revoked until its natural expiry.
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// Blacklist marks a token implicated in a security incident. Checked
	// independently of expiry and revocation.
	Blacklist(ctx context.Context, jti string, expiresAt time.Time) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	// RevokePolicyTokens invalidates every outstanding token scoped to the
	// policy and returns how many unexpired tokens were affected.
	RevokePolicyTokens(ctx context.Context, policyID string) (int, error)
	IsPolicyRevoked(ctx context.Context, policyID string) (bool, error)
}
