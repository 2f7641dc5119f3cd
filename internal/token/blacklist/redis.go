package blacklist

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout. Per-token flags carry a TTL so entries expire with the token;
// policy epochs are kept indefinitely since revocation is terminal.
const (
	revokedKeyFmt   = "rce:tok:revoked:%s"
	blockedKeyFmt   = "rce:tok:blacklisted:%s"
	issuedKeyFmt    = "rce:pol:issued:%s"  // sorted set, score = token expiry (unix)
	polEpochKeyFmt  = "rce:pol:revoked:%s" // value = revocation time (unix)
	minFlagLifetime = time.Minute
)

// RedisStore implements Store on Redis, sharing revocation state across
// engine replicas.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a Store over the given client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// RegisterIssued adds the token to the policy's issued set, scored by expiry.
func (s *RedisStore) RegisterIssued(ctx context.Context, policyID, jti string, expiresAt time.Time) error {
	key := fmt.Sprintf(issuedKeyFmt, policyID)
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt.Unix()), Member: jti}).Err(); err != nil {
		return err
	}
	// Keep the set from growing unbounded: drop members expired over an hour ago.
	cutoff := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	return s.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err()
}

// Revoke marks the token revoked until its natural expiry.
func (s *RedisStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	return s.setFlag(ctx, fmt.Sprintf(revokedKeyFmt, jti), expiresAt)
}

// IsRevoked reports whether the token is revoked.
func (s *RedisStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return s.hasFlag(ctx, fmt.Sprintf(revokedKeyFmt, jti))
}

// Blacklist marks the token blacklisted.
func (s *RedisStore) Blacklist(ctx context.Context, jti string, expiresAt time.Time) error {
	return s.setFlag(ctx, fmt.Sprintf(blockedKeyFmt, jti), expiresAt)
}

// IsBlacklisted reports whether the token is blacklisted.
func (s *RedisStore) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	return s.hasFlag(ctx, fmt.Sprintf(blockedKeyFmt, jti))
}

// RevokePolicyTokens records the policy's revocation epoch and returns the
// number of outstanding (unexpired) tokens in its issued set.
func (s *RedisStore) RevokePolicyTokens(ctx context.Context, policyID string) (int, error) {
	now := time.Now()
	if err := s.client.Set(ctx, fmt.Sprintf(polEpochKeyFmt, policyID), now.Unix(), 0).Err(); err != nil {
		return 0, err
	}
	key := fmt.Sprintf(issuedKeyFmt, policyID)
	n, err := s.client.ZCount(ctx, key, strconv.FormatInt(now.Unix(), 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// IsPolicyRevoked reports whether the policy's tokens have been invalidated.
func (s *RedisStore) IsPolicyRevoked(ctx context.Context, policyID string) (bool, error) {
	n, err := s.client.Exists(ctx, fmt.Sprintf(polEpochKeyFmt, policyID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) setFlag(ctx context.Context, key string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl < minFlagLifetime {
		ttl = minFlagLifetime
	}
	return s.client.Set(ctx, key, "1", ttl).Err()
}

func (s *RedisStore) hasFlag(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
