package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestRedisStore_RevokeAndBlacklistIndependent(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	if err := s.Revoke(ctx, "jti-1", exp); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := s.Blacklist(ctx, "jti-2", exp); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}

	revoked, err := s.IsRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Errorf("IsRevoked(jti-1) = %v, %v; want true", revoked, err)
	}
	blocked, err := s.IsBlacklisted(ctx, "jti-1")
	if err != nil || blocked {
		t.Errorf("IsBlacklisted(jti-1) = %v, %v; want false", blocked, err)
	}
	blocked, err = s.IsBlacklisted(ctx, "jti-2")
	if err != nil || !blocked {
		t.Errorf("IsBlacklisted(jti-2) = %v, %v; want true", blocked, err)
	}
}

func TestRedisStore_RevokePolicyTokens_CountsOutstanding(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	// two live tokens, one already expired
	if err := s.RegisterIssued(ctx, "pol-1", "a", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RegisterIssued: %v", err)
	}
	if err := s.RegisterIssued(ctx, "pol-1", "b", time.Now().Add(2*time.Hour)); err != nil {
		t.Fatalf("RegisterIssued: %v", err)
	}
	if err := s.RegisterIssued(ctx, "pol-1", "c", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("RegisterIssued: %v", err)
	}

	n, err := s.RevokePolicyTokens(ctx, "pol-1")
	if err != nil {
		t.Fatalf("RevokePolicyTokens: %v", err)
	}
	if n != 2 {
		t.Errorf("outstanding = %d, want 2", n)
	}

	revoked, err := s.IsPolicyRevoked(ctx, "pol-1")
	if err != nil || !revoked {
		t.Errorf("IsPolicyRevoked = %v, %v; want true", revoked, err)
	}
	revoked, err = s.IsPolicyRevoked(ctx, "pol-2")
	if err != nil || revoked {
		t.Errorf("IsPolicyRevoked(pol-2) = %v, %v; want false", revoked, err)
	}
}

func TestMemoryStore_MatchesRedisSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.RegisterIssued(ctx, "pol-1", "a", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RegisterIssued: %v", err)
	}
	if err := s.RegisterIssued(ctx, "pol-1", "b", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("RegisterIssued: %v", err)
	}
	n, err := s.RevokePolicyTokens(ctx, "pol-1")
	if err != nil {
		t.Fatalf("RevokePolicyTokens: %v", err)
	}
	if n != 1 {
		t.Errorf("outstanding = %d, want 1", n)
	}
	if err := s.Blacklist(ctx, "x", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	blocked, _ := s.IsBlacklisted(ctx, "x")
	if !blocked {
		t.Error("IsBlacklisted(x) = false, want true")
	}
	revoked, _ := s.IsRevoked(ctx, "x")
	if revoked {
		t.Error("blacklisting must not imply revocation")
	}
}
