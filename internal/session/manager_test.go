package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rights-control-engine/internal/session/domain"
	"rights-control-engine/internal/session/repository"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(repository.NewMemoryRepository(), nil, 30*time.Minute)
}

func acquireReq(principal string, limit int) AcquireRequest {
	return AcquireRequest{
		PrincipalID:  principal,
		PolicyID:     "pol-1",
		ItemID:       "item-1",
		DeviceID:     "dev-1",
		KeyVersionID: "kv-1",
		SessionLimit: limit,
	}
}

func TestAcquireEnforcesLimit(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Acquire(ctx, acquireReq("alice", 3)); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if _, err := m.Acquire(ctx, acquireReq("alice", 3)); !errors.Is(err, ErrConcurrencyLimitExceeded) {
		t.Fatalf("expected ErrConcurrencyLimitExceeded, got %v", err)
	}
	// Another principal is counted separately.
	if _, err := m.Acquire(ctx, acquireReq("bob", 3)); err != nil {
		t.Fatalf("acquire for bob: %v", err)
	}
}

func TestAcquireUnlimitedWhenLimitZero(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := m.Acquire(ctx, acquireReq("alice", 0)); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func TestTerminateIsIdempotentAndFreesSlot(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	s, err := m.Acquire(ctx, acquireReq("alice", 1))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, acquireReq("alice", 1)); !errors.Is(err, ErrConcurrencyLimitExceeded) {
		t.Fatalf("expected limit error, got %v", err)
	}

	if err := m.Terminate(ctx, s.ID, "user-logout"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := m.Terminate(ctx, s.ID, "user-logout"); err != nil {
		t.Fatalf("second terminate should be a no-op, got %v", err)
	}
	if err := m.Terminate(ctx, "no-such-session", "whatever"); err != nil {
		t.Fatalf("terminating unknown session should succeed, got %v", err)
	}

	if _, err := m.Acquire(ctx, acquireReq("alice", 1)); err != nil {
		t.Fatalf("slot should be free after terminate: %v", err)
	}
}

func TestParallelAcquireNeverOvershoots(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	const limit = 3
	const workers = 50

	var wg sync.WaitGroup
	granted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, acquireReq("alice", limit)); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	var n int
	for range granted {
		n++
	}
	if n != limit {
		t.Fatalf("expected exactly %d grants, got %d", limit, n)
	}
	if got := m.ActiveCount("alice", "pol-1"); got != limit {
		t.Fatalf("expected %d active sessions, got %d", limit, got)
	}
}

func TestSweepIdleTerminatesStaleSessions(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	now := time.Now().UTC()
	m.nowF = func() time.Time { return now }

	stale, err := m.Acquire(ctx, acquireReq("alice", 0))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fresh, err := m.Acquire(ctx, acquireReq("alice", 0))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.nowF = func() time.Time { return now.Add(29 * time.Minute) }
	if ok, err := m.Heartbeat(ctx, fresh.ID); err != nil || !ok {
		t.Fatalf("heartbeat: ok=%v err=%v", ok, err)
	}

	m.nowF = func() time.Time { return now.Add(31 * time.Minute) }
	if n := m.SweepIdle(ctx); n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if m.Get(stale.ID) != nil {
		t.Fatal("stale session should be gone")
	}
	if m.Get(fresh.ID) == nil {
		t.Fatal("fresh session should survive the sweep")
	}
}

func TestSweepIdleHonorsPolicyDurationBound(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	now := time.Now().UTC()
	m.nowF = func() time.Time { return now }

	// Bound by the policy: swept well before the 30m manager default.
	boundedReq := acquireReq("alice", 0)
	boundedReq.MaxIdle = 5 * time.Minute
	bounded, err := m.Acquire(ctx, boundedReq)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// No policy bound: the manager default applies.
	fallback, err := m.Acquire(ctx, acquireReq("bob", 0))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.nowF = func() time.Time { return now.Add(6 * time.Minute) }
	if n := m.SweepIdle(ctx); n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if m.Get(bounded.ID) != nil {
		t.Fatal("session past its policy bound should be gone")
	}
	if m.Get(fallback.ID) == nil {
		t.Fatal("session under the default timeout should survive")
	}

	m.nowF = func() time.Time { return now.Add(31 * time.Minute) }
	if n := m.SweepIdle(ctx); n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if m.Get(fallback.ID) != nil {
		t.Fatal("session past the default timeout should be gone")
	}
}

func TestHeartbeatUnknownSession(t *testing.T) {
	m := testManager(t)
	ok, err := m.Heartbeat(context.Background(), "gone")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ok {
		t.Fatal("heartbeat on unknown session should report false")
	}
}

func TestTerminateByPolicy(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Acquire(ctx, acquireReq("alice", 0)); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	other := acquireReq("alice", 0)
	other.PolicyID = "pol-2"
	if _, err := m.Acquire(ctx, other); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if got := len(m.ListActiveByPrincipal("alice")); got != 4 {
		t.Fatalf("expected 4 active for alice, got %d", got)
	}

	if n := m.TerminateByPolicy(ctx, "pol-1", "policy-revoked"); n != 3 {
		t.Fatalf("expected 3 terminated, got %d", n)
	}
	if got := m.ActiveCount("alice", "pol-1"); got != 0 {
		t.Fatalf("expected 0 active for pol-1, got %d", got)
	}
	if got := m.ActiveCount("alice", "pol-2"); got != 1 {
		t.Fatalf("pol-2 session should be untouched, got %d", got)
	}
}

func TestTerminateByKeyVersion(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, acquireReq("alice", 0)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	other := acquireReq("bob", 0)
	other.KeyVersionID = "kv-2"
	if _, err := m.Acquire(ctx, other); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if n := m.TerminateByKeyVersion(ctx, "kv-1", "key-rotation-forced"); n != 1 {
		t.Fatalf("expected 1 terminated, got %d", n)
	}
	if got := m.ActiveCount("bob", "pol-1"); got != 1 {
		t.Fatalf("kv-2 session should survive, got %d active", got)
	}
}

func TestRestoreRebuildsCounts(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	first := NewManager(repo, nil, 30*time.Minute)
	if _, err := first.Acquire(ctx, acquireReq("alice", 2)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := first.Acquire(ctx, acquireReq("alice", 2)); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	second := NewManager(repo, nil, 30*time.Minute)
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := second.ActiveCount("alice", "pol-1"); got != 2 {
		t.Fatalf("expected 2 restored sessions, got %d", got)
	}
	if _, err := second.Acquire(ctx, acquireReq("alice", 2)); !errors.Is(err, ErrConcurrencyLimitExceeded) {
		t.Fatalf("restored sessions must count toward the limit, got %v", err)
	}
}

type errRepo struct {
	Repository
	err error
}

func (r *errRepo) Create(ctx context.Context, s *domain.Session) error {
	if r.err != nil {
		return r.err
	}
	return nil
}

func TestAcquireRollsBackOnRepoFailure(t *testing.T) {
	repo := &errRepo{err: errors.New("db down")}
	m := NewManager(repo, nil, 30*time.Minute)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, acquireReq("alice", 1)); err == nil {
		t.Fatal("expected create failure to surface")
	}
	if got := m.ActiveCount("alice", "pol-1"); got != 0 {
		t.Fatalf("failed acquire must not hold a slot, got %d", got)
	}

	// Once the store recovers the slot is usable again.
	repo.err = nil
	if _, err := m.Acquire(ctx, acquireReq("alice", 1)); err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
}
