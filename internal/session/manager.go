package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"rights-control-engine/internal/audit"
	"rights-control-engine/internal/session/domain"
)

var ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")

// Repository is the durable store behind the manager. The manager owns
// counts and limits; the repository is write-through.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	Terminate(ctx context.Context, id, reason string, at time.Time) error
	UpdateLastActivity(ctx context.Context, id string, at time.Time) error
	ListActive(ctx context.Context) ([]*domain.Session, error)
}

// AcquireRequest carries everything needed to open a session. MaxIdle is
// the policy's session-duration bound; zero falls back to the manager's
// idle timeout.
type AcquireRequest struct {
	PrincipalID  string
	PolicyID     string
	ItemID       string
	DeviceID     string
	KeyVersionID string
	SessionLimit int
	MaxIdle      time.Duration
	Restrictions []string
	Metadata     map[string]string
}

type entry struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

// Manager tracks active sessions and enforces per-(principal, policy)
// concurrency limits. Acquire is atomic: the limit check and the insert
// happen under one lock, so concurrent callers can never overshoot.
type Manager struct {
	repo    Repository
	auditor audit.Logger
	nowF    func() time.Time

	idle time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	byID    map[string]*domain.Session
	keyOf   map[string]string
}

// NewManager returns a session manager. idle is the default inactivity
// timeout; a session's policy overrides it through MaxIdle.
func NewManager(repo Repository, auditor audit.Logger, idle time.Duration) *Manager {
	return &Manager{
		repo:    repo,
		auditor: auditor,
		nowF:    time.Now,
		idle:    idle,
		entries: make(map[string]*entry),
		byID:    make(map[string]*domain.Session),
		keyOf:   make(map[string]string),
	}
}

func key(principalID, policyID string) string {
	return principalID + "\x00" + policyID
}

func (m *Manager) entryFor(k string) *entry {
	m.mu.RLock()
	e, ok := m.entries[k]
	m.mu.RUnlock()
	if ok {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[k]; ok {
		return e
	}
	e = &entry{sessions: make(map[string]*domain.Session)}
	m.entries[k] = e
	return e
}

// Restore loads active sessions from the repository into the registry.
// Called once at startup, before the manager serves traffic.
func (m *Manager) Restore(ctx context.Context) error {
	active, err := m.repo.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, s := range active {
		k := key(s.PrincipalID, s.PolicyID)
		e := m.entryFor(k)
		e.mu.Lock()
		e.sessions[s.ID] = s
		e.mu.Unlock()
		m.mu.Lock()
		m.byID[s.ID] = s
		m.keyOf[s.ID] = k
		m.mu.Unlock()
	}
	return nil
}

// Acquire opens a session if the concurrency limit permits. A limit of
// zero or less means unlimited. On repository failure the slot is
// released and the error is returned.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*domain.Session, error) {
	now := m.nowF().UTC()
	s := &domain.Session{
		ID:             uuid.New().String(),
		PrincipalID:    req.PrincipalID,
		PolicyID:       req.PolicyID,
		ItemID:         req.ItemID,
		DeviceID:       req.DeviceID,
		KeyVersionID:   req.KeyVersionID,
		Restrictions:   req.Restrictions,
		Metadata:       req.Metadata,
		MaxIdle:        req.MaxIdle,
		StartedAt:      now,
		LastActivityAt: now,
	}

	k := key(req.PrincipalID, req.PolicyID)
	e := m.entryFor(k)

	e.mu.Lock()
	if req.SessionLimit > 0 && len(e.sessions) >= req.SessionLimit {
		e.mu.Unlock()
		return nil, ErrConcurrencyLimitExceeded
	}
	e.sessions[s.ID] = s
	e.mu.Unlock()

	m.mu.Lock()
	m.byID[s.ID] = s
	m.keyOf[s.ID] = k
	m.mu.Unlock()

	if err := m.repo.Create(ctx, s); err != nil {
		m.remove(s.ID)
		return nil, err
	}
	return s, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	k, ok := m.keyOf[id]
	delete(m.byID, id)
	delete(m.keyOf, id)
	e := m.entries[k]
	m.mu.Unlock()
	if ok && e != nil {
		e.mu.Lock()
		delete(e.sessions, id)
		e.mu.Unlock()
	}
}

// Terminate ends a session. Terminating an unknown or already-terminated
// session succeeds without effect.
func (m *Manager) Terminate(ctx context.Context, id, reason string) error {
	now := m.nowF().UTC()

	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.TerminatedAt = &now
	s.TerminateReason = reason
	policyID := s.PolicyID
	k := m.keyOf[id]
	delete(m.byID, id)
	delete(m.keyOf, id)
	e := m.entries[k]
	m.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		delete(e.sessions, id)
		e.mu.Unlock()
	}

	if err := m.repo.Terminate(ctx, id, reason, now); err != nil {
		log.Printf("session: terminate %s: persist failed: %v", id, err)
		return err
	}
	audit.Log(ctx, m.auditor, "session.terminated", id,
		fmt.Sprintf(`{"policy_id":%q,"reason":%q}`, policyID, reason))
	return nil
}

// Heartbeat refreshes the session's last-activity time. Unknown sessions
// report false so the caller can tell the session is gone.
func (m *Manager) Heartbeat(ctx context.Context, id string) (bool, error) {
	now := m.nowF().UTC()
	m.mu.Lock()
	s, ok := m.byID[id]
	if ok {
		s.LastActivityAt = now
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, m.repo.UpdateLastActivity(ctx, id, now)
}

// Get returns a copy of the active session with the given id, or nil.
func (m *Manager) Get(id string) *domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// ActiveCount returns the number of active sessions for the pair.
func (m *Manager) ActiveCount(principalID, policyID string) int {
	m.mu.RLock()
	e := m.entries[key(principalID, policyID)]
	m.mu.RUnlock()
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (m *Manager) collect(match func(*domain.Session) bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.byID {
		if match(s) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ListActiveByPolicy returns copies of active sessions bound to the policy.
func (m *Manager) ListActiveByPolicy(policyID string) []*domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Session
	for _, s := range m.byID {
		if s.PolicyID == policyID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// ListActiveByPrincipal returns copies of the principal's active sessions.
func (m *Manager) ListActiveByPrincipal(principalID string) []*domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Session
	for _, s := range m.byID {
		if s.PrincipalID == principalID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// TerminateByPolicy ends every active session bound to the policy and
// returns how many were ended.
func (m *Manager) TerminateByPolicy(ctx context.Context, policyID, reason string) int {
	ids := m.collect(func(s *domain.Session) bool { return s.PolicyID == policyID })
	for _, id := range ids {
		if err := m.Terminate(ctx, id, reason); err != nil {
			log.Printf("session: terminate by policy %s: %v", policyID, err)
		}
	}
	return len(ids)
}

// TerminateByKeyVersion ends every active session using the key version
// and returns how many were ended.
func (m *Manager) TerminateByKeyVersion(ctx context.Context, keyVersionID, reason string) int {
	ids := m.collect(func(s *domain.Session) bool { return s.KeyVersionID == keyVersionID })
	for _, id := range ids {
		if err := m.Terminate(ctx, id, reason); err != nil {
			log.Printf("session: terminate by key version %s: %v", keyVersionID, err)
		}
	}
	return len(ids)
}

// SweepIdle terminates sessions whose last activity is older than their
// policy's session-duration bound, or the manager's idle timeout when the
// policy sets none. Expired ids are collected first and each termination
// goes through Terminate, so the sweep and explicit termination share
// one code path.
func (m *Manager) SweepIdle(ctx context.Context) int {
	now := m.nowF().UTC()
	ids := m.collect(func(s *domain.Session) bool {
		bound := s.MaxIdle
		if bound <= 0 {
			bound = m.idle
		}
		return s.LastActivityAt.Before(now.Add(-bound))
	})
	for _, id := range ids {
		if err := m.Terminate(ctx, id, "idle-timeout"); err != nil {
			log.Printf("session: sweep %s: %v", id, err)
		}
	}
	return len(ids)
}

// Run sweeps idle sessions on the given interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.SweepIdle(ctx); n > 0 {
				log.Printf("session: sweep terminated %d idle sessions", n)
			}
		}
	}
}
