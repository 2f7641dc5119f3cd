package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	policydomain "rights-control-engine/internal/policy/domain"
	"rights-control-engine/internal/token/blacklist"
)

type memPolicies struct {
	m map[string]*policydomain.Policy
}

func (r *memPolicies) Get(ctx context.Context, id string) (*policydomain.Policy, error) {
	if p, ok := r.m[id]; ok {
		return p, nil
	}
	return nil, policyNotFoundErr
}

var policyNotFoundErr = errTest("policy not found")

type errTest string

func (e errTest) Error() string { return string(e) }

func fixedCeiling(d time.Duration) TTLCeiling {
	return func(string) time.Duration { return d }
}

func newTestIssuer(t *testing.T, policies *memPolicies, ceiling TTLCeiling, store blacklist.Store) *Issuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewIssuer(key, key.Public(), "test-issuer", "test-audience", policies, ceiling, store)
}

func activePolicy() *policydomain.Policy {
	return &policydomain.Policy{
		ID:             "pol-1",
		ItemID:         "item-1",
		Tier:           "standard",
		KeyVersionID:   "kv-1",
		AllowedActions: []policydomain.Action{policydomain.ActionRead, policydomain.ActionDownload},
		Restrictions:   []string{"no-copy"},
		Status:         policydomain.PolicyStatusActive,
	}
}

func TestIssueAndParse_RoundTrip(t *testing.T) {
	pols := &memPolicies{m: map[string]*policydomain.Policy{"pol-1": activePolicy()}}
	store := blacklist.NewMemoryStore()
	iss := newTestIssuer(t, pols, fixedCeiling(time.Hour), store)

	got, err := iss.Issue(context.Background(), IssueRequest{
		PolicyID:    "pol-1",
		PrincipalID: "user-1",
		Scope:       []policydomain.Action{policydomain.ActionRead},
		TTL:         30 * time.Minute,
		DeviceID:    "dev-a",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got.Token == "" || got.JTI == "" {
		t.Fatal("issued token missing token string or jti")
	}
	if len(got.Restrictions) != 1 || got.Restrictions[0] != "no-copy" {
		t.Errorf("Restrictions = %v", got.Restrictions)
	}

	claims, err := iss.Parse(got.Token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.PolicyID != "pol-1" || claims.Subject != "user-1" || claims.KeyVersion != "kv-1" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.DeviceID != "dev-a" {
		t.Errorf("DeviceID = %q, want dev-a", claims.DeviceID)
	}
	if len(claims.Scope) != 1 || claims.Scope[0] != "read" {
		t.Errorf("Scope = %v", claims.Scope)
	}
}

func TestIssue_ClampsTTLToTierCeiling(t *testing.T) {
	pols := &memPolicies{m: map[string]*policydomain.Policy{"pol-1": activePolicy()}}
	iss := newTestIssuer(t, pols, fixedCeiling(time.Hour), nil)

	before := time.Now()
	got, err := iss.Issue(context.Background(), IssueRequest{
		PolicyID:    "pol-1",
		PrincipalID: "user-1",
		Scope:       []policydomain.Action{policydomain.ActionRead},
		TTL:         240 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got.ExpiresAt.After(before.Add(time.Hour + time.Minute)) {
		t.Errorf("ExpiresAt = %v, want clamped to ~1h from now", got.ExpiresAt)
	}
}

func TestIssue_RefusesInactivePolicy(t *testing.T) {
	suspended := activePolicy()
	suspended.Status = policydomain.PolicyStatusSuspended
	revoked := activePolicy()
	revoked.ID = "pol-2"
	revoked.Status = policydomain.PolicyStatusRevoked
	pols := &memPolicies{m: map[string]*policydomain.Policy{"pol-1": suspended, "pol-2": revoked}}
	iss := newTestIssuer(t, pols, fixedCeiling(time.Hour), nil)

	req := IssueRequest{PolicyID: "pol-1", PrincipalID: "u", Scope: []policydomain.Action{policydomain.ActionRead}}
	if _, err := iss.Issue(context.Background(), req); err != ErrPolicyNotActive {
		t.Errorf("suspended: err = %v, want ErrPolicyNotActive", err)
	}
	req.PolicyID = "pol-2"
	if _, err := iss.Issue(context.Background(), req); err != ErrPolicyNotActive {
		t.Errorf("revoked: err = %v, want ErrPolicyNotActive", err)
	}
}

func TestIssue_RefusesLapsedLicense(t *testing.T) {
	lapsed := time.Now().UTC().Add(-time.Hour)
	pol := activePolicy()
	pol.License = policydomain.License{Type: "subscription", ExpiresAt: &lapsed}
	pols := &memPolicies{m: map[string]*policydomain.Policy{"pol-1": pol}}
	iss := newTestIssuer(t, pols, fixedCeiling(time.Hour), nil)

	req := IssueRequest{PolicyID: "pol-1", PrincipalID: "u", Scope: []policydomain.Action{policydomain.ActionRead}}
	if _, err := iss.Issue(context.Background(), req); err != ErrPolicyNotActive {
		t.Errorf("lapsed license: err = %v, want ErrPolicyNotActive", err)
	}
}

func TestIssue_ClampsExpiryToLicenseWindow(t *testing.T) {
	licenseEnd := time.Now().UTC().Add(10 * time.Minute)
	pol := activePolicy()
	pol.License = policydomain.License{Type: "rental", ExpiresAt: &licenseEnd}
	pols := &memPolicies{m: map[string]*policydomain.Policy{"pol-1": pol}}
	iss := newTestIssuer(t, pols, fixedCeiling(time.Hour), nil)

	got, err := iss.Issue(context.Background(), IssueRequest{
		PolicyID: "pol-1", PrincipalID: "u", Scope: []policydomain.Action{policydomain.ActionRead}, TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got.ExpiresAt.After(licenseEnd) {
		t.Errorf("ExpiresAt = %v, want no later than license end %v", got.ExpiresAt, licenseEnd)
	}
}

func TestIssue_RejectsScopeOutsidePolicy(t *testing.T) {
	pols := &memPolicies{m: map[string]*policydomain.Policy{"pol-1": activePolicy()}}
	iss := newTestIssuer(t, pols, fixedCeiling(time.Hour), nil)

	req := IssueRequest{PolicyID: "pol-1", PrincipalID: "u", Scope: []policydomain.Action{policydomain.ActionShare}}
	if _, err := iss.Issue(context.Background(), req); err != ErrInvalidScope {
		t.Errorf("disallowed action: err = %v, want ErrInvalidScope", err)
	}
	req.Scope = nil
	if _, err := iss.Issue(context.Background(), req); err != ErrInvalidScope {
		t.Errorf("empty scope: err = %v, want ErrInvalidScope", err)
	}
	req.Scope = []policydomain.Action{"teleport"}
	if _, err := iss.Issue(context.Background(), req); err != ErrInvalidScope {
		t.Errorf("unknown action: err = %v, want ErrInvalidScope", err)
	}
}

func TestIssue_RegistersForPolicyRevocation(t *testing.T) {
	pols := &memPolicies{m: map[string]*policydomain.Policy{"pol-1": activePolicy()}}
	store := blacklist.NewMemoryStore()
	iss := newTestIssuer(t, pols, fixedCeiling(time.Hour), store)

	if _, err := iss.Issue(context.Background(), IssueRequest{
		PolicyID: "pol-1", PrincipalID: "u", Scope: []policydomain.Action{policydomain.ActionRead},
	}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	n, err := store.RevokePolicyTokens(context.Background(), "pol-1")
	if err != nil {
		t.Fatalf("RevokePolicyTokens: %v", err)
	}
	if n != 1 {
		t.Errorf("outstanding = %d, want 1", n)
	}
}

func TestParse_RejectsExpiredToken(t *testing.T) {
	pols := &memPolicies{m: map[string]*policydomain.Policy{"pol-1": activePolicy()}}
	// Negative ceiling produces an already-expired token.
	iss := newTestIssuer(t, pols, fixedCeiling(-time.Minute), nil)

	got, err := iss.Issue(context.Background(), IssueRequest{
		PolicyID: "pol-1", PrincipalID: "u", Scope: []policydomain.Action{policydomain.ActionRead}, TTL: -time.Minute,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := iss.Parse(got.Token); err != ErrInvalidToken {
		t.Errorf("Parse expired: err = %v, want ErrInvalidToken", err)
	}
}

func TestParse_RejectsForeignSignature(t *testing.T) {
	pols := &memPolicies{m: map[string]*policydomain.Policy{"pol-1": activePolicy()}}
	issA := newTestIssuer(t, pols, fixedCeiling(time.Hour), nil)
	issB := newTestIssuer(t, pols, fixedCeiling(time.Hour), nil)

	got, err := issA.Issue(context.Background(), IssueRequest{
		PolicyID: "pol-1", PrincipalID: "u", Scope: []policydomain.Action{policydomain.ActionRead},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := issB.Parse(got.Token); err != ErrInvalidToken {
		t.Errorf("foreign signature: err = %v, want ErrInvalidToken", err)
	}
	if _, err := issA.Parse("not-a-token"); err != ErrInvalidToken {
		t.Errorf("garbage: err = %v, want ErrInvalidToken", err)
	}
}
