package server

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rights-control-engine/internal/device"
	devicerepo "rights-control-engine/internal/device/repository"
	keysrepo "rights-control-engine/internal/keys/repository"
	keysservice "rights-control-engine/internal/keys/service"
	"rights-control-engine/internal/policy/engine"
	policyrepo "rights-control-engine/internal/policy/repository"
	policyservice "rights-control-engine/internal/policy/service"
	"rights-control-engine/internal/session"
	sessionrepo "rights-control-engine/internal/session/repository"
	"rights-control-engine/internal/token"
	"rights-control-engine/internal/token/blacklist"
	"rights-control-engine/internal/usage"
	usagerepo "rights-control-engine/internal/usage/repository"
	"rights-control-engine/internal/validate"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	sessions := session.NewManager(sessionrepo.NewMemoryRepository(), nil, 30*time.Minute)
	keys := keysservice.NewManager(keysrepo.NewMemoryRepository(), sessions, nil)
	revocation := blacklist.NewMemoryStore()
	policies := policyservice.NewStore(policyrepo.NewMemoryRepository(), keys, revocation, sessions, nil, nil, 0)

	signing, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer := token.NewIssuer(signing, signing.Public(), "test-issuer", "test-audience",
		policies, func(string) time.Duration { return time.Hour }, revocation)

	evaluator := engine.NewOPAEvaluator()
	devices := device.NewRegistry(devicerepo.NewMemoryRepository(), nil)
	monitor := usage.NewMonitor(usagerepo.NewMemoryRepository(), nil, policies, nil,
		usage.Thresholds{DenialRate: 0.5, DeviceChurn: 5}, false)
	validator := validate.NewValidator(issuer, revocation, policies, evaluator, devices, sessions, monitor)

	srv := New(keys, policies, issuer, validator, sessions, monitor, evaluator)
	return srv.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func createPolicy(t *testing.T, h http.Handler) string {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/v1/policies", map[string]any{
		"item_id":         "item-1",
		"tier":            "standard",
		"device_limit":    2,
		"session_limit":   2,
		"allowed_actions": []string{"read", "download"},
		"restrictions":    []string{"no-copy"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create policy: status %d body %s", w.Code, w.Body.String())
	}
	return decodeBody(t, w)["id"].(string)
}

func issueToken(t *testing.T, h http.Handler, policyID string) string {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/v1/tokens", map[string]any{
		"policy_id":    policyID,
		"principal_id": "user-1",
		"scope":        []string{"read"},
		"ttl_seconds":  600,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("issue token: status %d body %s", w.Code, w.Body.String())
	}
	return decodeBody(t, w)["token"].(string)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t)
	w := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestPolicyLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t)

	id := createPolicy(t, h)

	w := doJSON(t, h, http.MethodGet, "/v1/policies/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["status"] != "active" || got["item_id"] != "item-1" {
		t.Fatalf("policy = %v", got)
	}

	w = doJSON(t, h, http.MethodPatch, "/v1/policies/"+id, map[string]any{"device_limit": 5})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: status %d body %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w); got["device_limit"].(float64) != 5 {
		t.Fatalf("patched policy = %v", got)
	}

	if w = doJSON(t, h, http.MethodPost, "/v1/policies/"+id+"/suspend", nil); w.Code != http.StatusOK {
		t.Fatalf("suspend: status %d", w.Code)
	}
	if w = doJSON(t, h, http.MethodPost, "/v1/policies/"+id+"/resume", nil); w.Code != http.StatusOK {
		t.Fatalf("resume: status %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/v1/policies/"+id+"/revoke", map[string]any{
		"reason":    "rights expired",
		"emergency": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: status %d body %s", w.Code, w.Body.String())
	}

	// Resume after revoke is a conflict.
	if w = doJSON(t, h, http.MethodPost, "/v1/policies/"+id+"/resume", nil); w.Code != http.StatusConflict {
		t.Fatalf("resume after revoke: status %d", w.Code)
	}
}

func TestCreatePolicyRejectsBadConfig(t *testing.T) {
	h := newTestHandler(t)
	w := doJSON(t, h, http.MethodPost, "/v1/policies", map[string]any{
		"item_id":         "item-1",
		"tier":            "standard",
		"device_limit":    0,
		"session_limit":   1,
		"allowed_actions": []string{"read"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestGetPolicyNotFound(t *testing.T) {
	h := newTestHandler(t)
	if w := doJSON(t, h, http.MethodGet, "/v1/policies/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status %d", w.Code)
	}
}

func TestValidateEndToEnd(t *testing.T) {
	h := newTestHandler(t)
	id := createPolicy(t, h)
	tok := issueToken(t, h, id)

	w := doJSON(t, h, http.MethodPost, "/v1/validate", map[string]any{
		"token":              tok,
		"action":             "read",
		"location":           "US",
		"device_fingerprint": "dev-a",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	if got["granted"] != true {
		t.Fatalf("response = %v", got)
	}
	sessionID, _ := got["session_id"].(string)
	if sessionID == "" {
		t.Fatal("grant must carry session_id")
	}
	checks, _ := got["checks_performed"].([]any)
	if len(checks) != 5 {
		t.Fatalf("checks_performed = %v", checks)
	}

	// Termination is idempotent over HTTP too.
	if w = doJSON(t, h, http.MethodPost, "/v1/sessions/"+sessionID+"/terminate", map[string]any{"reason": "user-logout"}); w.Code != http.StatusOK {
		t.Fatalf("terminate: status %d", w.Code)
	}
	if w = doJSON(t, h, http.MethodPost, "/v1/sessions/"+sessionID+"/terminate", nil); w.Code != http.StatusOK {
		t.Fatalf("second terminate: status %d", w.Code)
	}

	if w = doJSON(t, h, http.MethodPost, "/v1/sessions/"+sessionID+"/heartbeat", nil); w.Code != http.StatusNotFound {
		t.Fatalf("heartbeat after terminate: status %d", w.Code)
	}
}

func TestValidateDenialIsHTTP200(t *testing.T) {
	h := newTestHandler(t)
	id := createPolicy(t, h)
	tok := issueToken(t, h, id)

	w := doJSON(t, h, http.MethodPost, "/v1/validate", map[string]any{
		"token":              tok,
		"action":             "print",
		"location":           "US",
		"device_fingerprint": "dev-a",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["granted"] != false || got["reason"] != "action_not_permitted" {
		t.Fatalf("response = %v", got)
	}
}

func TestIssueTokenScopeRejected(t *testing.T) {
	h := newTestHandler(t)
	id := createPolicy(t, h)

	w := doJSON(t, h, http.MethodPost, "/v1/tokens", map[string]any{
		"policy_id":    id,
		"principal_id": "user-1",
		"scope":        []string{"share"},
		"ttl_seconds":  600,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestRotateKeysOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	createPolicy(t, h)

	w := doJSON(t, h, http.MethodPost, "/v1/keys/rotate", map[string]any{"tier": "standard"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	rotations, _ := got["rotations"].([]any)
	if len(rotations) != 1 {
		t.Fatalf("rotations = %v", got)
	}
	first := rotations[0].(map[string]any)
	if first["version"].(float64) != 2 {
		t.Fatalf("rotation = %v", first)
	}
}

func TestRotateUnknownTierIsConflict(t *testing.T) {
	h := newTestHandler(t)
	w := doJSON(t, h, http.MethodPost, "/v1/keys/rotate", map[string]any{"tier": "standard"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestThreatsAndComplianceEndpoints(t *testing.T) {
	h := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/v1/threats?window=1h", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("threats: status %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["events_analyzed"].(float64) != 0 {
		t.Fatalf("threats = %v", got)
	}

	w = doJSON(t, h, http.MethodGet, "/v1/compliance/report?frameworks=dmca&period=24h", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("compliance: status %d", w.Code)
	}
	report := decodeBody(t, w)
	if report["overall_score"].(float64) != 100 {
		t.Fatalf("report = %v", report)
	}

	if w = doJSON(t, h, http.MethodGet, "/v1/threats?window=bogus", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad window: status %d", w.Code)
	}
}

func TestResolveViolationOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	policyID := createPolicy(t, h)
	tok := issueToken(t, h, policyID)

	// Two grants fill the session limit; the rest are concurrency denials,
	// enough to trip the concurrency-abuse detector.
	for i := 0; i < 7; i++ {
		w := doJSON(t, h, http.MethodPost, "/v1/validate", map[string]any{
			"token":              tok,
			"action":             "read",
			"location":           "US",
			"device_fingerprint": "dev-a",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("validate %d: status %d body %s", i, w.Code, w.Body.String())
		}
	}

	w := doJSON(t, h, http.MethodGet, "/v1/threats?window=1h&types=concurrency_abuse", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("threats: status %d", w.Code)
	}
	violations := decodeBody(t, w)["violations"].([]any)
	if len(violations) != 1 {
		t.Fatalf("violations = %v", violations)
	}
	v := violations[0].(map[string]any)
	if v["status"] != "open" {
		t.Fatalf("violation status = %v, want open", v["status"])
	}

	w = doJSON(t, h, http.MethodPost, "/v1/violations/"+v["id"].(string)+"/resolve", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: status %d body %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["status"]; got != "resolved" {
		t.Fatalf("resolved status = %v", got)
	}

	if w = doJSON(t, h, http.MethodPost, "/v1/violations/nope/resolve", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown violation: status %d", w.Code)
	}
}
