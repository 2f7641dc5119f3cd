package engine

import (
	"context"
	"testing"

	"rights-control-engine/internal/policy/domain"
)

func testPolicy() *domain.Policy {
	return &domain.Policy{
		GeoAllow:       []string{"US", "CA"},
		GeoDeny:        []string{"KP"},
		AllowedActions: []domain.Action{domain.ActionRead, domain.ActionDownload},
	}
}

func TestEvaluateAccess_AllowListed(t *testing.T) {
	e := NewOPAEvaluator()
	res, err := e.EvaluateAccess(context.Background(), testPolicy(), "US", domain.ActionRead)
	if err != nil {
		t.Fatalf("EvaluateAccess: %v", err)
	}
	if !res.GeoAllowed || !res.ActionAllowed {
		t.Errorf("result = %+v, want both allowed", res)
	}
}

func TestEvaluateAccess_GeoOutsideAllowList(t *testing.T) {
	e := NewOPAEvaluator()
	res, err := e.EvaluateAccess(context.Background(), testPolicy(), "DE", domain.ActionRead)
	if err != nil {
		t.Fatalf("EvaluateAccess: %v", err)
	}
	if res.GeoAllowed {
		t.Error("DE is not on the allow list, should be denied")
	}
}

func TestEvaluateAccess_DenyListWins(t *testing.T) {
	e := NewOPAEvaluator()
	p := testPolicy()
	p.GeoAllow = nil // all locations allowed except the deny list
	res, err := e.EvaluateAccess(context.Background(), p, "KP", domain.ActionRead)
	if err != nil {
		t.Fatalf("EvaluateAccess: %v", err)
	}
	if res.GeoAllowed {
		t.Error("deny-listed location should be denied")
	}
	res, err = e.EvaluateAccess(context.Background(), p, "FR", domain.ActionRead)
	if err != nil {
		t.Fatalf("EvaluateAccess: %v", err)
	}
	if !res.GeoAllowed {
		t.Error("empty allow list should admit locations not deny-listed")
	}
}

func TestEvaluateAccess_ActionMatrix(t *testing.T) {
	e := NewOPAEvaluator()
	res, err := e.EvaluateAccess(context.Background(), testPolicy(), "US", domain.ActionPrint)
	if err != nil {
		t.Fatalf("EvaluateAccess: %v", err)
	}
	if res.ActionAllowed {
		t.Error("print is not in the allow matrix")
	}
}

func TestEvaluateAccess_LocationNormalized(t *testing.T) {
	e := NewOPAEvaluator()
	res, err := e.EvaluateAccess(context.Background(), testPolicy(), " us ", domain.ActionRead)
	if err != nil {
		t.Fatalf("EvaluateAccess: %v", err)
	}
	if !res.GeoAllowed {
		t.Error("location should be normalized before matching")
	}
}

func TestEvaluateAccess_CustomRules(t *testing.T) {
	e := NewOPAEvaluator()
	p := testPolicy()
	// Custom rules that invert the default: only share is allowed, geo is open.
	p.CustomRules = `package rce.access

default geo_allowed = true
default action_allowed = false

action_allowed if {
	input.request.action == "share"
}
`
	res, err := e.EvaluateAccess(context.Background(), p, "KP", domain.ActionShare)
	if err != nil {
		t.Fatalf("EvaluateAccess: %v", err)
	}
	if !res.GeoAllowed || !res.ActionAllowed {
		t.Errorf("custom rules should govern, got %+v", res)
	}
}

func TestEvaluateAccess_BrokenCustomRulesFailClosed(t *testing.T) {
	e := NewOPAEvaluator()
	p := testPolicy()
	p.CustomRules = "package rce.access\n\nthis is not rego"
	res, err := e.EvaluateAccess(context.Background(), p, "US", domain.ActionRead)
	if err == nil {
		t.Fatal("broken rules should surface an error")
	}
	if res.GeoAllowed || res.ActionAllowed {
		t.Error("broken rules must evaluate as deny-all")
	}
}

func TestHealthCheck(t *testing.T) {
	if err := NewOPAEvaluator().HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
