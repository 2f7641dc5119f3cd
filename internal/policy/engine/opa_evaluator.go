package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"rights-control-engine/internal/policy/domain"
)

const policyPackage = "rce.access"

// Default Rego policy: deny list wins, an empty allow list means every
// location is allowed, and actions must be in the policy's allow matrix.
const defaultRegoPolicy = `package rce.access

default geo_blocked = false
default geo_allowed = false
default action_allowed = false

geo_blocked if {
	input.request.location == input.policy.geo_deny[_]
}

geo_allowed if {
	not geo_blocked
	count(input.policy.geo_allow) == 0
}

geo_allowed if {
	not geo_blocked
	input.request.location == input.policy.geo_allow[_]
}

action_allowed if {
	input.request.action == input.policy.allowed_actions[_]
}
`

// OPAEvaluator evaluates geo/action access rules using OPA Rego. A policy may
// carry custom rules overriding the default module; both must live in the
// rce.access package and define geo_allowed and action_allowed.
type OPAEvaluator struct{}

// NewOPAEvaluator returns an OPA-based access rule evaluator.
func NewOPAEvaluator() *OPAEvaluator {
	return &OPAEvaluator{}
}

// HealthCheck verifies that the in-process Rego engine can compile and evaluate
// the default policy. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	compiler, err := ast.CompileModules(map[string]string{"default.rego": defaultRegoPolicy})
	if err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	input := buildInput(&domain.Policy{AllowedActions: []domain.Action{domain.ActionRead}}, "US", domain.ActionRead)
	q := rego.New(
		rego.Query("data."+policyPackage+".geo_allowed"),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// EvaluateAccess evaluates the policy's geo and action rules for the request.
// Compilation or evaluation failures return an error with a zero (deny-all)
// result; the pipeline treats that as a denial, never a grant.
func (e *OPAEvaluator) EvaluateAccess(ctx context.Context, p *domain.Policy, location string, action domain.Action) (AccessResult, error) {
	module := defaultRegoPolicy
	if strings.TrimSpace(p.CustomRules) != "" {
		module = p.CustomRules
	}
	compiler, err := ast.CompileModules(map[string]string{"policy.rego": module})
	if err != nil {
		return AccessResult{}, fmt.Errorf("compile access rules: %w", err)
	}

	input := buildInput(p, location, action)
	var out AccessResult
	for _, q := range []struct {
		query  string
		target *bool
	}{
		{"data." + policyPackage + ".geo_allowed", &out.GeoAllowed},
		{"data." + policyPackage + ".action_allowed", &out.ActionAllowed},
	} {
		rs, err := rego.New(
			rego.Query(q.query),
			rego.Compiler(compiler),
			rego.Input(input),
		).Eval(ctx)
		if err != nil {
			return AccessResult{}, fmt.Errorf("eval %s: %w", q.query, err)
		}
		if len(rs) == 0 || len(rs[0].Expressions) == 0 {
			return AccessResult{}, fmt.Errorf("%s returned no result", q.query)
		}
		v, ok := rs[0].Expressions[0].Value.(bool)
		if !ok {
			return AccessResult{}, fmt.Errorf("%s returned non-boolean", q.query)
		}
		*q.target = v
	}
	return out, nil
}

func buildInput(p *domain.Policy, location string, action domain.Action) map[string]interface{} {
	geoAllow := make([]string, len(p.GeoAllow))
	copy(geoAllow, p.GeoAllow)
	geoDeny := make([]string, len(p.GeoDeny))
	copy(geoDeny, p.GeoDeny)
	actions := make([]string, 0, len(p.AllowedActions))
	for _, a := range p.AllowedActions {
		actions = append(actions, string(a))
	}
	return map[string]interface{}{
		"policy": map[string]interface{}{
			"geo_allow":       geoAllow,
			"geo_deny":        geoDeny,
			"allowed_actions": actions,
		},
		"request": map[string]interface{}{
			"location": strings.ToUpper(strings.TrimSpace(location)),
			"action":   string(action),
		},
	}
}
