package engine

import (
	"context"

	"rights-control-engine/internal/policy/domain"
)

// AccessResult holds the result of geo/action policy evaluation.
type AccessResult struct {
	GeoAllowed    bool
	ActionAllowed bool
}

// Evaluator evaluates a policy's geographic and action rules for one request.
// Implementations must fail closed: on any evaluation problem the result is a
// denial, never a silent grant.
type Evaluator interface {
	EvaluateAccess(ctx context.Context, p *domain.Policy, location string, action domain.Action) (AccessResult, error)
}
