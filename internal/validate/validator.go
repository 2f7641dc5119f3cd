// Package validate runs the ordered access checks behind every content
// request: token validity, geo restriction, device limit, action
// permission, and concurrency limit. The first failing check decides the
// denial; infrastructure failures surface as errors, never as grants.
package validate

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"rights-control-engine/internal/device"
	"rights-control-engine/internal/policy/domain"
	"rights-control-engine/internal/policy/engine"
	"rights-control-engine/internal/session"
	sessiondomain "rights-control-engine/internal/session/domain"
	"rights-control-engine/internal/token"
	"rights-control-engine/internal/token/blacklist"
)

// Check names, in evaluation order.
const (
	CheckTokenValidity    = "token_validity"
	CheckGeoRestriction   = "geo_restriction"
	CheckDeviceLimit      = "device_limit"
	CheckActionPermission = "action_permission"
	CheckConcurrencyLimit = "concurrency_limit"
)

// Denial reasons. Each maps to exactly one check.
const (
	ReasonTokenInvalid             = "token_invalid"
	ReasonGeoRestricted            = "geo_restricted"
	ReasonDeviceLimitExceeded      = "device_limit_exceeded"
	ReasonActionNotPermitted       = "action_not_permitted"
	ReasonConcurrencyLimitExceeded = "concurrency_limit_exceeded"
)

// Request is one access attempt. SessionMetadata is opaque to the checks;
// it is carried on the session a granted request opens.
type Request struct {
	Token             string
	Action            string
	Location          string
	DeviceFingerprint string
	ClientIP          string
	SessionMetadata   map[string]string
}

// Decision is the pipeline's verdict. ChecksPerformed lists the checks
// that ran, in order, whether the request was granted or not.
type Decision struct {
	Granted         bool
	SessionID       string
	Restrictions    []string
	Reason          string
	ChecksPerformed []string
}

// TokenParser verifies a raw token and returns its claims.
type TokenParser interface {
	Parse(tokenString string) (*token.Claims, error)
}

// PolicyGetter is the policy read path the pipeline needs.
type PolicyGetter interface {
	Get(ctx context.Context, id string) (*domain.Policy, error)
}

// SessionAcquirer opens a session subject to the concurrency limit.
type SessionAcquirer interface {
	Acquire(ctx context.Context, req session.AcquireRequest) (*sessiondomain.Session, error)
}

// DeviceAdmitter admits a device subject to the policy's device ceiling.
type DeviceAdmitter interface {
	Ensure(ctx context.Context, req device.EnsureRequest) (device.EnsureResult, error)
}

// DecisionEvent is the usage record emitted for every decision.
type DecisionEvent struct {
	PrincipalID       string
	PolicyID          string
	ItemID            string
	Action            string
	Location          string
	DeviceFingerprint string
	Granted           bool
	Reason            string
	OccurredAt        time.Time
}

// UsageRecorder receives a record of every decision, granted or denied.
type UsageRecorder interface {
	RecordDecision(ctx context.Context, e DecisionEvent)
}

// Validator runs the access checks.
type Validator struct {
	tokens     TokenParser
	revocation blacklist.Store
	policies   PolicyGetter
	evaluator  engine.Evaluator
	devices    DeviceAdmitter
	sessions   SessionAcquirer
	usage      UsageRecorder

	decisions metric.Int64Counter
	nowF      func() time.Time
}

// NewValidator wires the pipeline. usage may be nil.
func NewValidator(
	tokens TokenParser,
	revocation blacklist.Store,
	policies PolicyGetter,
	evaluator engine.Evaluator,
	devices DeviceAdmitter,
	sessions SessionAcquirer,
	usage UsageRecorder,
) *Validator {
	meter := otel.Meter("rights-control-engine/validate")
	decisions, err := meter.Int64Counter("access_decisions_total",
		metric.WithDescription("Access decisions by outcome and reason"))
	if err != nil {
		log.Printf("validate: decisions counter: %v", err)
	}
	return &Validator{
		tokens:     tokens,
		revocation: revocation,
		policies:   policies,
		evaluator:  evaluator,
		devices:    devices,
		sessions:   sessions,
		usage:      usage,
		decisions:  decisions,
		nowF:       time.Now,
	}
}

// Validate runs the checks in order and stops at the first failure. A
// returned error means a dependency failed and no decision was reached.
func (v *Validator) Validate(ctx context.Context, req Request) (*Decision, error) {
	d := &Decision{}

	// Token validity.
	d.ChecksPerformed = append(d.ChecksPerformed, CheckTokenValidity)
	claims, err := v.tokens.Parse(req.Token)
	if err != nil {
		return v.deny(ctx, req, d, nil, nil, ReasonTokenInvalid), nil
	}
	if revoked, err := v.revocation.IsRevoked(ctx, claims.ID); err != nil {
		return nil, fmt.Errorf("revocation check: %w", err)
	} else if revoked {
		return v.deny(ctx, req, d, claims, nil, ReasonTokenInvalid), nil
	}
	if listed, err := v.revocation.IsBlacklisted(ctx, claims.ID); err != nil {
		return nil, fmt.Errorf("blacklist check: %w", err)
	} else if listed {
		return v.deny(ctx, req, d, claims, nil, ReasonTokenInvalid), nil
	}
	if revoked, err := v.revocation.IsPolicyRevoked(ctx, claims.PolicyID); err != nil {
		return nil, fmt.Errorf("policy revocation check: %w", err)
	} else if revoked {
		return v.deny(ctx, req, d, claims, nil, ReasonTokenInvalid), nil
	}
	if claims.DeviceID != "" && claims.DeviceID != req.DeviceFingerprint {
		return v.deny(ctx, req, d, claims, nil, ReasonTokenInvalid), nil
	}
	if len(claims.IPAllowlist) > 0 && !contains(claims.IPAllowlist, req.ClientIP) {
		return v.deny(ctx, req, d, claims, nil, ReasonTokenInvalid), nil
	}

	pol, err := v.policies.Get(ctx, claims.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("policy lookup: %w", err)
	}
	if pol.Status != domain.PolicyStatusActive {
		// The grant behind the token is not in force.
		return v.deny(ctx, req, d, claims, pol, ReasonTokenInvalid), nil
	}
	if pol.License.ExpiresAt != nil && !pol.License.ExpiresAt.After(v.nowF().UTC()) {
		// An active policy over a lapsed license grants nothing.
		return v.deny(ctx, req, d, claims, pol, ReasonTokenInvalid), nil
	}

	// Geo restriction. One policy evaluation answers both the geo and
	// the action question.
	d.ChecksPerformed = append(d.ChecksPerformed, CheckGeoRestriction)
	access, err := v.evaluator.EvaluateAccess(ctx, pol, req.Location, domain.Action(req.Action))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation: %w", err)
	}
	if !access.GeoAllowed {
		return v.deny(ctx, req, d, claims, pol, ReasonGeoRestricted), nil
	}

	// Device limit.
	d.ChecksPerformed = append(d.ChecksPerformed, CheckDeviceLimit)
	admission, err := v.devices.Ensure(ctx, device.EnsureRequest{
		PrincipalID:      claims.Subject,
		PolicyID:         pol.ID,
		Fingerprint:      req.DeviceFingerprint,
		Limit:            pol.DeviceLimit,
		AllowReplacement: pol.AllowDeviceReplacement,
	})
	if err == device.ErrDeviceLimitExceeded {
		return v.deny(ctx, req, d, claims, pol, ReasonDeviceLimitExceeded), nil
	}
	if err != nil {
		return nil, fmt.Errorf("device admission: %w", err)
	}

	// Action permission. The token's scope bounds the policy's actions.
	d.ChecksPerformed = append(d.ChecksPerformed, CheckActionPermission)
	if !contains(claims.Scope, req.Action) || !access.ActionAllowed {
		return v.deny(ctx, req, d, claims, pol, ReasonActionNotPermitted), nil
	}

	restrictions := effectiveRestrictions(pol, admission.Evicted)

	// Concurrency limit. Acquire is atomic, so parallel requests for the
	// same principal and policy cannot overshoot the limit.
	d.ChecksPerformed = append(d.ChecksPerformed, CheckConcurrencyLimit)
	sess, err := v.sessions.Acquire(ctx, session.AcquireRequest{
		PrincipalID:  claims.Subject,
		PolicyID:     pol.ID,
		ItemID:       pol.ItemID,
		DeviceID:     req.DeviceFingerprint,
		KeyVersionID: claims.KeyVersion,
		SessionLimit: pol.SessionLimit,
		MaxIdle:      pol.SessionDuration,
		Restrictions: restrictions,
		Metadata:     req.SessionMetadata,
	})
	if err == session.ErrConcurrencyLimitExceeded {
		return v.deny(ctx, req, d, claims, pol, ReasonConcurrencyLimitExceeded), nil
	}
	if err != nil {
		return nil, fmt.Errorf("session acquire: %w", err)
	}

	d.Granted = true
	d.SessionID = sess.ID
	d.Restrictions = restrictions
	v.observe(ctx, req, d, claims, pol)
	return d, nil
}

func (v *Validator) deny(ctx context.Context, req Request, d *Decision, claims *token.Claims, pol *domain.Policy, reason string) *Decision {
	d.Reason = reason
	v.observe(ctx, req, d, claims, pol)
	return d
}

func (v *Validator) observe(ctx context.Context, req Request, d *Decision, claims *token.Claims, pol *domain.Policy) {
	if v.decisions != nil {
		v.decisions.Add(ctx, 1,
			metric.WithAttributes(
				attribute.Bool("granted", d.Granted),
				attribute.String("reason", d.Reason),
			))
	}
	if v.usage == nil {
		return
	}
	e := DecisionEvent{
		Action:            req.Action,
		Location:          strings.ToUpper(strings.TrimSpace(req.Location)),
		DeviceFingerprint: req.DeviceFingerprint,
		Granted:           d.Granted,
		Reason:            d.Reason,
		OccurredAt:        v.nowF().UTC(),
	}
	if claims != nil {
		e.PrincipalID = claims.Subject
		e.PolicyID = claims.PolicyID
	}
	if pol != nil {
		e.ItemID = pol.ItemID
	}
	v.usage.RecordDecision(ctx, e)
}

func effectiveRestrictions(pol *domain.Policy, evicted string) []string {
	out := append([]string(nil), pol.Restrictions...)
	if pol.Watermark.Enabled {
		out = append(out, "watermark:"+pol.Watermark.Template)
	}
	if evicted != "" {
		out = append(out, "device-evicted:"+evicted)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
