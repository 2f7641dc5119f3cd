package domain

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	keysdomain "rights-control-engine/internal/keys/domain"
)

// ErrInvalidPolicyConfig is returned when a create or update carries malformed
// configuration (bad geography codes, non-positive limits, unknown actions).
var ErrInvalidPolicyConfig = errors.New("invalid policy configuration")

// PolicyStatus is the lifecycle state of a protection policy.
type PolicyStatus string

const (
	PolicyStatusActive    PolicyStatus = "active"
	PolicyStatusSuspended PolicyStatus = "suspended"
	PolicyStatusRevoked   PolicyStatus = "revoked"
)

// Action is a request type a policy can permit.
type Action string

const (
	ActionRead     Action = "read"
	ActionDownload Action = "download"
	ActionPrint    Action = "print"
	ActionCopy     Action = "copy"
	ActionShare    Action = "share"
)

// ValidAction reports whether a is a known action.
func ValidAction(a Action) bool {
	switch a {
	case ActionRead, ActionDownload, ActionPrint, ActionCopy, ActionShare:
		return true
	}
	return false
}

// Watermark describes the watermark applied to content served under the policy.
type Watermark struct {
	Enabled  bool
	Template string // e.g. "licensed to {principal}"
}

// License holds the licensing terms attached to the protected item.
type License struct {
	Type      string // e.g. "subscription", "purchase", "rental"
	ExpiresAt *time.Time
}

// Policy is the persistent protection configuration for one protected item.
type Policy struct {
	ID                     string
	ItemID                 string
	Tier                   keysdomain.Tier
	KeyVersionID           string
	GeoAllow               []string // ISO 3166-1 alpha-2; empty means all allowed
	GeoDeny                []string // deny wins over allow
	DeviceLimit            int
	SessionLimit           int
	AllowDeviceReplacement bool // opt-in oldest-device eviction
	AllowedActions         []Action
	Restrictions           []string // runtime restrictions, e.g. "no-copy", "no-print"
	Watermark              Watermark
	License                License
	CustomRules            string        // optional Rego override for geo/action evaluation
	SessionDuration        time.Duration // session inactivity bound; 0 uses the engine default
	NoticePeriod           time.Duration
	Status                 PolicyStatus
	CreatedAt              time.Time
	UpdatedAt              time.Time
	RevokedAt              *time.Time
}

// Patch carries the mutable fields of a policy update; nil means unchanged.
type Patch struct {
	GeoAllow               *[]string
	GeoDeny                *[]string
	DeviceLimit            *int
	SessionLimit           *int
	AllowDeviceReplacement *bool
	AllowedActions         *[]Action
	Restrictions           *[]string
	Watermark              *Watermark
	License                *License
	CustomRules            *string
	SessionDuration        *time.Duration
	NoticePeriod           *time.Duration
}

var geoCode = regexp.MustCompile(`^[A-Z]{2}$`)

// Validate checks the policy's configuration. Geo codes must be well-formed
// ISO 3166-1 alpha-2 and device/session limits positive integers.
func (p *Policy) Validate() error {
	if p.ItemID == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidPolicyConfig)
	}
	if !keysdomain.ValidTier(p.Tier) {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidPolicyConfig, p.Tier)
	}
	if p.DeviceLimit <= 0 {
		return fmt.Errorf("%w: device limit must be positive", ErrInvalidPolicyConfig)
	}
	if p.SessionLimit <= 0 {
		return fmt.Errorf("%w: session limit must be positive", ErrInvalidPolicyConfig)
	}
	for _, code := range p.GeoAllow {
		if !geoCode.MatchString(code) {
			return fmt.Errorf("%w: malformed geography code %q", ErrInvalidPolicyConfig, code)
		}
	}
	for _, code := range p.GeoDeny {
		if !geoCode.MatchString(code) {
			return fmt.Errorf("%w: malformed geography code %q", ErrInvalidPolicyConfig, code)
		}
	}
	if len(p.AllowedActions) == 0 {
		return fmt.Errorf("%w: at least one allowed action is required", ErrInvalidPolicyConfig)
	}
	for _, a := range p.AllowedActions {
		if !ValidAction(a) {
			return fmt.Errorf("%w: unknown action %q", ErrInvalidPolicyConfig, a)
		}
	}
	if p.SessionDuration < 0 {
		return fmt.Errorf("%w: session duration must not be negative", ErrInvalidPolicyConfig)
	}
	if p.NoticePeriod < 0 {
		return fmt.Errorf("%w: notice period must not be negative", ErrInvalidPolicyConfig)
	}
	return nil
}

// AllowsAction reports whether the policy permits the action.
func (p *Policy) AllowsAction(a Action) bool {
	for _, allowed := range p.AllowedActions {
		if allowed == a {
			return true
		}
	}
	return false
}
