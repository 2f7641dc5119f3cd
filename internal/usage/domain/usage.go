package domain

import "time"

// UsageEvent is one recorded access decision, granted or denied.
type UsageEvent struct {
	ID                string
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

// Severity grades how far past its threshold a violation landed.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor grades a violation by its overshoot ratio, observed divided
// by threshold.
func SeverityFor(ratio float64) Severity {
	switch {
	case ratio >= 3:
		return SeverityCritical
	case ratio >= 2:
		return SeverityHigh
	case ratio >= 1.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ViolationType names a detected abuse pattern.
type ViolationType string

const (
	// ViolationExcessiveDenials fires when a policy's denial rate over
	// the analysis window exceeds the configured rate threshold.
	ViolationExcessiveDenials ViolationType = "excessive_denials"
	// ViolationDeviceChurn fires when a principal cycles through more
	// distinct device fingerprints than the churn threshold allows.
	ViolationDeviceChurn ViolationType = "device_churn"
	// ViolationGeoProbing fires when a principal collects geo denials
	// from several distinct locations, a credential-sharing tell.
	ViolationGeoProbing ViolationType = "geo_probing"
	// ViolationConcurrencyAbuse fires when a principal keeps hammering a
	// policy's concurrency limit instead of backing off.
	ViolationConcurrencyAbuse ViolationType = "concurrency_abuse"
)

// ViolationStatus is the resolution state of a violation finding.
type ViolationStatus string

const (
	// ViolationStatusOpen is the initial state of every finding.
	ViolationStatusOpen ViolationStatus = "open"
	// ViolationStatusEscalated marks findings that triggered an automated
	// response, such as policy suspension.
	ViolationStatusEscalated ViolationStatus = "escalated"
	// ViolationStatusResolved is terminal; an operator dismissed or
	// handled the finding.
	ViolationStatusResolved ViolationStatus = "resolved"
)

// Violation is one detected policy abuse finding.
type Violation struct {
	ID          string          `json:"id"`
	PolicyID    string          `json:"policy_id,omitempty"`
	PrincipalID string          `json:"principal_id,omitempty"`
	Type        ViolationType   `json:"type"`
	Severity    Severity        `json:"severity"`
	Observed    float64         `json:"observed"`
	Threshold   float64         `json:"threshold"`
	DetectedAt  time.Time       `json:"detected_at"`
	Status      ViolationStatus `json:"status"`
}
