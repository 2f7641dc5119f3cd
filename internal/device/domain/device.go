package domain

import "time"

// Device is one device fingerprint registered against a principal and
// policy pair. The pair's device ceiling comes from the policy.
type Device struct {
	ID          string
	PrincipalID string
	PolicyID    string
	Fingerprint string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}
