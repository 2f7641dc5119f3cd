package domain

import "time"

// Session is one live access grant produced by a successful validation.
// MaxIdle is the inactivity bound from the policy's session duration; zero
// defers to the engine-wide default. Metadata is opaque caller context
// carried for the session's lifetime.
type Session struct {
	ID              string
	PrincipalID     string
	PolicyID        string
	ItemID          string
	DeviceID        string
	KeyVersionID    string
	Restrictions    []string
	Metadata        map[string]string
	MaxIdle         time.Duration
	StartedAt       time.Time
	LastActivityAt  time.Time
	TerminatedAt    *time.Time // nil while live
	TerminateReason string
}

// Active reports whether the session has not been terminated.
func (s *Session) Active() bool {
	return s.TerminatedAt == nil
}
