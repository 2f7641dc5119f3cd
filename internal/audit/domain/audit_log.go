package domain

import "time"

// AuditLog records one administrative action against the engine
// (key rotation, policy suspension, emergency revocation, ...).
type AuditLog struct {
	ID        string
	Actor     string
	Action    string
	Resource  string
	Metadata  string
	CreatedAt time.Time
}
