package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"rights-control-engine/internal/session/domain"
)

// PostgresRepository persists sessions to Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the session. The session must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	restrictions, err := json.Marshal(s.Restrictions)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, principal_id, policy_id, item_id, device_id, key_version_id,
		                      restrictions, metadata, max_idle_seconds, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.PrincipalID, s.PolicyID, s.ItemID, s.DeviceID, s.KeyVersionID,
		restrictions, metadata, int64(s.MaxIdle/time.Second), s.StartedAt, s.LastActivityAt)
	return err
}

// Terminate marks the session terminated. No-op for already-terminated rows,
// matching the manager's idempotent terminate.
func (r *PostgresRepository) Terminate(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET terminated_at = $2, terminate_reason = $3
		WHERE id = $1 AND terminated_at IS NULL`, id, at, reason)
	return err
}

// UpdateLastActivity records a heartbeat.
func (r *PostgresRepository) UpdateLastActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = $2 WHERE id = $1`, id, at)
	return err
}

// ListActive returns all non-terminated sessions, used to rebuild the
// in-memory registry on startup.
func (r *PostgresRepository) ListActive(ctx context.Context) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, principal_id, policy_id, item_id, device_id, key_version_id,
		       restrictions, metadata, max_idle_seconds, started_at, last_activity_at
		FROM sessions WHERE terminated_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		var (
			s              domain.Session
			restrictions   []byte
			metadata       []byte
			maxIdleSeconds int64
		)
		if err := rows.Scan(&s.ID, &s.PrincipalID, &s.PolicyID, &s.ItemID, &s.DeviceID,
			&s.KeyVersionID, &restrictions, &metadata, &maxIdleSeconds,
			&s.StartedAt, &s.LastActivityAt); err != nil {
			return nil, err
		}
		if len(restrictions) > 0 {
			if err := json.Unmarshal(restrictions, &s.Restrictions); err != nil {
				return nil, err
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
				return nil, err
			}
		}
		s.MaxIdle = time.Duration(maxIdleSeconds) * time.Second
		out = append(out, &s)
	}
	return out, rows.Err()
}
