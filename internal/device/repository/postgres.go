package repository

import (
	"context"
	"database/sql"
	"time"

	"rights-control-engine/internal/device/domain"
)

// PostgresRepository persists registered devices to Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a device repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) ListByPair(ctx context.Context, principalID, policyID string) ([]*domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, principal_id, policy_id, fingerprint, first_seen_at, last_seen_at
		FROM devices WHERE principal_id = $1 AND policy_id = $2`, principalID, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Device
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.PrincipalID, &d.PolicyID, &d.Fingerprint,
			&d.FirstSeenAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Create(ctx context.Context, d *domain.Device) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, principal_id, policy_id, fingerprint, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.PrincipalID, d.PolicyID, d.Fingerprint, d.FirstSeenAt, d.LastSeenAt)
	return err
}

func (r *PostgresRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	return err
}
