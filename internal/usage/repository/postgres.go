package repository

import (
	"context"
	"database/sql"
	"time"

	"rights-control-engine/internal/usage/domain"
)

// PostgresRepository persists usage events and violations to Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a usage repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateEvent(ctx context.Context, e *domain.UsageEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, principal_id, policy_id, item_id, action, location,
		                          device_fingerprint, granted, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.PrincipalID, e.PolicyID, e.ItemID, e.Action, e.Location,
		e.DeviceFingerprint, e.Granted, e.Reason, e.OccurredAt)
	return err
}

func (r *PostgresRepository) ListEventsSince(ctx context.Context, since time.Time) ([]*domain.UsageEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, principal_id, policy_id, item_id, action, location,
		       device_fingerprint, granted, reason, occurred_at
		FROM usage_events WHERE occurred_at >= $1
		ORDER BY occurred_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.UsageEvent
	for rows.Next() {
		var e domain.UsageEvent
		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.PolicyID, &e.ItemID, &e.Action,
			&e.Location, &e.DeviceFingerprint, &e.Granted, &e.Reason, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateViolation(ctx context.Context, v *domain.Violation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO violations (id, policy_id, principal_id, violation_type, severity,
		                        observed, threshold, detected_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.PolicyID, v.PrincipalID, v.Type, v.Severity,
		v.Observed, v.Threshold, v.DetectedAt, v.Status)
	return err
}

func (r *PostgresRepository) GetViolation(ctx context.Context, id string) (*domain.Violation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, policy_id, principal_id, violation_type, severity,
		       observed, threshold, detected_at, status
		FROM violations WHERE id = $1`, id)
	var v domain.Violation
	err := row.Scan(&v.ID, &v.PolicyID, &v.PrincipalID, &v.Type, &v.Severity,
		&v.Observed, &v.Threshold, &v.DetectedAt, &v.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *PostgresRepository) UpdateViolationStatus(ctx context.Context, id string, status domain.ViolationStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE violations SET status = $2 WHERE id = $1`, id, status)
	return err
}

func (r *PostgresRepository) ListViolationsSince(ctx context.Context, since time.Time) ([]*domain.Violation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, policy_id, principal_id, violation_type, severity,
		       observed, threshold, detected_at, status
		FROM violations WHERE detected_at >= $1
		ORDER BY detected_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Violation
	for rows.Next() {
		var v domain.Violation
		if err := rows.Scan(&v.ID, &v.PolicyID, &v.PrincipalID, &v.Type, &v.Severity,
			&v.Observed, &v.Threshold, &v.DetectedAt, &v.Status); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
