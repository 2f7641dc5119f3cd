package repository

import (
	"context"
	"database/sql"
	"time"

	"rights-control-engine/internal/audit/domain"
)

// PostgresRepository persists audit logs to Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts one audit log row.
func (r *PostgresRepository) Create(ctx context.Context, entry *domain.AuditLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, resource, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.Actor, entry.Action, entry.Resource, entry.Metadata, entry.CreatedAt)
	return err
}

// ListSince returns up to limit entries created at or after since, oldest first.
func (r *PostgresRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]*domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor, action, resource, metadata, created_at
		FROM audit_logs WHERE created_at >= $1
		ORDER BY created_at ASC LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AuditLog
	for rows.Next() {
		var e domain.AuditLog
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Resource, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
