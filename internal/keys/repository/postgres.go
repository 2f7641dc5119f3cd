package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rights-control-engine/internal/keys/domain"
	"rights-control-engine/internal/security"
)

// PostgresRepository persists key versions with material wrapped by the master key.
type PostgresRepository struct {
	db      *sql.DB
	wrapper *security.Wrapper
}

// NewPostgresRepository returns a key repository over db. wrapper must not be nil;
// raw key material never reaches the database.
func NewPostgresRepository(db *sql.DB, wrapper *security.Wrapper) *PostgresRepository {
	return &PostgresRepository{db: db, wrapper: wrapper}
}

// GetByID returns the key version for id with material unwrapped, or nil if not found.
// It returns an error only for database or unwrap failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.KeyVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, version, algorithm, tier, size, material, status, created_at, retired_at, destroyed_at
		FROM key_versions WHERE id = $1`, id)
	return r.scanKey(row)
}

// GetActiveByTier returns the newest active key version for the tier, or nil if none.
func (r *PostgresRepository) GetActiveByTier(ctx context.Context, tier domain.Tier) (*domain.KeyVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, version, algorithm, tier, size, material, status, created_at, retired_at, destroyed_at
		FROM key_versions WHERE tier = $1 AND status = 'active'
		ORDER BY version DESC LIMIT 1`, string(tier))
	return r.scanKey(row)
}

// NextVersion returns the next monotonic version number for the tier.
func (r *PostgresRepository) NextVersion(ctx context.Context, tier domain.Tier) (int, error) {
	var max sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM key_versions WHERE tier = $1`, string(tier)).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// Create wraps the material and persists the key version.
func (r *PostgresRepository) Create(ctx context.Context, k *domain.KeyVersion) error {
	sealed, err := r.wrapper.Wrap(k.Material)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO key_versions (id, version, algorithm, tier, size, material, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.Version, string(k.Algorithm), string(k.Tier), k.Size, sealed, string(k.Status), k.CreatedAt)
	return err
}

// Retire marks the version retired.
func (r *PostgresRepository) Retire(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE key_versions SET status = 'retired', retired_at = $2
		WHERE id = $1 AND status = 'active'`, id, time.Now().UTC())
	return err
}

// EraseMaterial overwrites the stored material and marks the version destroyed.
// The material column is nulled in the same statement so a partial failure
// cannot leave a destroyed row with live material.
func (r *PostgresRepository) EraseMaterial(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE key_versions SET material = NULL, status = 'destroyed', destroyed_at = $2
		WHERE id = $1 AND status <> 'destroyed'`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already destroyed or missing; erasure holds either way.
		return nil
	}
	return nil
}

func (r *PostgresRepository) scanKey(row *sql.Row) (*domain.KeyVersion, error) {
	var (
		k         domain.KeyVersion
		alg, tier string
		status    string
		sealed    []byte
		retired   sql.NullTime
		destroyed sql.NullTime
	)
	err := row.Scan(&k.ID, &k.Version, &alg, &tier, &k.Size, &sealed, &status, &k.CreatedAt, &retired, &destroyed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	k.Algorithm = domain.Algorithm(alg)
	k.Tier = domain.Tier(tier)
	k.Status = domain.KeyStatus(status)
	if retired.Valid {
		k.RetiredAt = &retired.Time
	}
	if destroyed.Valid {
		k.DestroyedAt = &destroyed.Time
	}
	if len(sealed) > 0 {
		material, err := r.wrapper.Unwrap(sealed)
		if err != nil {
			return nil, err
		}
		k.Material = material
	}
	return &k, nil
}
