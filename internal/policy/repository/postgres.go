package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	keysdomain "rights-control-engine/internal/keys/domain"
	"rights-control-engine/internal/policy/domain"
)

// PostgresRepository persists policies to Postgres. List-valued fields and the
// watermark/license descriptors are stored as JSONB.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type policyDoc struct {
	GeoAllow               []string        `json:"geo_allow"`
	GeoDeny                []string        `json:"geo_deny"`
	AllowedActions         []domain.Action `json:"allowed_actions"`
	Restrictions           []string        `json:"restrictions"`
	Watermark              domain.Watermark `json:"watermark"`
	License                domain.License   `json:"license"`
	AllowDeviceReplacement bool            `json:"allow_device_replacement"`
	CustomRules            string          `json:"custom_rules,omitempty"`
	SessionDurationSeconds int64           `json:"session_duration_seconds,omitempty"`
}

// GetByID returns the policy for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, item_id, tier, key_version_id, device_limit, session_limit,
		       notice_period_seconds, config, status, created_at, updated_at, revoked_at
		FROM policies WHERE id = $1`, id)
	return scanPolicy(row)
}

// GetByItem returns the policy protecting itemID, or nil if none.
func (r *PostgresRepository) GetByItem(ctx context.Context, itemID string) (*domain.Policy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, item_id, tier, key_version_id, device_limit, session_limit,
		       notice_period_seconds, config, status, created_at, updated_at, revoked_at
		FROM policies WHERE item_id = $1`, itemID)
	return scanPolicy(row)
}

// Create persists the policy. The policy must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, p *domain.Policy) error {
	doc, err := marshalDoc(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO policies (id, item_id, tier, key_version_id, device_limit, session_limit,
		                      notice_period_seconds, config, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.ItemID, string(p.Tier), p.KeyVersionID, p.DeviceLimit, p.SessionLimit,
		int64(p.NoticePeriod/time.Second), doc, string(p.Status), p.CreatedAt, p.UpdatedAt)
	return err
}

// Update replaces the stored policy row.
func (r *PostgresRepository) Update(ctx context.Context, p *domain.Policy) error {
	doc, err := marshalDoc(p)
	if err != nil {
		return err
	}
	var revokedAt sql.NullTime
	if p.RevokedAt != nil {
		revokedAt = sql.NullTime{Time: *p.RevokedAt, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE policies SET tier = $2, key_version_id = $3, device_limit = $4, session_limit = $5,
		       notice_period_seconds = $6, config = $7, status = $8, updated_at = $9, revoked_at = $10
		WHERE id = $1`,
		p.ID, string(p.Tier), p.KeyVersionID, p.DeviceLimit, p.SessionLimit,
		int64(p.NoticePeriod/time.Second), doc, string(p.Status), p.UpdatedAt, revokedAt)
	return err
}

func marshalDoc(p *domain.Policy) ([]byte, error) {
	return json.Marshal(policyDoc{
		GeoAllow:               p.GeoAllow,
		GeoDeny:                p.GeoDeny,
		AllowedActions:         p.AllowedActions,
		Restrictions:           p.Restrictions,
		Watermark:              p.Watermark,
		License:                p.License,
		AllowDeviceReplacement: p.AllowDeviceReplacement,
		CustomRules:            p.CustomRules,
		SessionDurationSeconds: int64(p.SessionDuration / time.Second),
	})
}

func scanPolicy(row *sql.Row) (*domain.Policy, error) {
	var (
		p             domain.Policy
		tier, status  string
		noticeSeconds int64
		doc           []byte
		revokedAt     sql.NullTime
	)
	err := row.Scan(&p.ID, &p.ItemID, &tier, &p.KeyVersionID, &p.DeviceLimit, &p.SessionLimit,
		&noticeSeconds, &doc, &status, &p.CreatedAt, &p.UpdatedAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var d policyDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	p.Tier = keysdomain.Tier(tier)
	p.Status = domain.PolicyStatus(status)
	p.NoticePeriod = time.Duration(noticeSeconds) * time.Second
	p.GeoAllow = d.GeoAllow
	p.GeoDeny = d.GeoDeny
	p.AllowedActions = d.AllowedActions
	p.Restrictions = d.Restrictions
	p.Watermark = d.Watermark
	p.License = d.License
	p.AllowDeviceReplacement = d.AllowDeviceReplacement
	p.CustomRules = d.CustomRules
	p.SessionDuration = time.Duration(d.SessionDurationSeconds) * time.Second
	if revokedAt.Valid {
		p.RevokedAt = &revokedAt.Time
	}
	return &p, nil
}
