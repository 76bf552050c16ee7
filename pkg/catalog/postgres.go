package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/appgrant/pkg/billing"
)

// PostgresCatalog stores plans in the plans and plan_features tables.
type PostgresCatalog struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresCatalog creates a catalog over db.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db, now: time.Now}
}

const planColumns = `id, app_id, name, price_cents, currency, billing_interval, trial_days, price_ref, active, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	p := &Plan{}
	var priceRef sql.NullString
	var interval string
	err := row.Scan(&p.ID, &p.AppID, &p.Name, &p.PriceCents, &p.Currency, &interval,
		&p.TrialDays, &priceRef, &p.Active, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Interval = billing.Interval(interval)
	p.PriceRef = priceRef.String
	return p, nil
}

// GetPlan loads a plan by ID or price reference.
func (c *PostgresCatalog) GetPlan(ctx context.Context, ref string) (*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1 OR price_ref = $1 LIMIT 1`
	p, err := scanPlan(c.db.QueryRowContext(ctx, query, ref))
	if err == sql.ErrNoRows {
		return nil, notFound(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	features, err := c.loadFeatures(ctx, []string{p.ID})
	if err != nil {
		return nil, err
	}
	p.Features = features[p.ID]
	return p, nil
}

// ListPlans returns the active plans of an app ordered by price.
func (c *PostgresCatalog) ListPlans(ctx context.Context, appID string) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE app_id = $1 AND active = TRUE ORDER BY price_cents, id`
	rows, err := c.db.QueryContext(ctx, query, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	var ids []string
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	if len(ids) == 0 {
		return plans, nil
	}

	features, err := c.loadFeatures(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		p.Features = features[p.ID]
	}
	return plans, nil
}

func (c *PostgresCatalog) loadFeatures(ctx context.Context, planIDs []string) (map[string][]Feature, error) {
	query := `
		SELECT plan_id, feature_key, kind, limit_value, reset_period
		FROM plan_features
		WHERE plan_id = ANY($1)
		ORDER BY plan_id, feature_key
	`
	rows, err := c.db.QueryContext(ctx, query, pq.Array(planIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load plan features: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Feature, len(planIDs))
	for rows.Next() {
		var planID, kind string
		var f Feature
		var reset sql.NullString
		if err := rows.Scan(&planID, &f.Key, &kind, &f.Limit, &reset); err != nil {
			return nil, fmt.Errorf("failed to scan plan feature: %w", err)
		}
		f.Kind = FeatureKind(kind)
		f.ResetPeriod = reset.String
		out[planID] = append(out[planID], f)
	}
	return out, rows.Err()
}

// UpsertPlan creates or replaces a plan and its features.
func (c *PostgresCatalog) UpsertPlan(ctx context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = c.now().UTC()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, app_id, name, price_cents, currency, billing_interval, trial_days, price_ref, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			app_id = EXCLUDED.app_id,
			name = EXCLUDED.name,
			price_cents = EXCLUDED.price_cents,
			currency = EXCLUDED.currency,
			billing_interval = EXCLUDED.billing_interval,
			trial_days = EXCLUDED.trial_days,
			price_ref = EXCLUDED.price_ref,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.AppID, p.Name, p.PriceCents, p.Currency, string(p.Interval), p.TrialDays, p.PriceRef, p.Active, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_features WHERE plan_id = $1`, p.ID); err != nil {
		return fmt.Errorf("failed to clear plan features: %w", err)
	}
	for _, f := range p.Features {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plan_features (plan_id, feature_key, kind, limit_value, reset_period)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		`, p.ID, f.Key, string(f.Kind), f.Limit, f.ResetPeriod)
		if err != nil {
			return fmt.Errorf("failed to insert plan feature %s: %w", f.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	return nil
}
