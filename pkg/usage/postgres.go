package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/appgrant/pkg/billing"
)

// currentPeriodExpr picks the period id a row should be in at the time the
// statement runs. $4 is the day id and $5 the month id.
const currentPeriodExpr = `CASE reset_period WHEN 'day' THEN $4 WHEN 'month' THEN $5 ELSE period_id END`

// PostgresStore keeps counters in the usage_counters table. Increments are a
// single conditional UPDATE so the limit check and the write cannot
// interleave with another request.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// IncrementIfAllowed implements Store.
func (s *PostgresStore) IncrementIfAllowed(ctx context.Context, tenantID, resource string, amount int64, now time.Time) (IncrementOutcome, error) {
	query := `
		UPDATE usage_counters SET
		       count = CASE WHEN period_id = ` + currentPeriodExpr + ` THEN count + $3 ELSE $3 END,
		       period_id = ` + currentPeriodExpr + `,
		       updated_at = $6
		WHERE tenant_id = $1 AND resource_key = $2
		  AND (limit_value < 0
		       OR (CASE WHEN period_id = ` + currentPeriodExpr + ` THEN count ELSE 0 END) + $3 <= limit_value)
		RETURNING count, limit_value, period_id
	`
	out := IncrementOutcome{Provisioned: true, Applied: true}
	err := s.db.QueryRowContext(ctx, query, tenantID, resource, amount,
		PeriodDay.ID(now), PeriodMonth.ID(now), now).
		Scan(&out.Count, &out.Limit, &out.PeriodID)
	if err == nil {
		return out, nil
	}
	if err != sql.ErrNoRows {
		return IncrementOutcome{}, fmt.Errorf("failed to increment usage: %w", err)
	}

	// Nothing updated: either the counter does not exist or the limit holds.
	c, err := s.Get(ctx, tenantID, resource)
	if billing.IsNotFound(err) {
		return IncrementOutcome{}, nil
	}
	if err != nil {
		return IncrementOutcome{}, err
	}
	return IncrementOutcome{Provisioned: true, Count: c.Count, Limit: c.Limit, PeriodID: c.PeriodID}, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID, resource string) (*Counter, error) {
	query := `
		SELECT tenant_id, resource_key, period_id, reset_period, count, limit_value, updated_at
		FROM usage_counters
		WHERE tenant_id = $1 AND resource_key = $2
	`
	c := &Counter{}
	err := s.db.QueryRowContext(ctx, query, tenantID, resource).Scan(
		&c.TenantID, &c.ResourceKey, &c.PeriodID, &c.Period, &c.Count, &c.Limit, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &billing.NotFoundError{Entity: "usage counter", ID: tenantID + "/" + resource}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage counter: %w", err)
	}
	v := current(c, s.now())
	return &v, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]*Counter, error) {
	query := `
		SELECT tenant_id, resource_key, period_id, reset_period, count, limit_value, updated_at
		FROM usage_counters
		WHERE tenant_id = $1
		ORDER BY resource_key
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage counters: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var out []*Counter
	for rows.Next() {
		c := &Counter{}
		if err := rows.Scan(&c.TenantID, &c.ResourceKey, &c.PeriodID, &c.Period, &c.Count, &c.Limit, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage counter: %w", err)
		}
		v := current(c, now)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// SetLimit implements Store. The count of an existing counter is preserved.
func (s *PostgresStore) SetLimit(ctx context.Context, tenantID, resource string, limit int64, period Period, now time.Time) error {
	query := `
		INSERT INTO usage_counters (tenant_id, resource_key, period_id, reset_period, count, limit_value, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (tenant_id, resource_key) DO UPDATE
		SET limit_value = EXCLUDED.limit_value,
		    reset_period = EXCLUDED.reset_period,
		    updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, tenantID, resource, period.ID(now), string(period), limit, now); err != nil {
		return fmt.Errorf("failed to set usage limit: %w", err)
	}
	return nil
}

// Reset implements Store.
func (s *PostgresStore) Reset(ctx context.Context, tenantID, resource string, now time.Time) error {
	query := `
		UPDATE usage_counters SET count = 0, period_id = ` + currentPeriodExpr + `, updated_at = $3
		WHERE tenant_id = $1 AND resource_key = $2
	`
	res, err := s.db.ExecContext(ctx, query, tenantID, resource, now, PeriodDay.ID(now), PeriodMonth.ID(now))
	if err != nil {
		return fmt.Errorf("failed to reset usage counter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &billing.NotFoundError{Entity: "usage counter", ID: tenantID + "/" + resource}
	}
	return nil
}

// ResetExpired implements Store.
func (s *PostgresStore) ResetExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE usage_counters
		SET count = 0,
		    period_id = CASE reset_period WHEN 'day' THEN $1 ELSE $2 END,
		    updated_at = $3
		WHERE (reset_period = 'day' AND period_id <> $1)
		   OR (reset_period = 'month' AND period_id <> $2)
	`
	res, err := s.db.ExecContext(ctx, query, PeriodDay.ID(now), PeriodMonth.ID(now), now)
	if err != nil {
		return 0, fmt.Errorf("failed to reset expired counters: %w", err)
	}
	return res.RowsAffected()
}
