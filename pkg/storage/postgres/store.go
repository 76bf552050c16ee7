package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/catalog"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/storage"
)

//go:embed schema.sql
var schema string

var tracer = otel.Tracer("github.com/platinummonkey/appgrant/pkg/storage/postgres")

const uniqueViolation = "23505"

// Store implements storage.Store on PostgreSQL. Transitions run on the
// primary; committed reads go to a replica when one is configured.
type Store struct {
	conns *ConnectionManager
	log   logrus.FieldLogger
}

// NewStore creates a store over a single database handle.
func NewStore(db *sql.DB, log logrus.FieldLogger) *Store {
	return NewReplicatedStore(NewConnectionManagerFromDB(db), log)
}

// NewReplicatedStore creates a store that reads from cm's replicas.
func NewReplicatedStore(cm *ConnectionManager, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{conns: cm, log: log}
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx implements storage.Store.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) (err error) {
	ctx, span := tracer.Start(ctx, "postgres.WithTx")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transaction failed")
		}
		span.End()
	}()

	sqlTx, err := s.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// HealthCheck implements storage.Store.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conns.HealthCheck(ctx)
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.conns.Close()
}

func (s *Store) reader() querier {
	return s.conns.Replica()
}

// GetProcessedEvent implements storage.EventLog.
func (s *Store) GetProcessedEvent(ctx context.Context, eventID string) (*storage.ProcessedEvent, error) {
	return getProcessedEvent(ctx, s.conns.Primary(), eventID)
}

// GetSubscription implements storage.SubscriptionReader.
func (s *Store) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	return getSubscription(ctx, s.reader(), id, `WHERE id = $1`, "", id)
}

// GetCurrentSubscription implements storage.SubscriptionReader.
func (s *Store) GetCurrentSubscription(ctx context.Context, tenantID, appID string) (*billing.Subscription, error) {
	return getSubscription(ctx, s.reader(), billing.SubscriptionKey(tenantID, appID), currentWhere, "", tenantID, appID)
}

// ListSubscriptions implements storage.SubscriptionReader.
func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1 ORDER BY app_id, created_at DESC`
	return listSubscriptions(ctx, s.reader(), query, tenantID)
}

// ListDueSubscriptions implements storage.SubscriptionReader.
func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE external_ref IS NULL
		  AND status NOT IN ('canceled', 'incomplete_expired')
		  AND current_period_end <= $1
		ORDER BY current_period_end
		LIMIT $2`
	return listSubscriptions(ctx, s.conns.Primary(), query, now, limit)
}

// ActiveEntitlements implements entitlements.Reader.
func (s *Store) ActiveEntitlements(ctx context.Context, tenantID, appID string) ([]*entitlements.Entitlement, error) {
	query := `
		SELECT id, tenant_id, app_id, feature_key, kind, limit_value, reset_period, active,
		       subscription_id, created_at, updated_at
		FROM entitlements
		WHERE tenant_id = $1 AND app_id = $2 AND active = TRUE
		ORDER BY feature_key
	`
	rows, err := s.reader().QueryContext(ctx, query, tenantID, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	defer rows.Close()

	var out []*entitlements.Entitlement
	for rows.Next() {
		e := &entitlements.Entitlement{}
		var kind string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AppID, &e.FeatureKey, &kind, &e.Limit, &e.ResetPeriod,
			&e.Active, &e.SubscriptionID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		e.Kind = catalog.FeatureKind(kind)
		e.Value = entitlements.FeatureValue(e.Kind, e.Limit)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Tx implements storage.Tx on a database transaction.
type Tx struct {
	q querier
}

// GetProcessedEvent implements storage.Tx.
func (t *Tx) GetProcessedEvent(ctx context.Context, eventID string) (*storage.ProcessedEvent, error) {
	return getProcessedEvent(ctx, t.q, eventID)
}

// InsertProcessedEvent implements storage.Tx.
func (t *Tx) InsertProcessedEvent(ctx context.Context, ev *storage.ProcessedEvent) error {
	query := `
		INSERT INTO processed_events (event_id, event_type, processed_at, outcome, subscription_id, detail)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (event_id) DO NOTHING
	`
	res, err := t.q.ExecContext(ctx, query, ev.EventID, ev.EventType, ev.ProcessedAt, string(ev.Outcome), ev.SubscriptionID, ev.Detail)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &billing.ConflictError{Entity: "event", Message: fmt.Sprintf("event %s already processed", ev.EventID)}
	}
	return nil
}

// GetSubscriptionForUpdate implements storage.Tx.
func (t *Tx) GetSubscriptionForUpdate(ctx context.Context, id string) (*billing.Subscription, error) {
	return getSubscription(ctx, t.q, id, `WHERE id = $1`, forUpdate, id)
}

// GetSubscriptionByExternalRefForUpdate implements storage.Tx.
func (t *Tx) GetSubscriptionByExternalRefForUpdate(ctx context.Context, ref string) (*billing.Subscription, error) {
	return getSubscription(ctx, t.q, ref, `WHERE external_ref = $1`, forUpdate, ref)
}

// GetCurrentSubscriptionForUpdate implements storage.Tx.
func (t *Tx) GetCurrentSubscriptionForUpdate(ctx context.Context, tenantID, appID string) (*billing.Subscription, error) {
	return getSubscription(ctx, t.q, billing.SubscriptionKey(tenantID, appID), currentWhere, forUpdate, tenantID, appID)
}

// InsertSubscription implements storage.Tx.
func (t *Tx) InsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13,
		        NULLIF($14, ''), NULLIF($15, ''), $16, $17, $18)
	`
	_, err := t.q.ExecContext(ctx, query, subscriptionArgs(sub)...)
	if isUniqueViolation(err) {
		return &billing.ConflictError{
			Entity:  "subscription",
			Message: fmt.Sprintf("tenant %s already has a live subscription to %s", sub.TenantID, sub.AppID),
		}
	}
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements storage.Tx.
func (t *Tx) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	query := `
		UPDATE subscriptions SET
			plan_id = $4, pending_plan_id = NULLIF($5, ''), pending_quantity = $6, status = $7,
			quantity = $8, current_period_start = $9, current_period_end = $10, trial_end = $11,
			cancel_at_period_end = $12, canceled_at = $13, external_ref = NULLIF($14, ''),
			customer_ref = NULLIF($15, ''), last_event_at = $16, updated_at = $17
		WHERE id = $1 AND tenant_id = $2 AND app_id = $3
	`
	args := subscriptionArgs(sub)
	args = append(args[:16], sub.UpdatedAt)
	res, err := t.q.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return &billing.ConflictError{Entity: "subscription", Message: "external reference already in use"}
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &billing.NotFoundError{Entity: "subscription", ID: sub.ID}
	}
	return nil
}

// UpsertEntitlement implements entitlements.Repository.
func (t *Tx) UpsertEntitlement(ctx context.Context, e *entitlements.Entitlement) error {
	query := `
		INSERT INTO entitlements (id, tenant_id, app_id, feature_key, kind, limit_value, reset_period,
		                          active, subscription_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9, $9)
		ON CONFLICT (tenant_id, app_id, feature_key) DO UPDATE SET
			kind = EXCLUDED.kind,
			limit_value = EXCLUDED.limit_value,
			reset_period = EXCLUDED.reset_period,
			active = TRUE,
			subscription_id = EXCLUDED.subscription_id,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`
	err := t.q.QueryRowContext(ctx, query, e.ID, e.TenantID, e.AppID, e.FeatureKey, string(e.Kind),
		e.Limit, e.ResetPeriod, e.SubscriptionID, e.UpdatedAt).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// DeactivateEntitlements implements entitlements.Repository.
func (t *Tx) DeactivateEntitlements(ctx context.Context, tenantID, appID string, keep []string) ([]string, error) {
	if keep == nil {
		keep = []string{}
	}
	query := `
		UPDATE entitlements SET active = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND app_id = $2 AND active = TRUE AND NOT (feature_key = ANY($3))
		RETURNING feature_key
	`
	rows, err := t.q.QueryContext(ctx, query, tenantID, appID, pq.Array(keep))
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate entitlements: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

const subscriptionColumns = `id, tenant_id, app_id, plan_id, pending_plan_id, pending_quantity, status, quantity,
	current_period_start, current_period_end, trial_end, cancel_at_period_end, canceled_at,
	external_ref, customer_ref, last_event_at, created_at, updated_at`

// currentWhere prefers the live subscription of (tenant, app) over ended ones.
const currentWhere = `WHERE tenant_id = $1 AND app_id = $2
	ORDER BY (status IN ('canceled', 'incomplete_expired')), created_at DESC
	LIMIT 1`

const forUpdate = ` FOR UPDATE`

func subscriptionArgs(sub *billing.Subscription) []any {
	return []any{
		sub.ID, sub.TenantID, sub.AppID, sub.PlanID, sub.PendingPlanID, sub.PendingQuantity,
		string(sub.Status), sub.Quantity, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEnd,
		sub.CancelAtPeriodEnd, sub.CanceledAt, sub.ExternalRef, sub.CustomerRef, sub.LastEventAt,
		sub.CreatedAt, sub.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	sub := &billing.Subscription{}
	var pendingPlan, externalRef, customerRef sql.NullString
	var status string
	var trialEnd, canceledAt, lastEventAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.AppID, &sub.PlanID, &pendingPlan, &sub.PendingQuantity,
		&status, &sub.Quantity, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &trialEnd,
		&sub.CancelAtPeriodEnd, &canceledAt, &externalRef, &customerRef, &lastEventAt,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = billing.Status(status)
	sub.PendingPlanID = pendingPlan.String
	sub.ExternalRef = externalRef.String
	sub.CustomerRef = customerRef.String
	sub.TrialEnd = timePtr(trialEnd)
	sub.CanceledAt = timePtr(canceledAt)
	sub.LastEventAt = timePtr(lastEventAt)
	return sub, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func getSubscription(ctx context.Context, q querier, id, where, suffix string, args ...any) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions ` + where + suffix
	sub, err := scanSubscription(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &billing.NotFoundError{Entity: "subscription", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func listSubscriptions(ctx context.Context, q querier, query string, args ...any) ([]*billing.Subscription, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func getProcessedEvent(ctx context.Context, q querier, eventID string) (*storage.ProcessedEvent, error) {
	query := `
		SELECT event_id, event_type, processed_at, outcome, subscription_id, detail
		FROM processed_events WHERE event_id = $1
	`
	ev := &storage.ProcessedEvent{}
	var outcome string
	var subID sql.NullString
	err := q.QueryRowContext(ctx, query, eventID).Scan(&ev.EventID, &ev.EventType, &ev.ProcessedAt, &outcome, &subID, &ev.Detail)
	if err == sql.ErrNoRows {
		return nil, &billing.NotFoundError{Entity: "event", ID: eventID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed event: %w", err)
	}
	ev.Outcome = storage.Outcome(outcome)
	ev.SubscriptionID = subID.String
	return ev, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
