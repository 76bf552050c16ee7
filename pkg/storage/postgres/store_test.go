package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/catalog"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/storage"
)

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

var subscriptionCols = []string{
	"id", "tenant_id", "app_id", "plan_id", "pending_plan_id", "pending_quantity", "status", "quantity",
	"current_period_start", "current_period_end", "trial_end", "cancel_at_period_end", "canceled_at",
	"external_ref", "customer_ref", "last_event_at", "created_at", "updated_at",
}

func subscriptionRow(status string) *sqlmock.Rows {
	return sqlmock.NewRows(subscriptionCols).AddRow(
		"sub-1", "t1", "analytics", "basic", nil, 0, status, 1,
		periodStart, periodEnd, nil, false, nil,
		"sub_ext_1", "cus_1", nil, periodStart, periodStart,
	)
}

func testSubscription() *billing.Subscription {
	return &billing.Subscription{
		ID: "sub-1", TenantID: "t1", AppID: "analytics", PlanID: "basic",
		Status: billing.StatusActive, Quantity: 1,
		CurrentPeriodStart: periodStart, CurrentPeriodEnd: periodEnd,
		CreatedAt: periodStart, UpdatedAt: periodStart,
	}
}

func TestStore_WithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE external_ref = (.+) FOR UPDATE").
			WithArgs("sub_ext_1").
			WillReturnRows(subscriptionRow("active"))
		mock.ExpectCommit()

		s := NewStore(db, nil)
		err = s.WithTx(ctx, func(tx storage.Tx) error {
			sub, err := tx.GetSubscriptionByExternalRefForUpdate(ctx, "sub_ext_1")
			require.NoError(t, err)
			assert.Equal(t, billing.StatusActive, sub.Status)
			assert.Equal(t, "sub_ext_1", sub.ExternalRef)
			assert.Empty(t, sub.PendingPlanID)
			assert.Nil(t, sub.TrialEnd)
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err = NewStore(db, nil).WithTx(ctx, func(storage.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTx_ProcessedEvents(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM processed_events WHERE event_id = (.+)").
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "processed_at", "outcome", "subscription_id", "detail"}))
	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evt_1", "subscription.updated", now, "applied", "sub-1", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO processed_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = NewStore(db, nil).WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.GetProcessedEvent(ctx, "evt_1")
		assert.True(t, billing.IsNotFound(err))

		ev := &storage.ProcessedEvent{
			EventID: "evt_1", EventType: "subscription.updated", ProcessedAt: now,
			Outcome: storage.OutcomeApplied, SubscriptionID: "sub-1",
		}
		require.NoError(t, tx.InsertProcessedEvent(ctx, ev))
		assert.True(t, billing.IsConflict(tx.InsertProcessedEvent(ctx, ev)))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_InsertSubscriptionConflict(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO subscriptions").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err = NewStore(db, nil).WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertSubscription(ctx, testSubscription())
	})
	assert.True(t, billing.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_UpdateSubscription(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sub := testSubscription()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE subscriptions SET").
		WithArgs("sub-1", "t1", "analytics", "basic", "", int64(0), "active", int64(1),
			periodStart, periodEnd, nil, false, nil, "", "", nil, periodStart).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE subscriptions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = NewStore(db, nil).WithTx(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.UpdateSubscription(ctx, sub))
		assert.True(t, billing.IsNotFound(tx.UpdateSubscription(ctx, sub)))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_Entitlements(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO entitlements (.+) ON CONFLICT").
		WithArgs("e-new", "t1", "analytics", "api_calls", "limit", int64(1000), "month", "sub-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("e-old", periodStart))
	mock.ExpectQuery("UPDATE entitlements SET active = FALSE").
		WithArgs("t1", "analytics", pq.Array([]string{"api_calls"})).
		WillReturnRows(sqlmock.NewRows([]string{"feature_key"}).AddRow("dashboards"))
	mock.ExpectQuery("UPDATE entitlements SET active = FALSE").
		WithArgs("t1", "analytics", pq.Array([]string{})).
		WillReturnRows(sqlmock.NewRows([]string{"feature_key"}).AddRow("api_calls"))
	mock.ExpectCommit()

	err = NewStore(db, nil).WithTx(ctx, func(tx storage.Tx) error {
		e := &entitlements.Entitlement{
			ID: "e-new", TenantID: "t1", AppID: "analytics", FeatureKey: "api_calls",
			Kind: catalog.FeatureLimit, Limit: 1000, ResetPeriod: "month", SubscriptionID: "sub-1",
			CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, tx.UpsertEntitlement(ctx, e))
		assert.Equal(t, "e-old", e.ID)
		assert.Equal(t, periodStart, e.CreatedAt)

		revoked, err := tx.DeactivateEntitlements(ctx, "t1", "analytics", []string{"api_calls"})
		require.NoError(t, err)
		assert.Equal(t, []string{"dashboards"}, revoked)

		revoked, err = tx.DeactivateEntitlements(ctx, "t1", "analytics", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"api_calls"}, revoked)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Reads(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE tenant_id = (.+) ORDER BY").
		WithArgs("t1", "analytics").
		WillReturnRows(subscriptionRow("trialing"))
	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE id = (.+)").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(subscriptionCols))
	mock.ExpectQuery("SELECT (.+) FROM subscriptions (.+) current_period_end <= (.+) LIMIT").
		WithArgs(periodEnd, 100).
		WillReturnRows(subscriptionRow("active"))
	mock.ExpectQuery("SELECT (.+) FROM entitlements").
		WithArgs("t1", "analytics").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "app_id", "feature_key", "kind", "limit_value",
			"reset_period", "active", "subscription_id", "created_at", "updated_at"}).
			AddRow("e1", "t1", "analytics", "dashboards", "boolean", 0, "", true, "sub-1", periodStart, periodStart))

	s := NewStore(db, nil)

	sub, err := s.GetCurrentSubscription(ctx, "t1", "analytics")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusTrialing, sub.Status)

	_, err = s.GetSubscription(ctx, "missing")
	assert.True(t, billing.IsNotFound(err))

	due, err := s.ListDueSubscriptions(ctx, periodEnd, 100)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	ents, err := s.ActiveEntitlements(ctx, "t1", "analytics")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, catalog.FeatureBoolean, ents[0].Kind)
	assert.Equal(t, "true", ents[0].Value)

	assert.NoError(t, mock.ExpectationsWereMet())
}
