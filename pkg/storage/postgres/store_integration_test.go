//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/catalog"
	"github.com/platinummonkey/appgrant/pkg/storage"
	"github.com/platinummonkey/appgrant/pkg/usage"
)

// setupPostgres starts a PostgreSQL container with the schema applied.
func setupPostgres(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("appgrant_test"),
		tcpostgres.WithUsername("appgrant"),
		tcpostgres.WithPassword("appgrant_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	require.NoError(t, Migrate(ctx, db))

	cleanup := func() {
		db.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}
	return db, cleanup
}

func TestIntegration_SubscriptionLifecycle(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	s := NewStore(db, nil)

	sub := testSubscription()
	sub.ExternalRef = "sub_ext_1"
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertSubscription(ctx, sub)
	}))

	t.Run("second live subscription conflicts", func(t *testing.T) {
		other := testSubscription()
		other.ID = "sub-2"
		err := s.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertSubscription(ctx, other) })
		assert.True(t, billing.IsConflict(err))
	})

	t.Run("update through row lock", func(t *testing.T) {
		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			locked, err := tx.GetSubscriptionByExternalRefForUpdate(ctx, "sub_ext_1")
			if err != nil {
				return err
			}
			locked.Status = billing.StatusPastDue
			locked.UpdatedAt = time.Now().UTC()
			return tx.UpdateSubscription(ctx, locked)
		}))

		got, err := s.GetCurrentSubscription(ctx, "t1", "analytics")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, got.Status)
	})

	t.Run("ended subscription frees the slot", func(t *testing.T) {
		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			locked, err := tx.GetSubscriptionForUpdate(ctx, "sub-1")
			if err != nil {
				return err
			}
			locked.Status = billing.StatusCanceled
			return tx.UpdateSubscription(ctx, locked)
		}))

		next := testSubscription()
		next.ID = "sub-3"
		next.CreatedAt = time.Now().UTC()
		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertSubscription(ctx, next) }))

		got, err := s.GetCurrentSubscription(ctx, "t1", "analytics")
		require.NoError(t, err)
		assert.Equal(t, "sub-3", got.ID)
	})
}

func TestIntegration_ProcessedEventsAreUnique(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	s := NewStore(db, nil)

	ev := &storage.ProcessedEvent{EventID: "evt_1", EventType: "invoice.paid", ProcessedAt: time.Now().UTC(), Outcome: storage.OutcomeApplied}
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertProcessedEvent(ctx, ev) }))

	err := s.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertProcessedEvent(ctx, ev) })
	assert.True(t, billing.IsConflict(err))

	got, err := s.GetProcessedEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeApplied, got.Outcome)
}

func TestIntegration_UsageCountersNeverPassLimit(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	meter := usage.NewMeter(usage.NewPostgresStore(db), nil)
	require.NoError(t, meter.SetLimit(ctx, "t1", "api_calls", 50, usage.PeriodMonth))

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := meter.Increment(ctx, "t1", "api_calls", 1); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, accepted)
	c, err := meter.Current(ctx, "t1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(50), c.Count)
}

func TestIntegration_CatalogRoundTrip(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	c := catalog.NewPostgresCatalog(db)
	plan := &catalog.Plan{
		ID: "analytics-pro", AppID: "analytics", Name: "Pro", PriceCents: 3000, Currency: "usd",
		Interval: billing.IntervalMonth, PriceRef: "price_pro", Active: true,
		Features: []catalog.Feature{{Key: "api_calls", Kind: catalog.FeatureLimit, Limit: 10000, ResetPeriod: "month"}},
	}
	require.NoError(t, c.UpsertPlan(ctx, plan))

	got, err := c.GetPlan(ctx, "price_pro")
	require.NoError(t, err)
	assert.Equal(t, "analytics-pro", got.ID)
	require.Len(t, got.Features, 1)
	assert.Equal(t, int64(10000), got.Features[0].Limit)
}
