package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/tasks"
)

func newTestQueue(t *testing.T, f *fixture) *tasks.Queue {
	t.Helper()
	q := tasks.NewQueue(tasks.Config{
		Workers: 1,
		Retry: tasks.RetryConfig{
			MaxAttempts:       20,
			InitialDelay:      5 * time.Millisecond,
			MaxDelay:          20 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}, nil, quietLogger())
	f.rec.Register(q)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = q.Stop(context.Background())
	})
	return q
}

func TestIngestAsync_RetriesUntilSubscriptionIsVisible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := newTestQueue(t, f)

	_, err := IngestAsync(ctx, q, event("evt_async", TypeSubscriptionUpdated, "active", t1, t2, t1))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	f.seed(t, trialSub())

	assert.Eventually(t, func() bool {
		_, err := f.store.GetProcessedEvent(ctx, "evt_async")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, billing.StatusActive, f.subscription(t, "sub-1").Status)
}

func TestIngestAsync_MalformedEventIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := newTestQueue(t, f)

	env := event("evt_bad", TypeSubscriptionUpdated, "", t1, t2, t1)
	_, err := IngestAsync(ctx, q, env)
	require.NoError(t, err)

	dead := q.DeadLetters().(*tasks.MemoryDeadLetters)
	assert.Eventually(t, func() bool { return dead.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = IngestAsync(ctx, q, Envelope{EventType: TypeInvoicePaid})
	assert.True(t, billing.IsValidation(err))
}
