package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func activeSub(start, end time.Time) *Subscription {
	return &Subscription{
		ID:                 "sub_1",
		TenantID:           "tenant_1",
		AppID:              "app_1",
		PlanID:             "basic",
		Status:             StatusActive,
		Quantity:           1,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		ExternalRef:        "sub_ext_1",
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusTrialing, StatusActive, true},
		{StatusActive, StatusPastDue, true},
		{StatusPastDue, StatusActive, true},
		{StatusCanceledPending, StatusActive, true},
		{StatusIncomplete, StatusIncompleteExpired, true},
		{StatusActive, StatusActive, true},
		{StatusActive, StatusIncomplete, false},
		{StatusActive, StatusIncompleteExpired, false},
		{StatusUnpaid, StatusTrialing, false},
		{StatusCanceled, StatusActive, false},
		{StatusCanceled, StatusCanceled, false},
		{StatusIncompleteExpired, StatusActive, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidTransitionsFrom_TerminalHasNone(t *testing.T) {
	assert.Empty(t, ValidTransitionsFrom(StatusCanceled))
	assert.Empty(t, ValidTransitionsFrom(StatusIncompleteExpired))
	assert.Contains(t, ValidTransitionsFrom(StatusIncomplete), StatusActive)
}

func TestNewTrial(t *testing.T) {
	sub, err := NewTrial("tenant_1", "app_1", "pro", 14, t0)
	require.NoError(t, err)

	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, StatusTrialing, sub.Status)
	assert.Equal(t, t0, sub.CurrentPeriodStart)
	assert.Equal(t, t0.AddDate(0, 0, 14), sub.CurrentPeriodEnd)
	require.NotNil(t, sub.TrialEnd)
	assert.Equal(t, sub.CurrentPeriodEnd, *sub.TrialEnd)

	_, err = NewTrial("tenant_1", "app_1", "pro", 0, t0)
	assert.True(t, IsValidation(err))

	_, err = NewTrial("", "app_1", "pro", 7, t0)
	assert.True(t, IsValidation(err))
}

func TestNewPaidAndConfirm(t *testing.T) {
	sub, err := NewPaid("tenant_1", "app_1", "pro", 2, IntervalMonth, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete, sub.Status)
	assert.Equal(t, int64(2), sub.Quantity)

	confirmed := t0.Add(time.Hour)
	require.NoError(t, ConfirmPayment(sub, IntervalMonth, confirmed))
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, confirmed, sub.CurrentPeriodStart)
	assert.Equal(t, confirmed.AddDate(0, 1, 0), sub.CurrentPeriodEnd)

	err = ConfirmPayment(sub, IntervalMonth, confirmed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = NewPaid("tenant_1", "app_1", "pro", 0, IntervalMonth, t0)
	assert.True(t, IsValidation(err))
	_, err = NewPaid("tenant_1", "app_1", "pro", 1, Interval("fortnight"), t0)
	assert.True(t, IsValidation(err))
}

func TestExternalSync_AppliesNewerPeriod(t *testing.T) {
	sub := activeSub(t0, t0.AddDate(0, 1, 0))
	next := ExternalState{
		Status:      "past_due",
		PlanID:      "pro",
		Quantity:    3,
		PeriodStart: t0.AddDate(0, 1, 0),
		PeriodEnd:   t0.AddDate(0, 2, 0),
	}

	res, err := ExternalSync(sub, next, t0.AddDate(0, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, SyncApplied, res)
	assert.Equal(t, StatusPastDue, sub.Status)
	assert.Equal(t, "pro", sub.PlanID)
	assert.Equal(t, int64(3), sub.Quantity)
	assert.Equal(t, next.PeriodEnd, sub.CurrentPeriodEnd)
}

func TestExternalSync_OutOfOrderFailureThenSuccess(t *testing.T) {
	periodN := ExternalState{Status: "active", PeriodStart: t0, PeriodEnd: t0.AddDate(0, 1, 0)}
	periodN1 := ExternalState{Status: "past_due", PeriodStart: t0.AddDate(0, 1, 0), PeriodEnd: t0.AddDate(0, 2, 0)}

	sub := activeSub(t0.AddDate(0, -1, 0), t0)

	res, err := ExternalSync(sub, periodN1, t0.AddDate(0, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, SyncApplied, res)

	res, err = ExternalSync(sub, periodN, t0.AddDate(0, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, SyncStale, res)

	assert.Equal(t, StatusPastDue, sub.Status)
	assert.Equal(t, periodN1.PeriodStart, sub.CurrentPeriodStart)
	assert.Equal(t, periodN1.PeriodEnd, sub.CurrentPeriodEnd)
}

func TestExternalSync_EqualPeriodEnd(t *testing.T) {
	end := t0.AddDate(0, 1, 0)

	t.Run("stale without event time", func(t *testing.T) {
		sub := activeSub(t0, end)
		res, err := ExternalSync(sub, ExternalState{Status: "past_due", PeriodStart: t0, PeriodEnd: end}, t0)
		require.NoError(t, err)
		assert.Equal(t, SyncStale, res)
		assert.Equal(t, StatusActive, sub.Status)
	})

	t.Run("newer event time wins", func(t *testing.T) {
		sub := activeSub(t0, end)
		last := t0.Add(time.Hour)
		sub.LastEventAt = &last
		sub.Status = StatusPastDue

		res, err := ExternalSync(sub, ExternalState{
			Status: "active", PeriodStart: t0, PeriodEnd: end, OccurredAt: last.Add(time.Minute),
		}, t0)
		require.NoError(t, err)
		assert.Equal(t, SyncApplied, res)
		assert.Equal(t, StatusActive, sub.Status)
		assert.Equal(t, last.Add(time.Minute), *sub.LastEventAt)
	})

	t.Run("older event time loses", func(t *testing.T) {
		sub := activeSub(t0, end)
		last := t0.Add(time.Hour)
		sub.LastEventAt = &last

		res, err := ExternalSync(sub, ExternalState{
			Status: "past_due", PeriodStart: t0, PeriodEnd: end, OccurredAt: last,
		}, t0)
		require.NoError(t, err)
		assert.Equal(t, SyncStale, res)
	})
}

func TestExternalSync_CancelAlwaysApplies(t *testing.T) {
	sub := activeSub(t0, t0.AddDate(0, 1, 0))
	sub.PendingPlanID = "basic_plus"

	res, err := ExternalSync(sub, ExternalState{Status: "canceled", PeriodEnd: t0}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SyncApplied, res)
	assert.Equal(t, StatusCanceled, sub.Status)
	assert.NotNil(t, sub.CanceledAt)
	assert.Empty(t, sub.PendingPlanID)

	_, err = ExternalSync(sub, ExternalState{Status: "active", PeriodEnd: t0.AddDate(0, 5, 0)}, t0)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestExternalSync_IncompleteAcceptsAnyPeriod(t *testing.T) {
	sub, err := NewPaid("tenant_1", "app_1", "pro", 1, IntervalMonth, t0)
	require.NoError(t, err)

	res, err := ExternalSync(sub, ExternalState{
		Status:      "active",
		PeriodStart: t0.Add(-time.Hour),
		PeriodEnd:   t0.AddDate(0, 1, 0).Add(-time.Hour),
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, SyncApplied, res)
	assert.Equal(t, StatusActive, sub.Status)
}

func TestExternalSync_CancelAtPeriodEndMapsToCanceledPending(t *testing.T) {
	sub := activeSub(t0, t0.AddDate(0, 1, 0))
	res, err := ExternalSync(sub, ExternalState{
		Status:            "active",
		CancelAtPeriodEnd: true,
		PeriodStart:       t0.AddDate(0, 1, 0),
		PeriodEnd:         t0.AddDate(0, 2, 0),
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, SyncApplied, res)
	assert.Equal(t, StatusCanceledPending, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
}

func TestExternalSync_RejectsBadPeriod(t *testing.T) {
	sub := activeSub(t0, t0.AddDate(0, 1, 0))

	_, err := ExternalSync(sub, ExternalState{Status: "active"}, t0)
	assert.True(t, IsValidation(err))

	_, err = ExternalSync(sub, ExternalState{Status: "active", PeriodStart: t0.AddDate(0, 3, 0), PeriodEnd: t0.AddDate(0, 2, 0)}, t0)
	assert.True(t, IsValidation(err))
}

func TestExternalSync_ProcessorStatusBypassesUserTransitions(t *testing.T) {
	tests := []struct {
		name   string
		from   Status
		ext    ExternalState
		want   Status
		cancel bool
	}{
		{"unpaid to canceled pending", StatusUnpaid, ExternalState{Status: "active", CancelAtPeriodEnd: true}, StatusCanceledPending, true},
		{"active to trialing", StatusActive, ExternalState{Status: "trialing"}, StatusTrialing, false},
		{"past due to trialing", StatusPastDue, ExternalState{Status: "trialing"}, StatusTrialing, false},
		{"trialing to incomplete", StatusTrialing, ExternalState{Status: "incomplete"}, StatusIncomplete, false},
		{"active to incomplete", StatusActive, ExternalState{Status: "incomplete"}, StatusIncomplete, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, CanTransition(tt.from, tt.want), "edge is not a user transition")

			sub := activeSub(t0, t0.AddDate(0, 1, 0))
			sub.Status = tt.from
			tt.ext.PeriodStart = t0.AddDate(0, 1, 0)
			tt.ext.PeriodEnd = t0.AddDate(0, 2, 0)

			res, err := ExternalSync(sub, tt.ext, t0.AddDate(0, 1, 1))
			require.NoError(t, err)
			assert.Equal(t, SyncApplied, res)
			assert.Equal(t, tt.want, sub.Status)
			assert.Equal(t, tt.cancel, sub.CancelAtPeriodEnd)
		})
	}
}

func TestExternalSync_KeepCancelAtPeriodEnd(t *testing.T) {
	end := t0.AddDate(0, 1, 0)
	last := t0.Add(time.Hour)

	sub := activeSub(t0, end)
	sub.Status = StatusCanceledPending
	sub.CancelAtPeriodEnd = true
	sub.LastEventAt = &last

	res, err := ExternalSync(sub, ExternalState{
		Status: "active", KeepCancelAtPeriodEnd: true,
		PeriodStart: t0, PeriodEnd: end, OccurredAt: last.Add(time.Minute),
	}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SyncApplied, res)
	assert.Equal(t, StatusCanceledPending, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)

	res, err = ExternalSync(sub, ExternalState{
		Status: "past_due", KeepCancelAtPeriodEnd: true,
		PeriodStart: t0, PeriodEnd: end, OccurredAt: last.Add(2 * time.Minute),
	}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SyncApplied, res)
	assert.Equal(t, StatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd, "flag survives a failed invoice")
}

func TestCancel(t *testing.T) {
	now := t0.AddDate(0, 0, 10)

	t.Run("deferred", func(t *testing.T) {
		sub := activeSub(t0, t0.AddDate(0, 1, 0))
		require.NoError(t, Cancel(sub, false, now))
		assert.Equal(t, StatusCanceledPending, sub.Status)
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Nil(t, sub.CanceledAt)

		require.NoError(t, Cancel(sub, false, now))
		assert.Equal(t, StatusCanceledPending, sub.Status)
	})

	t.Run("immediate", func(t *testing.T) {
		sub := activeSub(t0, t0.AddDate(0, 1, 0))
		require.NoError(t, Cancel(sub, true, now))
		assert.Equal(t, StatusCanceled, sub.Status)
		require.NotNil(t, sub.CanceledAt)
		assert.Equal(t, now, *sub.CanceledAt)

		assert.ErrorIs(t, Cancel(sub, true, now), ErrAlreadyEnded)
	})

	t.Run("deferred from past due is rejected", func(t *testing.T) {
		sub := activeSub(t0, t0.AddDate(0, 1, 0))
		sub.Status = StatusPastDue
		assert.ErrorIs(t, Cancel(sub, false, now), ErrInvalidTransition)
	})
}

func TestReactivate(t *testing.T) {
	end := t0.AddDate(0, 1, 0)

	t.Run("before period end", func(t *testing.T) {
		sub := activeSub(t0, end)
		require.NoError(t, Cancel(sub, false, t0))
		require.NoError(t, Reactivate(sub, end.Add(-time.Minute)))
		assert.Equal(t, StatusActive, sub.Status)
		assert.False(t, sub.CancelAtPeriodEnd)
	})

	t.Run("at period end", func(t *testing.T) {
		sub := activeSub(t0, end)
		require.NoError(t, Cancel(sub, false, t0))
		assert.ErrorIs(t, Reactivate(sub, end), ErrAlreadyEnded)
	})

	t.Run("canceled", func(t *testing.T) {
		sub := activeSub(t0, end)
		require.NoError(t, Cancel(sub, true, t0))
		err := Reactivate(sub, t0)
		assert.ErrorIs(t, err, ErrAlreadyEnded)
		assert.True(t, IsConflict(err))
	})

	t.Run("running trial", func(t *testing.T) {
		sub, err := NewTrial("tenant_1", "app_1", "pro", 14, t0)
		require.NoError(t, err)
		require.NoError(t, Cancel(sub, false, t0))
		require.NoError(t, Reactivate(sub, t0.AddDate(0, 0, 1)))
		assert.Equal(t, StatusTrialing, sub.Status)
	})
}

func TestChangePlan(t *testing.T) {
	now := t0.AddDate(0, 0, 15)

	t.Run("immediate keeps period", func(t *testing.T) {
		sub := activeSub(t0, t0.AddDate(0, 1, 0))
		require.NoError(t, ChangePlan(sub, "pro", 1, IntervalMonth, EffectiveImmediate, now))
		assert.Equal(t, "pro", sub.PlanID)
		assert.Equal(t, t0, sub.CurrentPeriodStart)
		assert.Empty(t, sub.PendingPlanID)
	})

	t.Run("period end is pending", func(t *testing.T) {
		sub := activeSub(t0, t0.AddDate(0, 1, 0))
		require.NoError(t, ChangePlan(sub, "free", 1, IntervalMonth, EffectivePeriodEnd, now))
		assert.Equal(t, "basic", sub.PlanID)
		assert.Equal(t, "free", sub.PendingPlanID)
	})

	t.Run("trial converts on immediate change", func(t *testing.T) {
		sub, err := NewTrial("tenant_1", "app_1", "basic", 14, t0)
		require.NoError(t, err)
		require.NoError(t, ChangePlan(sub, "pro", 1, IntervalMonth, EffectiveImmediate, now))
		assert.Equal(t, StatusActive, sub.Status)
		assert.Nil(t, sub.TrialEnd)
		assert.Equal(t, now, sub.CurrentPeriodStart)
		assert.Equal(t, now.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	})

	t.Run("same plan", func(t *testing.T) {
		sub := activeSub(t0, t0.AddDate(0, 1, 0))
		assert.True(t, IsValidation(ChangePlan(sub, "basic", 1, IntervalMonth, EffectiveImmediate, now)))
	})

	t.Run("past due rejected", func(t *testing.T) {
		sub := activeSub(t0, t0.AddDate(0, 1, 0))
		sub.Status = StatusPastDue
		assert.True(t, IsConflict(ChangePlan(sub, "pro", 1, IntervalMonth, EffectiveImmediate, now)))
	})
}

func TestRollover(t *testing.T) {
	end := t0.AddDate(0, 1, 0)

	t.Run("before period end", func(t *testing.T) {
		sub := activeSub(t0, end)
		sub.ExternalRef = ""
		action, err := Rollover(sub, IntervalMonth, end.Add(-time.Second))
		require.NoError(t, err)
		assert.Equal(t, RolloverNone, action)
	})

	t.Run("renews and applies pending plan", func(t *testing.T) {
		sub := activeSub(t0, end)
		sub.ExternalRef = ""
		sub.PendingPlanID = "free"
		sub.PendingQuantity = 2

		action, err := Rollover(sub, IntervalMonth, end.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, RolloverRenewed, action)
		assert.Equal(t, "free", sub.PlanID)
		assert.Equal(t, int64(2), sub.Quantity)
		assert.Empty(t, sub.PendingPlanID)
		assert.Equal(t, end, sub.CurrentPeriodStart)
		assert.Equal(t, end.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	})

	t.Run("finalizes deferred cancel", func(t *testing.T) {
		sub := activeSub(t0, end)
		sub.ExternalRef = ""
		require.NoError(t, Cancel(sub, false, t0))
		action, err := Rollover(sub, IntervalMonth, end)
		require.NoError(t, err)
		assert.Equal(t, RolloverCanceled, action)
		assert.Equal(t, StatusCanceled, sub.Status)
	})

	t.Run("expires trial", func(t *testing.T) {
		sub, err := NewTrial("tenant_1", "app_1", "basic", 7, t0)
		require.NoError(t, err)
		action, err := Rollover(sub, IntervalMonth, t0.AddDate(0, 0, 8))
		require.NoError(t, err)
		assert.Equal(t, RolloverCanceled, action)
	})

	t.Run("expires incomplete", func(t *testing.T) {
		sub, err := NewPaid("tenant_1", "app_1", "basic", 1, IntervalMonth, t0)
		require.NoError(t, err)
		action, err := Rollover(sub, IntervalMonth, t0.AddDate(0, 2, 0))
		require.NoError(t, err)
		assert.Equal(t, RolloverExpired, action)
		assert.Equal(t, StatusIncompleteExpired, sub.Status)
	})

	t.Run("processor managed is skipped", func(t *testing.T) {
		sub := activeSub(t0, end)
		action, err := Rollover(sub, IntervalMonth, end.AddDate(0, 1, 0))
		require.NoError(t, err)
		assert.Equal(t, RolloverNone, action)
	})
}
