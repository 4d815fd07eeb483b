package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/app/registry"
	"github.com/publora/publora/internal/infra/config"
	"github.com/publora/publora/internal/infra/counter"
)

func newTestController(t *testing.T, dests map[string]config.DestinationConfig, opts ...Option) (*Controller, *counter.MemoryStore) {
	t.Helper()
	reg, err := registry.New(dests)
	require.NoError(t, err)
	window, err := NewWindow("UTC")
	require.NoError(t, err)
	store := counter.NewMemoryStore()
	return NewController(reg, store, window, opts...), store
}

func TestReserveWithinDailyLimit(t *testing.T) {
	ctrl, store := newTestController(t, map[string]config.DestinationConfig{
		"pinterest": {DailyLimit: 15},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := ctrl.Reserve(ctx, "pinterest", "acct-1", 1)
		require.NoError(t, err)
		require.True(t, decision.Granted)
	}

	dayKey := ctrl.window.DayKey(ctrl.now())
	used, err := store.Get(ctx, accountKey("pinterest", dayKey, "acct-1"))
	require.NoError(t, err)
	require.Equal(t, int64(2), used)
}

func TestReserveDeniesBeyondAccountLimit(t *testing.T) {
	ctrl, _ := newTestController(t, map[string]config.DestinationConfig{
		"tiktok": {DailyLimit: 3},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := ctrl.Reserve(ctx, "tiktok", "acct-1", 1)
		require.NoError(t, err)
		require.True(t, decision.Granted)
	}

	decision, err := ctrl.Reserve(ctx, "tiktok", "acct-1", 1)
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, errs.ReasonQuotaExceeded, decision.Reason)
	require.Greater(t, decision.RetryAfter, time.Duration(0))

	// A different account still has budget.
	decision, err = ctrl.Reserve(ctx, "tiktok", "acct-2", 1)
	require.NoError(t, err)
	require.True(t, decision.Granted)
}

func TestReserveCostWeightedAppBudget(t *testing.T) {
	ctrl, store := newTestController(t, map[string]config.DestinationConfig{
		"youtube": {AppDailyLimit: 10000, CostPerUnit: 1600},
	})
	ctx := context.Background()

	// 6 reservations consume 9600 units.
	for i := 0; i < 6; i++ {
		decision, err := ctrl.Reserve(ctx, "youtube", "acct-1", 1)
		require.NoError(t, err)
		require.True(t, decision.Granted, "reservation %d", i+1)
	}

	// The 7th would reach 11200 and must be denied with quota_exceeded.
	decision, err := ctrl.Reserve(ctx, "youtube", "acct-1", 1)
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, errs.ReasonQuotaExceeded, decision.Reason)

	dayKey := ctrl.window.DayKey(ctrl.now())
	used, err := store.Get(ctx, appKey("youtube", dayKey))
	require.NoError(t, err)
	require.Equal(t, int64(9600), used, "denied reservation must not consume units")
}

func TestReserveCompensatesAccountWhenAppDenies(t *testing.T) {
	ctrl, store := newTestController(t, map[string]config.DestinationConfig{
		"linkedin": {DailyLimit: 100, AppDailyLimit: 2},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := ctrl.Reserve(ctx, "linkedin", "acct-1", 1)
		require.NoError(t, err)
		require.True(t, decision.Granted)
	}

	decision, err := ctrl.Reserve(ctx, "linkedin", "acct-1", 1)
	require.NoError(t, err)
	require.False(t, decision.Granted)

	dayKey := ctrl.window.DayKey(ctrl.now())
	accountUsed, err := store.Get(ctx, accountKey("linkedin", dayKey, "acct-1"))
	require.NoError(t, err)
	require.Equal(t, int64(2), accountUsed, "account counter is handed back on app denial")
}

func TestReleaseCompensatesBothCounters(t *testing.T) {
	ctrl, _ := newTestController(t, map[string]config.DestinationConfig{
		"youtube": {DailyLimit: 10, AppDailyLimit: 10000, CostPerUnit: 1600},
	})
	ctx := context.Background()

	decision, err := ctrl.Reserve(ctx, "youtube", "acct-1", 1)
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.NotEmpty(t, decision.WindowKey)

	require.NoError(t, ctrl.Release(ctx, "youtube", "acct-1", 1, decision.WindowKey))

	snapshot, err := ctrl.Snapshot(ctx, "youtube", "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), snapshot.AccountUsed)
	require.Equal(t, int64(0), snapshot.AppUnitsUsed)
	require.Equal(t, int64(6), snapshot.AppPublishesRemaining)
}

func TestReleaseCompensatesChargedWindowAfterRollover(t *testing.T) {
	current := time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC)
	ctrl, store := newTestController(t, map[string]config.DestinationConfig{
		"pinterest": {DailyLimit: 10},
	}, WithClock(func() time.Time { return current }))
	store.SetClock(func() time.Time { return current })
	ctx := context.Background()

	decision, err := ctrl.Reserve(ctx, "pinterest", "acct-1", 1)
	require.NoError(t, err)
	require.True(t, decision.Granted)
	chargedKey := decision.WindowKey

	// The window rolls over between the reservation and its release, and the
	// new window accrues its own charge.
	current = current.Add(2 * time.Minute)
	fresh, err := ctrl.Reserve(ctx, "pinterest", "acct-1", 1)
	require.NoError(t, err)
	require.True(t, fresh.Granted)
	require.NotEqual(t, chargedKey, fresh.WindowKey)

	require.NoError(t, ctrl.Release(ctx, "pinterest", "acct-1", 1, decision.WindowKey))

	// Releasing the pre-midnight reservation must not debit the new window.
	used, err := store.Get(ctx, accountKey("pinterest", fresh.WindowKey, "acct-1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), used)
}

func TestReserveWindowRollsOverAtReferenceMidnight(t *testing.T) {
	current := time.Date(2026, 8, 31, 23, 30, 0, 0, time.UTC)
	ctrl, store := newTestController(t, map[string]config.DestinationConfig{
		"pinterest": {DailyLimit: 1},
	}, WithClock(func() time.Time { return current }))
	store.SetClock(func() time.Time { return current })
	ctx := context.Background()

	decision, err := ctrl.Reserve(ctx, "pinterest", "acct-1", 1)
	require.NoError(t, err)
	require.True(t, decision.Granted)

	decision, err = ctrl.Reserve(ctx, "pinterest", "acct-1", 1)
	require.NoError(t, err)
	require.False(t, decision.Granted)

	// Midnight passes in the reference timezone; a fresh window opens.
	current = current.Add(time.Hour)

	decision, err = ctrl.Reserve(ctx, "pinterest", "acct-1", 1)
	require.NoError(t, err)
	require.True(t, decision.Granted)
}

func TestReserveThrottlesOnRPSCeiling(t *testing.T) {
	ctrl, _ := newTestController(t, map[string]config.DestinationConfig{
		"bluesky": {DailyLimit: 1000, AppRPS: 1},
	}, WithThrottleWait(10*time.Millisecond))
	ctx := context.Background()

	decision, err := ctrl.Reserve(ctx, "bluesky", "acct-1", 1)
	require.NoError(t, err)
	require.True(t, decision.Granted)

	// The bucket is drained; the immediate follow-up cannot wait long enough.
	decision, err = ctrl.Reserve(ctx, "bluesky", "acct-1", 1)
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, errs.ReasonThrottled, decision.Reason)
	require.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestReserveUnknownDestination(t *testing.T) {
	ctrl, _ := newTestController(t, map[string]config.DestinationConfig{
		"pinterest": {DailyLimit: 15},
	})

	_, err := ctrl.Reserve(context.Background(), "myspace", "acct-1", 1)
	require.Error(t, err)
}

func TestWindowKeys(t *testing.T) {
	window, err := NewWindow("America/New_York")
	require.NoError(t, err)

	// 03:30 UTC on Sep 1 is still Aug 31 in the reference zone.
	at := time.Date(2026, 9, 1, 3, 30, 0, 0, time.UTC)
	require.Equal(t, "d:2026-08-31", window.DayKey(at))
	require.Equal(t, "h:2026-08-31T23", window.HourKey(at))
	require.Equal(t, 30*time.Minute, window.UntilDayEnd(at))
}
