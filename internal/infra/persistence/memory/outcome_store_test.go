package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/publora/publora/internal/domain/schema"
)

func TestOutcomeStoreUpsertReplacesRecord(t *testing.T) {
	ctx := context.Background()
	store := NewOutcomeStore()
	at := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, schema.TargetOutcome{
		PostID:        "post-1",
		TargetID:      "t1",
		Destination:   "twitter",
		Status:        schema.OutcomeExecuting,
		LastAttemptAt: at,
	}))
	require.NoError(t, store.Upsert(ctx, schema.TargetOutcome{
		PostID:        "post-1",
		TargetID:      "t1",
		Destination:   "twitter",
		Status:        schema.OutcomeDone,
		LastAttemptAt: at.Add(time.Second),
	}))

	got, err := store.Get(ctx, "post-1", "t1")
	require.NoError(t, err)
	require.Equal(t, schema.OutcomeDone, got.Status)
}

func TestOutcomeStoreListByPostSorted(t *testing.T) {
	ctx := context.Background()
	store := NewOutcomeStore()
	for _, id := range []string{"t3", "t1", "t2"} {
		require.NoError(t, store.Upsert(ctx, schema.TargetOutcome{
			PostID:   "post-1",
			TargetID: id,
			Status:   schema.OutcomePending,
		}))
	}

	list, err := store.ListByPost(ctx, "post-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "t1", list[0].TargetID)
	require.Equal(t, "t3", list[2].TargetID)

	empty, err := store.ListByPost(ctx, "post-missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestOutcomeStoreGetMissing(t *testing.T) {
	store := NewOutcomeStore()
	_, err := store.Get(context.Background(), "post-1", "t1")
	require.Error(t, err)
}

func TestOutcomeStoreRejectsEmptyKeys(t *testing.T) {
	store := NewOutcomeStore()
	err := store.Upsert(context.Background(), schema.TargetOutcome{TargetID: "t1"})
	require.Error(t, err)
}
