package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/publora/publora/internal/domain/schema"
)

func testJob(id, dest string, at time.Time) schema.PublishJob {
	return schema.PublishJob{
		ID:          id,
		PostID:      "post-1",
		TargetID:    "target-" + id,
		Destination: dest,
		AccountID:   "acct-1",
		ScheduledAt: at,
		MaxAttempts: 5,
		State:       schema.JobStateQueued,
	}
}

func TestJobStoreDequeueDueClaimsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Enqueue(ctx, testJob("b", "twitter", base.Add(-time.Minute))))
	require.NoError(t, store.Enqueue(ctx, testJob("a", "twitter", base.Add(-2*time.Minute))))
	require.NoError(t, store.Enqueue(ctx, testJob("c", "twitter", base.Add(time.Hour))))
	require.NoError(t, store.Enqueue(ctx, testJob("d", "linkedin", base.Add(-time.Minute))))

	claimed, err := store.DequeueDue(ctx, "twitter", base, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "a", claimed[0].ID)
	require.Equal(t, "b", claimed[1].ID)
	require.Equal(t, schema.JobStateReserved, claimed[0].State)

	// Claimed jobs are invisible to a second dequeue.
	again, err := store.DequeueDue(ctx, "twitter", base, 10)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestJobStoreDequeueDueHonoursLimit(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Enqueue(ctx, testJob(id, "bluesky", base.Add(-time.Minute))))
	}

	claimed, err := store.DequeueDue(ctx, "bluesky", base, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
}

func TestJobStoreRequeueIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Enqueue(ctx, testJob("a", "twitter", base)))

	claimed, err := store.DequeueDue(ctx, "twitter", base, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	runAt := base.Add(30 * time.Second)
	require.NoError(t, store.Requeue(ctx, "a", runAt, "rate_limited"))

	job, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, schema.JobStateQueued, job.State)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, runAt, job.ScheduledAt)
	require.Equal(t, "rate_limited", job.LastError)

	// Not due again until runAt passes.
	none, err := store.DequeueDue(ctx, "twitter", base, 1)
	require.NoError(t, err)
	require.Empty(t, none)

	due, err := store.DequeueDue(ctx, "twitter", runAt, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestJobStoreReleaseKeepsAttempt(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Enqueue(ctx, testJob("a", "twitter", base)))

	claimed, err := store.DequeueDue(ctx, "twitter", base, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	runAt := base.Add(5 * time.Second)
	require.NoError(t, store.Release(ctx, "a", runAt))

	job, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, schema.JobStateQueued, job.State)
	require.Zero(t, job.Attempt)
	require.Equal(t, runAt, job.ScheduledAt)

	// A queued job holds no claim to release.
	require.Error(t, store.Release(ctx, "a", runAt))
}

func TestJobStoreRequeueStaleRecoversOrphanedClaims(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	require.NoError(t, store.Enqueue(ctx, testJob("a", "twitter", base)))
	require.NoError(t, store.Enqueue(ctx, testJob("b", "twitter", base)))

	claimed, err := store.DequeueDue(ctx, "twitter", base, 1)
	require.NoError(t, err)
	require.Equal(t, "a", claimed[0].ID)

	// A second claim lands well after the first.
	store.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
	claimed, err = store.DequeueDue(ctx, "twitter", base.Add(10*time.Minute), 1)
	require.NoError(t, err)
	require.Equal(t, "b", claimed[0].ID)

	recovered, err := store.RequeueStale(ctx, "twitter", base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	job, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, schema.JobStateQueued, job.State)
	require.Zero(t, job.Attempt)

	held, err := store.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, schema.JobStateReserved, held.State, "claims inside the horizon stay held")
}

func TestJobStoreCompleteRequiresTerminalState(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	require.NoError(t, store.Enqueue(ctx, testJob("a", "twitter", time.Now())))

	require.Error(t, store.Complete(ctx, "a", schema.JobStateExecuting, ""))
	require.NoError(t, store.Complete(ctx, "a", schema.JobStateSucceeded, ""))

	// Terminal jobs cannot transition again.
	require.Error(t, store.Complete(ctx, "a", schema.JobStateFailed, "late"))
	require.Error(t, store.Requeue(ctx, "a", time.Now(), ""))
}

func TestJobStoreCancelOnlyQueued(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Enqueue(ctx, testJob("queued", "twitter", base)))
	require.NoError(t, store.Enqueue(ctx, testJob("claimed", "twitter", base.Add(-time.Minute))))

	claimed, err := store.DequeueDue(ctx, "twitter", base.Add(-time.Second), 1)
	require.NoError(t, err)
	require.Equal(t, "claimed", claimed[0].ID)

	job, ok, err := store.Cancel(ctx, "queued")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.JobStateCancelled, job.State)

	_, ok, err = store.Cancel(ctx, "claimed")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJobStoreCancelPost(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Enqueue(ctx, testJob("a", "twitter", base)))
	require.NoError(t, store.Enqueue(ctx, testJob("b", "linkedin", base)))

	other := testJob("z", "twitter", base)
	other.PostID = "post-2"
	require.NoError(t, store.Enqueue(ctx, other))

	cancelled, err := store.CancelPost(ctx, "post-1")
	require.NoError(t, err)
	require.Len(t, cancelled, 2)

	untouched, err := store.Get(ctx, "z")
	require.NoError(t, err)
	require.Equal(t, schema.JobStateQueued, untouched.State)
}

func TestJobStoreArchiveTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	require.NoError(t, store.Enqueue(ctx, testJob("done", "twitter", base)))
	require.NoError(t, store.Enqueue(ctx, testJob("live", "twitter", base)))
	require.NoError(t, store.Complete(ctx, "done", schema.JobStateSucceeded, ""))

	removed, err := store.ArchiveTerminal(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = store.Get(ctx, "done")
	require.Error(t, err)
	_, err = store.Get(ctx, "live")
	require.NoError(t, err)
}
