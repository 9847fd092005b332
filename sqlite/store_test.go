package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerkit/scheduler"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "schedules.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testJob(listing string, at time.Time) *scheduler.ScheduledJob {
	return &scheduler.ScheduledJob{
		ListingRef:         listing,
		ProfileRef:         "profile-1",
		ProfileDisplayName: "Main Lot",
		ProfileFolderPath:  "/profiles/main-lot",
		Location:           "Austin, TX",
		ScheduledAt:        at,
		NextRunAt:          at,
		Recurrence:         scheduler.RecurrenceNone,
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	store := newTestStore(t)

	// Both tables exist and are usable right after Open.
	_, err := store.Insert(context.Background(), testJob("listing-1", time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.RecordRun(context.Background(), scheduler.HistoryEntry{
		JobID:     "job-1",
		Status:    scheduler.StatusCompleted,
		StartedAt: time.Now(),
	}))
	require.NoError(t, store.Ping(context.Background()))
}

func TestRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at := time.Now().Truncate(time.Second).Add(time.Hour)
	job := testJob("listing-roundtrip", at)
	job.Recurrence = scheduler.RecurrenceWeekly

	id, err := store.Insert(ctx, job)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "listing-roundtrip", got.ListingRef)
	assert.Equal(t, "Main Lot", got.ProfileDisplayName)
	assert.Equal(t, scheduler.RecurrenceWeekly, got.Recurrence)
	assert.Equal(t, scheduler.StatusPending, got.Status)
	assert.True(t, got.NextRunAt.Equal(at))
	assert.False(t, got.CreatedAt.IsZero())

	_, err = store.Get(ctx, "missing")
	assert.True(t, scheduler.IsNotFound(err))
}

func TestInsertValidates(t *testing.T) {
	store := newTestStore(t)

	job := testJob("listing-1", time.Now())
	job.ProfileRef = ""
	_, err := store.Insert(context.Background(), job)
	require.Error(t, err)
	assert.True(t, scheduler.IsValidation(err))
}

func TestListDueOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	_, err := store.Insert(ctx, testJob("listing-later", now.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = store.Insert(ctx, testJob("listing-sooner", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = store.Insert(ctx, testJob("listing-future", now.Add(time.Hour)))
	require.NoError(t, err)

	due, err := store.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "listing-sooner", due[0].ListingRef)
	assert.Equal(t, "listing-later", due[1].ListingRef)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	next, err := store.NextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "listing-sooner", next.ListingRef)
}

func TestNextPendingEmpty(t *testing.T) {
	store := newTestStore(t)

	next, err := store.NextPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, testJob("listing-1", time.Now()))
	require.NoError(t, err)

	require.NoError(t, store.Transition(ctx, id, scheduler.StatusPending, scheduler.StatusRunning, ""))
	require.NoError(t, store.Transition(ctx, id, scheduler.StatusRunning, scheduler.StatusFailed, "login expired"))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusFailed, got.Status)
	assert.Equal(t, "login expired", got.ErrorMessage)

	// Wrong from-status and unknown id both report not found.
	err = store.Transition(ctx, id, scheduler.StatusPending, scheduler.StatusRunning, "")
	assert.True(t, scheduler.IsNotFound(err))
	err = store.Transition(ctx, "missing", scheduler.StatusPending, scheduler.StatusRunning, "")
	assert.True(t, scheduler.IsNotFound(err))
}

func TestTransitionRaceGuard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, testJob("listing-contested", time.Now()))
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Transition(ctx, id, scheduler.StatusPending, scheduler.StatusRunning, "")
			if err == nil {
				wins <- struct{}{}
				return
			}
			assert.True(t, scheduler.IsNotFound(err))
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1)
}

func TestSweepStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale, err := store.Insert(ctx, testJob("listing-stale", time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, stale, scheduler.StatusPending, scheduler.StatusRunning, ""))

	pending, err := store.Insert(ctx, testJob("listing-pending", time.Now()))
	require.NoError(t, err)

	swept, err := store.SweepStale(ctx, time.Now().Add(time.Minute), "interrupted")
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := store.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusFailed, got.Status)
	assert.Equal(t, "interrupted", got.ErrorMessage)

	got, err = store.Get(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusPending, got.Status)

	// A healthy running job ahead of the cutoff is untouched.
	swept, err = store.SweepStale(ctx, time.Now().Add(-time.Hour), "interrupted")
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestCancelAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, testJob("listing-1", time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, id))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCancelled, got.Status)

	err = store.Cancel(ctx, id)
	assert.True(t, scheduler.IsNotFound(err))

	require.NoError(t, store.Delete(ctx, id))
	err = store.Delete(ctx, id)
	assert.True(t, scheduler.IsNotFound(err))
}

func TestCountByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.Insert(ctx, testJob("listing-a", time.Now()))
	require.NoError(t, err)
	_, err = store.Insert(ctx, testJob("listing-b", time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, a, scheduler.StatusPending, scheduler.StatusRunning, ""))
	require.NoError(t, store.Transition(ctx, a, scheduler.StatusRunning, scheduler.StatusCompleted, ""))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[scheduler.StatusPending])
	assert.Equal(t, 1, counts[scheduler.StatusCompleted])
}

func TestHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	for i, entry := range []scheduler.HistoryEntry{
		{JobID: "job-1", ListingRef: "listing-1", Status: scheduler.StatusCompleted},
		{JobID: "job-1", ListingRef: "listing-1", Status: scheduler.StatusFailed, ErrorMessage: "captcha"},
		{JobID: "job-2", ListingRef: "listing-2", Status: scheduler.StatusCompleted},
	} {
		entry.StartedAt = base.Add(time.Duration(i) * time.Minute)
		entry.Duration = 45 * time.Second
		require.NoError(t, store.RecordRun(ctx, entry))
	}

	// Newest first, filtered by job.
	entries, err := store.History(ctx, "job-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, scheduler.StatusFailed, entries[0].Status)
	assert.Equal(t, "captcha", entries[0].ErrorMessage)
	assert.Equal(t, 45*time.Second, entries[0].Duration)

	entries, err = store.History(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "listing-2", entries[0].ListingRef)
}
