package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	store := newMockStore()
	agent := &recordingAgent{}
	sched := newTestScheduler(t, store, agent)

	t.Run("before any cycle", func(t *testing.T) {
		st := sched.Status(context.Background())
		assert.False(t, st.Running)
		assert.True(t, st.LastCycleAt.IsZero())
		assert.Zero(t, st.Cycles)
		assert.Nil(t, st.NextDue)
	})

	t.Run("after a cycle", func(t *testing.T) {
		id := store.addJob(dueJob("listing-next", time.Hour))

		sched.cycle(context.Background())

		st := sched.Status(context.Background())
		assert.False(t, st.LastCycleAt.IsZero())
		assert.EqualValues(t, 1, st.Cycles)
		require.NotNil(t, st.NextDue)
		assert.Equal(t, id, st.NextDue.ID)
	})
}

func TestRunDiagnostic(t *testing.T) {
	t.Run("healthy store", func(t *testing.T) {
		store := newMockStore()
		sched := newTestScheduler(t, store, &recordingAgent{})

		due := store.addJob(dueJob("listing-due", -500*time.Millisecond))
		future := store.addJob(dueJob("listing-future", time.Hour))

		report := sched.RunDiagnostic(context.Background())

		assert.True(t, report.StoreReachable)
		assert.Empty(t, report.StoreError)
		assert.Equal(t, 2, report.Counts[StatusPending])
		require.Len(t, report.Jobs, 2)

		dueFlags := map[string]bool{}
		for _, jd := range report.Jobs {
			dueFlags[jd.Job.ID] = jd.Due
		}
		assert.True(t, dueFlags[due])
		assert.False(t, dueFlags[future])
	})

	t.Run("warns on overdue pending jobs", func(t *testing.T) {
		store := newMockStore()
		sched := newTestScheduler(t, store, &recordingAgent{})

		// Overdue far beyond one poll interval plus the lookahead buffer.
		store.addJob(dueJob("listing-forgotten", -time.Hour))

		report := sched.RunDiagnostic(context.Background())

		require.Len(t, report.Warnings, 1)
		assert.Contains(t, report.Warnings[0], "overdue")
	})

	t.Run("warns on future created_at", func(t *testing.T) {
		store := newMockStore()
		sched := newTestScheduler(t, store, &recordingAgent{})

		skewed := dueJob("listing-skewed", time.Minute)
		skewed.CreatedAt = time.Now().Add(2 * time.Hour)
		store.addJob(skewed)

		report := sched.RunDiagnostic(context.Background())

		require.Len(t, report.Warnings, 1)
		assert.Contains(t, report.Warnings[0], "clock")
	})

	t.Run("unreachable store", func(t *testing.T) {
		store := newMockStore()
		store.pingErr = errors.New("no route to host")
		sched := newTestScheduler(t, store, &recordingAgent{})

		report := sched.RunDiagnostic(context.Background())

		assert.False(t, report.StoreReachable)
		assert.Contains(t, report.StoreError, "no route to host")
		assert.Empty(t, report.Jobs)
	})
}
