package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Multiple scheduler instances sharing one store must never execute the same
// job twice: the pending-to-running transition is the only claim, and exactly
// one instance can win it.
func TestConcurrentSchedulersExecuteEachJobOnce(t *testing.T) {
	const (
		instances = 4
		jobCount  = 50
	)

	store := newMockStore()

	var mu sync.Mutex
	executions := make(map[string]int)
	agent := AgentFunc(func(_ context.Context, req PostRequest) error {
		mu.Lock()
		executions[req.ListingRef]++
		mu.Unlock()
		return nil
	})

	ids := make([]string, 0, jobCount)
	for i := 0; i < jobCount; i++ {
		ids = append(ids, store.addJob(dueJob(fmt.Sprintf("listing-%03d", i), -time.Minute)))
	}

	// All instances poll the same store at a tight interval.
	scheds := make([]*Scheduler, 0, instances)
	for i := 0; i < instances; i++ {
		sched, err := New(Config{
			Store:        store,
			Agent:        agent,
			PollInterval: 5 * time.Millisecond,
			DueBuffer:    time.Second,
		})
		require.NoError(t, err)
		require.NoError(t, sched.Start(context.Background()))
		scheds = append(scheds, sched)
	}

	require.Eventually(t, func() bool {
		counts, err := store.CountByStatus(context.Background())
		return err == nil && counts[StatusPending] == 0 && counts[StatusRunning] == 0
	}, 5*time.Second, 10*time.Millisecond)

	for _, sched := range scheds {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		assert.NoError(t, sched.Stop(ctx))
		cancel()
	}

	for _, id := range ids {
		job := store.get(id)
		require.NotNil(t, job)
		assert.Equal(t, StatusCompleted, job.Status, "job %s", id)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, executions, jobCount)
	for listing, n := range executions {
		assert.Equal(t, 1, n, "listing %s executed %d times", listing, n)
	}
}

// Concurrent direct claims on one job: exactly one caller wins the
// pending-to-running transition, every loser gets not-found.
func TestTransitionClaimIsExclusive(t *testing.T) {
	store := newMockStore()
	id := store.addJob(dueJob("listing-contested", -time.Minute))

	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Transition(context.Background(), id, StatusPending, StatusRunning, "")
			if err == nil {
				wins <- struct{}{}
				return
			}
			assert.True(t, IsNotFound(err))
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1)
	assert.Equal(t, StatusRunning, store.get(id).Status)
}
