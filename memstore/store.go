// Package memstore provides an in-memory ScheduleStore.
//
// It is intended for tests and examples: it implements the full store
// contract, including the atomic status transition guard, but nothing
// survives a process restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealerkit/scheduler"
)

// Store is an in-memory implementation of scheduler.ScheduleStore.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*scheduler.ScheduledJob
	history []scheduler.HistoryEntry
}

// New creates an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]*scheduler.ScheduledJob)}
}

func (s *Store) Insert(_ context.Context, job *scheduler.ScheduledJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := job.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = scheduler.StatusPending
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.jobs[c.ID] = c
	return c.ID, nil
}

func (s *Store) Get(_ context.Context, id string) (*scheduler.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, scheduler.NotFoundf("job %s does not exist", id)
	}
	return job.Clone(), nil
}

func (s *Store) ListAll(_ context.Context) ([]*scheduler.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(*scheduler.ScheduledJob) bool { return true }), nil
}

func (s *Store) ListDue(_ context.Context, before time.Time) ([]*scheduler.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(j *scheduler.ScheduledJob) bool {
		return j.Status == scheduler.StatusPending && !j.NextRunAt.After(before)
	}), nil
}

func (s *Store) NextPending(_ context.Context) (*scheduler.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.collect(func(j *scheduler.ScheduledJob) bool {
		return j.Status == scheduler.StatusPending
	})
	if len(pending) == 0 {
		return nil, nil
	}
	return pending[0], nil
}

// collect returns clones of matching jobs ordered by NextRunAt ascending.
// Callers must hold s.mu.
func (s *Store) collect(match func(*scheduler.ScheduledJob) bool) []*scheduler.ScheduledJob {
	var out []*scheduler.ScheduledJob
	for _, job := range s.jobs {
		if match(job) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].NextRunAt.Equal(out[k].NextRunAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].NextRunAt.Before(out[k].NextRunAt)
	})
	return out
}

func (s *Store) Transition(_ context.Context, id string, from, to scheduler.Status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != from {
		return scheduler.NotFoundf("job %s is not in status %s", id, from)
	}
	job.Status = to
	job.ErrorMessage = errorMessage
	job.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SweepStale(_ context.Context, olderThan time.Time, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for _, job := range s.jobs {
		if job.Status == scheduler.StatusRunning && !job.UpdatedAt.After(olderThan) {
			job.Status = scheduler.StatusFailed
			job.ErrorMessage = message
			job.UpdatedAt = time.Now()
			swept++
		}
	}
	return swept, nil
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.Transition(ctx, id, scheduler.StatusPending, scheduler.StatusCancelled, "")
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return scheduler.NotFoundf("job %s does not exist", id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *Store) CountByStatus(_ context.Context) (map[scheduler.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[scheduler.Status]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (s *Store) RecordRun(_ context.Context, entry scheduler.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

func (s *Store) History(_ context.Context, jobID string, limit int) ([]scheduler.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []scheduler.HistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if jobID != "" && s.history[i].JobID != jobID {
			continue
		}
		out = append(out, s.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

var _ scheduler.ScheduleStore = (*Store)(nil)
