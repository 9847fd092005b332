package scheduler

import (
	"context"
	"time"
)

// ScheduleStore is the durable record of scheduled jobs and their status.
// Any database can implement this interface to work with the scheduler.
//
// The scheduler holds no in-process cache: every poll cycle re-reads from
// the store so that external edits (for example a manual cancellation from
// the dashboard while the loop is mid-cycle) are always observed.
//
// Implementations must ensure thread-safety. Transition in particular is the
// sole concurrency guard against a second scheduler instance racing on the
// same job and MUST be a single atomic conditional update at the store level,
// never a read-then-write pair.
type ScheduleStore interface {
	// Insert persists a new job and returns its assigned id. The job's ID
	// field may be empty, in which case the store generates one.
	Insert(ctx context.Context, job *ScheduledJob) (string, error)

	// Get returns the job with the given id, or an ErrNotFound-class error.
	Get(ctx context.Context, id string) (*ScheduledJob, error)

	// ListAll returns every job, ordered by NextRunAt ascending.
	ListAll(ctx context.Context) ([]*ScheduledJob, error)

	// ListDue returns jobs with status pending and NextRunAt <= before,
	// ordered by NextRunAt ascending (earliest-due first, for fair ordering
	// under backlog).
	ListDue(ctx context.Context, before time.Time) ([]*ScheduledJob, error)

	// NextPending returns the pending job with the earliest NextRunAt, or
	// nil if there is none.
	NextPending(ctx context.Context) (*ScheduledJob, error)

	// Transition atomically moves a job from one status to another,
	// recording errorMessage (empty clears any prior message). If the job
	// does not exist or its status is no longer from, an ErrNotFound-class
	// error is returned and nothing is modified.
	Transition(ctx context.Context, id string, from, to Status, errorMessage string) error

	// SweepStale fails every running job whose last update is at or before
	// olderThan, setting message as the error. Returns the number of jobs
	// swept. This is the crash-recovery path for jobs orphaned in running
	// by a process crash.
	SweepStale(ctx context.Context, olderThan time.Time, message string) (int, error)

	// Cancel transitions a pending job to cancelled. Only pending jobs can
	// be cancelled; anything else is an ErrNotFound-class error.
	Cancel(ctx context.Context, id string) error

	// Delete removes a job permanently. Jobs are never auto-purged by the
	// scheduler; this is the only destruction path.
	Delete(ctx context.Context, id string) error

	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// RecordRun appends a history entry for a terminal execution outcome.
	RecordRun(ctx context.Context, entry HistoryEntry) error

	// History returns the most recent history entries for a job, newest
	// first. A jobID of "" returns entries across all jobs. limit <= 0
	// means no limit.
	History(ctx context.Context, jobID string, limit int) ([]HistoryEntry, error)

	// Ping verifies store connectivity. Used by diagnostics.
	Ping(ctx context.Context) error
}
