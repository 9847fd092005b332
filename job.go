package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Status is the lifecycle state of a scheduled job.
//
// Valid transitions:
//
//	pending   -> running   (claimed by the scheduler loop)
//	running   -> completed (agent reported success)
//	running   -> failed    (agent error, validation error, timeout, or sweep)
//	pending   -> cancelled (explicit cancel; terminal)
//
// completed, failed and cancelled are terminal for that occurrence. A
// recurring job that completes produces a fresh pending job instead of
// re-entering pending itself.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Recurrence is the policy governing whether a completed job reschedules
// itself. Besides the fixed policies, a custom cadence can be expressed as
// "cron:<expression>" using standard 5-field cron syntax.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"

	// CronPrefix marks a custom cron-expression recurrence, e.g.
	// "cron:0 9 * * 1" for every Monday at 09:00.
	CronPrefix = "cron:"
)

// TimeLayout is the wire format for all job timestamps. Values are naive
// local wall-clock times: no timezone conversion is performed anywhere, and
// values are compared directly against the host's local clock. The layout
// sorts lexically in chronological order, which the store backends rely on.
const TimeLayout = "2006-01-02T15:04:05"

// FormatTime renders t in the naive local wire format.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// ParseTime parses a wire-format timestamp in the host's local zone.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.Local)
}

// ScheduledJob is a persisted request to post a listing at/after a given
// time, optionally recurring.
//
// ProfileDisplayName, ProfileFolderPath and Location are denormalized
// snapshots of the profile taken at schedule time; the execution agent needs
// them and the source profile may be edited or deleted before the job runs.
type ScheduledJob struct {
	// ID is assigned by the store at insert and immutable afterwards.
	ID string

	// ListingRef and ProfileRef are opaque references to external entities.
	// The scheduler only requires them to be non-empty.
	ListingRef string
	ProfileRef string

	ProfileDisplayName string
	ProfileFolderPath  string
	Location           string

	// ScheduledAt is the originally requested run time.
	ScheduledAt time.Time

	// NextRunAt is the next due occurrence. It equals ScheduledAt until the
	// first execution and only ever advances, except by explicit reschedule.
	NextRunAt time.Time

	Recurrence Recurrence
	Status     Status

	// ErrorMessage is set only when Status is failed.
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate reports whether the job carries everything needed to schedule it.
// Fields the execution agent needs (folder path, location) are checked at
// execution time instead, so a job scheduled with an incomplete profile
// snapshot surfaces as a failed occurrence rather than being rejected upfront.
func (j *ScheduledJob) Validate() error {
	if j.ListingRef == "" {
		return Validationf("listing reference is required")
	}
	if j.ProfileRef == "" {
		return Validationf("profile reference is required")
	}
	if j.NextRunAt.IsZero() {
		return Validationf("next run time is required")
	}
	return nil
}

// Due reports whether the job is pending and due at now (no lookahead).
func (j *ScheduledJob) Due(now time.Time) bool {
	return j.Status == StatusPending && !j.NextRunAt.After(now)
}

// Clone returns a copy of the job.
func (j *ScheduledJob) Clone() *ScheduledJob {
	c := *j
	return &c
}

// HistoryEntry records one terminal execution outcome of a scheduled job.
// Entries are append-only and never mutated.
type HistoryEntry struct {
	ID                 string
	JobID              string
	ListingRef         string
	ProfileRef         string
	ProfileDisplayName string
	Status             Status
	ErrorMessage       string
	StartedAt          time.Time
	Duration           time.Duration
}

// ParseStatus validates a raw status value from an external source.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), nil
	}
	return "", errors.Mark(errors.Newf("unknown job status %q", s), ErrConfig)
}
