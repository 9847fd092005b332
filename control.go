package scheduler

import (
	"context"
	"fmt"
	"time"
)

// SchedulerStatus is the snapshot returned by Status.
type SchedulerStatus struct {
	Running     bool
	LastCycleAt time.Time // zero until the first cycle finishes
	Cycles      int64
	NextDue     *ScheduledJob // earliest pending job, nil if none or store unreachable
}

// Status reports whether the loop is running, when the last cycle ran, and
// the next known due job. The next-due lookup is best-effort; a store error
// leaves NextDue nil rather than failing the status call.
func (s *Scheduler) Status(ctx context.Context) SchedulerStatus {
	s.mu.Lock()
	st := SchedulerStatus{
		Running:     s.running,
		LastCycleAt: s.lastCycleAt,
		Cycles:      s.cycles,
	}
	s.mu.Unlock()

	next, err := s.store.NextPending(ctx)
	if err != nil {
		s.log.Warnw("status: failed to look up next pending job", "error", err)
		return st
	}
	st.NextDue = next
	return st
}

// JobDiagnostic pairs a job with its computed due flag.
type JobDiagnostic struct {
	Job *ScheduledJob
	Due bool
}

// DiagnosticReport is the read-only report produced by RunDiagnostic.
type DiagnosticReport struct {
	GeneratedAt    time.Time
	Running        bool
	StoreReachable bool
	StoreError     string
	Counts         map[Status]int
	Jobs           []JobDiagnostic
	Warnings       []string
}

// RunDiagnostic inspects store connectivity and every job without mutating
// anything. Warnings flag clock skew (timestamps from the future) and
// pending jobs overdue beyond what one poll cycle can explain.
func (s *Scheduler) RunDiagnostic(ctx context.Context) *DiagnosticReport {
	now := time.Now()
	report := &DiagnosticReport{
		GeneratedAt: now,
		Running:     s.IsRunning(),
	}

	if err := s.store.Ping(ctx); err != nil {
		report.StoreError = err.Error()
		return report
	}
	report.StoreReachable = true

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		report.StoreError = err.Error()
		return report
	}
	report.Counts = counts

	jobs, err := s.store.ListAll(ctx)
	if err != nil {
		report.StoreError = err.Error()
		return report
	}

	// A pending job should never lag its due time by more than one poll
	// interval plus the lookahead buffer while the loop is healthy.
	maxLag := s.config.PollInterval + s.config.DueBuffer

	for _, job := range jobs {
		due := job.Due(now.Add(s.config.DueBuffer))
		report.Jobs = append(report.Jobs, JobDiagnostic{Job: job, Due: due})

		if job.CreatedAt.After(now.Add(time.Minute)) {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"job %s was created in the future (%s); host clock may have moved backwards",
				job.ID, FormatTime(job.CreatedAt)))
		}
		if job.Status == StatusPending && now.Sub(job.NextRunAt) > maxLag {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"job %s is overdue by %s; scheduler may not be running",
				job.ID, now.Sub(job.NextRunAt).Round(time.Second)))
		}
	}

	return report
}
