package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Default timing configuration. Each value can be overridden via Config.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultDueBuffer    = 2 * time.Minute
	DefaultAgentTimeout = 10 * time.Minute
	DefaultStaleAfter   = 30 * time.Minute
)

// maxErrorMessageLen bounds stored error messages, matching the dashboard
// column width.
const maxErrorMessageLen = 500

// staleMessage is written on jobs reclaimed by the crash-recovery sweep.
const staleMessage = "interrupted: scheduler was restarted while the job was running"

// Config holds the configuration for a Scheduler.
type Config struct {
	// Store is the required schedule store.
	Store ScheduleStore

	// Agent is the required execution agent that performs the actual post.
	Agent ExecutionAgent

	// Logger receives the structured execution log. Optional; defaults to
	// a no-op logger.
	Logger *zap.SugaredLogger

	// PollInterval is the fixed cadence between poll cycles.
	// Default: 60 seconds.
	PollInterval time.Duration

	// DueBuffer is the lookahead added to "now" when fetching due jobs, so
	// jobs scheduled slightly in the future are not missed by poll
	// granularity. A job due at T is picked up by at most
	// T + PollInterval + DueBuffer. Default: 2 minutes.
	DueBuffer time.Duration

	// AgentTimeout bounds a single execution agent call. Exceeding it is a
	// failure for that occurrence, never a hang that blocks future cycles.
	// Default: 10 minutes.
	AgentTimeout time.Duration

	// StaleAfter is the staleness threshold for the crash-recovery sweep:
	// a job still running with no update for this long is failed with an
	// interrupted message. Default: 30 minutes.
	StaleAfter time.Duration

	// StopFile is an optional sentinel file path checked at the top of
	// each cycle; its existence stops the scheduler after any in-flight
	// job finishes. A leftover sentinel is removed on Start.
	StopFile string
}

// Scheduler is the orchestrator: a long-lived background loop that polls the
// schedule store, claims due jobs, drives the execution agent, records
// outcomes and reschedules recurring jobs.
//
// All lifecycle state lives on the Scheduler itself, so multiple instances
// (e.g. in tests) never interfere. All shared mutable job state lives in the
// store, never in process memory.
type Scheduler struct {
	store  ScheduleStore
	agent  ExecutionAgent
	config Config
	log    *zap.SugaredLogger

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastCycleAt time.Time
	cycles      int64
}

// New creates a new Scheduler with the given configuration.
// Returns an error if the configuration is invalid.
func New(config Config) (*Scheduler, error) {
	if config.Store == nil {
		return nil, errors.Mark(errors.New("store is required"), ErrConfig)
	}
	if config.Agent == nil {
		return nil, errors.Mark(errors.New("agent is required"), ErrConfig)
	}

	// Set defaults
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.DueBuffer == 0 {
		config.DueBuffer = DefaultDueBuffer
	}
	if config.AgentTimeout == 0 {
		config.AgentTimeout = DefaultAgentTimeout
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Scheduler{
		store:  config.Store,
		agent:  config.Agent,
		config: config,
		log:    log,
	}, nil
}

// Start begins the poll loop. It is idempotent: calling Start while the
// scheduler is already running is a no-op. The loop runs until Stop is
// called, ctx is cancelled, or the stop sentinel file appears.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if s.config.StopFile != "" {
		if err := os.Remove(s.config.StopFile); err == nil {
			s.log.Infow("removed leftover stop sentinel", "path", s.config.StopFile)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, s.done)

	s.log.Infow("scheduler started",
		"poll_interval", s.config.PollInterval,
		"due_buffer", s.config.DueBuffer,
		"agent_timeout", s.config.AgentTimeout,
		"stale_after", s.config.StaleAfter,
	)
	return nil
}

// Stop signals the loop to exit and waits for it. A job already in flight
// with the execution agent is allowed to finish first, so the external side
// effect (a browser mid-post) is never left in an undefined state. Stop is
// idempotent; ctx bounds the wait.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run is the main poll loop.
func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
		s.log.Infow("scheduler stopped")
	}()

	for {
		if s.stopFilePresent() {
			s.log.Infow("stop sentinel detected, shutting down", "path", s.config.StopFile)
			return
		}

		s.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.PollInterval):
		}
	}
}

// cycle runs one poll iteration: sweep stale running jobs, fetch due jobs,
// and process them sequentially in due order.
//
// A store failure aborts the cycle only; it is retried on the next poll so
// the loop survives transient store outages.
func (s *Scheduler) cycle(ctx context.Context) {
	now := time.Now()

	swept, err := s.store.SweepStale(ctx, now.Add(-s.config.StaleAfter), staleMessage)
	if err != nil {
		s.log.Errorw("stale sweep failed, aborting cycle", "error", err)
		return
	}
	if swept > 0 {
		s.log.Warnw("swept stale running jobs to failed", "count", swept)
	}

	due, err := s.store.ListDue(ctx, now.Add(s.config.DueBuffer))
	if err != nil {
		s.log.Errorw("failed to list due jobs, retrying next cycle", "error", err)
		return
	}

	for i, job := range due {
		// Honor a stop signal before starting a new job, never mid-job.
		if ctx.Err() != nil || s.stopFilePresent() {
			s.log.Infow("stop requested, leaving remaining due jobs for next start",
				"remaining", len(due)-i)
			break
		}
		s.process(job)
	}

	s.mu.Lock()
	s.lastCycleAt = now
	s.cycles++
	cycles := s.cycles
	s.mu.Unlock()

	if len(due) > 0 {
		s.log.Infow("cycle complete", "cycle", cycles, "due", len(due))
	} else if cycles%10 == 1 {
		s.heartbeat(ctx, now, cycles)
	}
}

// heartbeat logs a periodic liveness line with the next known run.
func (s *Scheduler) heartbeat(ctx context.Context, now time.Time, cycles int64) {
	next, err := s.store.NextPending(ctx)
	if err != nil {
		s.log.Warnw("failed to look up next pending job", "error", err)
		return
	}
	if next == nil {
		s.log.Infow("scheduler idle, no pending jobs", "cycle", cycles)
		return
	}
	s.log.Infow("scheduler idle",
		"cycle", cycles,
		"next_job_id", next.ID,
		"next_run_at", FormatTime(next.NextRunAt),
		"next_in", next.NextRunAt.Sub(now).Round(time.Second),
	)
}

// process claims one due job, drives the agent and records the outcome.
// Any error while processing one job is converted into a failed transition
// for that job and never aborts the loop for subsequent jobs.
//
// Store writes here deliberately use a background context: once a job has
// been claimed, its result must be recorded even if a stop signal arrives
// while the agent is in flight.
func (s *Scheduler) process(job *ScheduledJob) {
	ctx := context.Background()

	// Claiming is the at-most-one-concurrent-execution guard: losing the
	// race (cancelled from the dashboard, a second scheduler instance) is
	// expected, not a fault.
	if err := s.store.Transition(ctx, job.ID, StatusPending, StatusRunning, ""); err != nil {
		if IsNotFound(err) {
			s.log.Infow("skipping job, no longer pending", "job_id", job.ID)
			return
		}
		s.log.Errorw("failed to claim job", "job_id", job.ID, "error", err)
		return
	}

	s.log.Infow("executing job",
		"job_id", job.ID,
		"listing_ref", job.ListingRef,
		"profile", job.ProfileDisplayName,
		"scheduled_for", FormatTime(job.NextRunAt),
	)

	started := time.Now()
	execErr := s.execute(ctx, job)
	duration := time.Since(started)

	if execErr != nil {
		s.fail(ctx, job, started, duration, execErr)
		return
	}
	s.complete(ctx, job, started, duration)
}

// execute validates the profile snapshot and drives the agent under a
// deadline. A panicking agent is converted into an execution error so one
// bad job cannot take down the loop.
func (s *Scheduler) execute(ctx context.Context, job *ScheduledJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = AgentExecutionf("agent panicked: %v", r)
		}
	}()

	if job.ProfileFolderPath == "" {
		return Validationf("missing profile folder path")
	}
	if job.Location == "" {
		return Validationf("missing location")
	}

	agentCtx, cancel := context.WithTimeout(ctx, s.config.AgentTimeout)
	defer cancel()

	err = s.agent.Execute(agentCtx, PostRequest{
		ListingRef:         job.ListingRef,
		ProfileRef:         job.ProfileRef,
		ProfileDisplayName: job.ProfileDisplayName,
		ProfileFolderPath:  job.ProfileFolderPath,
		Location:           job.Location,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return AgentExecutionf("execution timed out after %s", s.config.AgentTimeout)
		}
		if IsAgentExecution(err) || IsValidation(err) {
			return err
		}
		return errors.Mark(err, ErrAgentExecution)
	}
	return nil
}

// fail records a terminal failure for this occurrence. Failed jobs are never
// auto-rescheduled: repeating a failed external side effect risks duplicate
// posts, so the failure is surfaced instead.
func (s *Scheduler) fail(ctx context.Context, job *ScheduledJob, started time.Time, duration time.Duration, execErr error) {
	msg := truncate(execErr.Error(), maxErrorMessageLen)

	if err := s.store.Transition(ctx, job.ID, StatusRunning, StatusFailed, msg); err != nil {
		s.log.Errorw("failed to record job failure", "job_id", job.ID, "error", err)
	}
	s.recordRun(ctx, job, StatusFailed, msg, started, duration)

	s.log.Errorw("job failed",
		"job_id", job.ID,
		"listing_ref", job.ListingRef,
		"duration", duration.Round(time.Millisecond),
		"error", execErr,
	)
}

// complete records success and, for recurring jobs, inserts exactly one
// follow-up pending job. The next occurrence is computed from the job's own
// NextRunAt rather than the wall clock, so recurring schedules do not drift.
func (s *Scheduler) complete(ctx context.Context, job *ScheduledJob, started time.Time, duration time.Duration) {
	if err := s.store.Transition(ctx, job.ID, StatusRunning, StatusCompleted, ""); err != nil {
		// Without a recorded completion we cannot safely insert a
		// follow-up: a second actor may already have taken over the job.
		s.log.Errorw("failed to record job completion", "job_id", job.ID, "error", err)
		return
	}
	s.recordRun(ctx, job, StatusCompleted, "", started, duration)

	s.log.Infow("job completed",
		"job_id", job.ID,
		"listing_ref", job.ListingRef,
		"duration", duration.Round(time.Millisecond),
	)

	next, err := NextOccurrence(job.NextRunAt, job.Recurrence)
	if err != nil {
		// Fail safe: never silently reschedule something unschedulable.
		s.log.Warnw("invalid recurrence policy, treating job as one-time",
			"job_id", job.ID, "recurrence", job.Recurrence, "error", err)
		return
	}
	if next == nil {
		return
	}

	followUp := &ScheduledJob{
		ListingRef:         job.ListingRef,
		ProfileRef:         job.ProfileRef,
		ProfileDisplayName: job.ProfileDisplayName,
		ProfileFolderPath:  job.ProfileFolderPath,
		Location:           job.Location,
		ScheduledAt:        *next,
		NextRunAt:          *next,
		Recurrence:         job.Recurrence,
		Status:             StatusPending,
	}
	id, err := s.store.Insert(ctx, followUp)
	if err != nil {
		s.log.Errorw("failed to insert follow-up job", "job_id", job.ID, "error", err)
		return
	}
	s.log.Infow("rescheduled recurring job",
		"job_id", job.ID,
		"follow_up_id", id,
		"next_run_at", FormatTime(*next),
	)
}

// recordRun appends a history entry. History is best-effort: a write failure
// is logged but never affects the job outcome.
func (s *Scheduler) recordRun(ctx context.Context, job *ScheduledJob, status Status, msg string, started time.Time, duration time.Duration) {
	entry := HistoryEntry{
		ID:                 uuid.NewString(),
		JobID:              job.ID,
		ListingRef:         job.ListingRef,
		ProfileRef:         job.ProfileRef,
		ProfileDisplayName: job.ProfileDisplayName,
		Status:             status,
		ErrorMessage:       msg,
		StartedAt:          started,
		Duration:           duration,
	}
	if err := s.store.RecordRun(ctx, entry); err != nil {
		s.log.Warnw("failed to record run history", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) stopFilePresent() bool {
	if s.config.StopFile == "" {
		return false
	}
	_, err := os.Stat(s.config.StopFile)
	return err == nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
