package sqlite

import (
	"context"

	"github.com/google/uuid"

	"github.com/dealerkit/scheduler"
)

func newID() string { return uuid.NewString() }

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(sc scanner) (*scheduler.ScheduledJob, error) {
	var job scheduler.ScheduledJob
	var recurrence, status string
	var scheduledAt, nextRunAt, createdAt, updatedAt string

	err := sc.Scan(
		&job.ID, &job.ListingRef, &job.ProfileRef, &job.ProfileDisplayName,
		&job.ProfileFolderPath, &job.Location,
		&scheduledAt, &nextRunAt, &recurrence, &status, &job.ErrorMessage,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Recurrence = scheduler.Recurrence(recurrence)
	job.Status = scheduler.Status(status)

	if job.ScheduledAt, err = scheduler.ParseTime(scheduledAt); err != nil {
		return nil, scheduler.StoreErrf(err, "parse scheduled_at for job %s", job.ID)
	}
	if job.NextRunAt, err = scheduler.ParseTime(nextRunAt); err != nil {
		return nil, scheduler.StoreErrf(err, "parse next_run_at for job %s", job.ID)
	}
	if job.CreatedAt, err = scheduler.ParseTime(createdAt); err != nil {
		return nil, scheduler.StoreErrf(err, "parse created_at for job %s", job.ID)
	}
	if job.UpdatedAt, err = scheduler.ParseTime(updatedAt); err != nil {
		return nil, scheduler.StoreErrf(err, "parse updated_at for job %s", job.ID)
	}
	return &job, nil
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*scheduler.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, scheduler.StoreErrf(err, "list jobs")
	}
	defer rows.Close()

	var jobs []*scheduler.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, scheduler.StoreErrf(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, scheduler.StoreErrf(err, "list jobs")
	}
	return jobs, nil
}
