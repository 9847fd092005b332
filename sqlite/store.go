// Package sqlite provides a SQLite-backed ScheduleStore. It is the default
// backend for the schedulerd daemon.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/dealerkit/scheduler"
)

// schema creates the job and history tables. Timestamps are stored in the
// scheduler wire format, which sorts lexically in chronological order, so
// due scanning is a plain string comparison over the (status, next_run_at)
// index.
const schema = `
CREATE TABLE IF NOT EXISTS scheduled_posts (
	id                   TEXT PRIMARY KEY,
	listing_ref          TEXT NOT NULL,
	profile_ref          TEXT NOT NULL,
	profile_display_name TEXT NOT NULL DEFAULT '',
	profile_folder_path  TEXT NOT NULL DEFAULT '',
	location             TEXT NOT NULL DEFAULT '',
	scheduled_at         TEXT NOT NULL,
	next_run_at          TEXT NOT NULL,
	recurrence           TEXT NOT NULL DEFAULT 'none',
	status               TEXT NOT NULL DEFAULT 'pending',
	error_message        TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scheduled_posts_due
	ON scheduled_posts(status, next_run_at);

CREATE TABLE IF NOT EXISTS post_history (
	id                   TEXT PRIMARY KEY,
	job_id               TEXT NOT NULL,
	listing_ref          TEXT NOT NULL,
	profile_ref          TEXT NOT NULL,
	profile_display_name TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	error_message        TEXT NOT NULL DEFAULT '',
	started_at           TEXT NOT NULL,
	duration_ms          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_post_history_job
	ON post_history(job_id, started_at);
`

const jobColumns = `id, listing_ref, profile_ref, profile_display_name,
	profile_folder_path, location, scheduled_at, next_run_at, recurrence,
	status, error_message, created_at, updated_at`

// Open opens (or creates) the SQLite database at path with WAL mode and a
// busy timeout, and ensures the schema exists. If logger is nil the store
// operates silently.
func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, scheduler.StoreErrf(err, "open database %s", path)
	}

	// WAL allows dashboard reads while the loop is writing.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, scheduler.StoreErrf(err, "apply %s", pragma)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, scheduler.StoreErrf(err, "apply schema")
	}

	if logger != nil {
		logger.Infow("schedule database opened", "path", path)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle. The caller is responsible for
// the schema (see Open).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Store implements scheduler.ScheduleStore on SQLite.
type Store struct {
	db *sql.DB
}

// DB exposes the underlying handle for read-only dashboard queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Insert(ctx context.Context, job *scheduler.ScheduledJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	c := job.Clone()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Status == "" {
		c.Status = scheduler.StatusPending
	}
	now := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_posts (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ListingRef, c.ProfileRef, c.ProfileDisplayName,
		c.ProfileFolderPath, c.Location,
		scheduler.FormatTime(c.ScheduledAt), scheduler.FormatTime(c.NextRunAt),
		string(c.Recurrence), string(c.Status), c.ErrorMessage,
		scheduler.FormatTime(now), scheduler.FormatTime(now),
	)
	if err != nil {
		return "", scheduler.StoreErrf(err, "insert job")
	}
	return c.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*scheduler.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_posts WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, scheduler.NotFoundf("job %s does not exist", id)
	}
	if err != nil {
		return nil, scheduler.StoreErrf(err, "get job %s", id)
	}
	return job, nil
}

func (s *Store) ListAll(ctx context.Context) ([]*scheduler.ScheduledJob, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+` FROM scheduled_posts
		ORDER BY next_run_at ASC`)
}

func (s *Store) ListDue(ctx context.Context, before time.Time) ([]*scheduler.ScheduledJob, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+` FROM scheduled_posts
		WHERE status = ? AND next_run_at <= ?
		ORDER BY next_run_at ASC`,
		string(scheduler.StatusPending), scheduler.FormatTime(before))
}

func (s *Store) NextPending(ctx context.Context) (*scheduler.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_posts
		WHERE status = ?
		ORDER BY next_run_at ASC
		LIMIT 1`, string(scheduler.StatusPending))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, scheduler.StoreErrf(err, "next pending job")
	}
	return job, nil
}

// Transition is the single-statement conditional update that doubles as the
// concurrency guard: the WHERE clause checks the expected current status, so
// two racing transitions can never both succeed.
func (s *Store) Transition(ctx context.Context, id string, from, to scheduler.Status, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), errorMessage, scheduler.FormatTime(time.Now()),
		id, string(from),
	)
	if err != nil {
		return scheduler.StoreErrf(err, "transition job %s to %s", id, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return scheduler.StoreErrf(err, "transition job %s to %s", id, to)
	}
	if n == 0 {
		return scheduler.NotFoundf("job %s is not in status %s", id, from)
	}
	return nil
}

func (s *Store) SweepStale(ctx context.Context, olderThan time.Time, message string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = ?, error_message = ?, updated_at = ?
		WHERE status = ? AND updated_at <= ?`,
		string(scheduler.StatusFailed), message, scheduler.FormatTime(time.Now()),
		string(scheduler.StatusRunning), scheduler.FormatTime(olderThan),
	)
	if err != nil {
		return 0, scheduler.StoreErrf(err, "sweep stale running jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, scheduler.StoreErrf(err, "sweep stale running jobs")
	}
	return int(n), nil
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.Transition(ctx, id, scheduler.StatusPending, scheduler.StatusCancelled, "")
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_posts WHERE id = ?`, id)
	if err != nil {
		return scheduler.StoreErrf(err, "delete job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return scheduler.StoreErrf(err, "delete job %s", id)
	}
	if n == 0 {
		return scheduler.NotFoundf("job %s does not exist", id)
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[scheduler.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM scheduled_posts GROUP BY status`)
	if err != nil {
		return nil, scheduler.StoreErrf(err, "count jobs by status")
	}
	defer rows.Close()

	counts := make(map[scheduler.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, scheduler.StoreErrf(err, "scan status count")
		}
		counts[scheduler.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, scheduler.StoreErrf(err, "count jobs by status")
	}
	return counts, nil
}

func (s *Store) RecordRun(ctx context.Context, entry scheduler.HistoryEntry) error {
	id := entry.ID
	if id == "" {
		id = newID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_history (
			id, job_id, listing_ref, profile_ref, profile_display_name,
			status, error_message, started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entry.JobID, entry.ListingRef, entry.ProfileRef,
		entry.ProfileDisplayName, string(entry.Status), entry.ErrorMessage,
		scheduler.FormatTime(entry.StartedAt), entry.Duration.Milliseconds(),
	)
	if err != nil {
		return scheduler.StoreErrf(err, "record run for job %s", entry.JobID)
	}
	return nil
}

func (s *Store) History(ctx context.Context, jobID string, limit int) ([]scheduler.HistoryEntry, error) {
	query := `
		SELECT id, job_id, listing_ref, profile_ref, profile_display_name,
		       status, error_message, started_at, duration_ms
		FROM post_history`
	var args []interface{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, scheduler.StoreErrf(err, "list history")
	}
	defer rows.Close()

	var entries []scheduler.HistoryEntry
	for rows.Next() {
		var e scheduler.HistoryEntry
		var status, startedAt string
		var durationMs int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.ListingRef, &e.ProfileRef,
			&e.ProfileDisplayName, &status, &e.ErrorMessage, &startedAt, &durationMs); err != nil {
			return nil, scheduler.StoreErrf(err, "scan history entry")
		}
		e.Status = scheduler.Status(status)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if e.StartedAt, err = scheduler.ParseTime(startedAt); err != nil {
			return nil, scheduler.StoreErrf(err, "parse started_at for history entry %s", e.ID)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, scheduler.StoreErrf(err, "list history")
	}
	return entries, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return scheduler.StoreErrf(err, "ping database")
	}
	return nil
}

var _ scheduler.ScheduleStore = (*Store)(nil)
