// Package mongodb provides a MongoDB-backed ScheduleStore.
package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/dealerkit/scheduler"
	"github.com/google/uuid"
)

// Config holds the configuration for the MongoDB schedule store.
type Config struct {
	// Jobs is the collection where scheduled jobs are stored. Required.
	Jobs *mongo.Collection

	// History is the collection for run history entries. Optional; when
	// nil, RecordRun is a no-op and History returns nothing.
	History *mongo.Collection
}

// Store implements scheduler.ScheduleStore for MongoDB.
//
// Timestamps are stored in the scheduler wire format (naive local strings),
// which sorts lexically in chronological order, so due scanning is a plain
// $lte over the (status, next_run_at) index. EnsureIndexes creates it.
type Store struct {
	jobs    *mongo.Collection
	history *mongo.Collection
}

// NewStore creates a new MongoDB schedule store.
func NewStore(config Config) (*Store, error) {
	if config.Jobs == nil {
		return nil, scheduler.Validationf("jobs collection is required")
	}
	return &Store{jobs: config.Jobs, history: config.History}, nil
}

// EnsureIndexes creates the (status, next_run_at) index used by due scans.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_run_at", Value: 1}},
	})
	if err != nil {
		return scheduler.StoreErrf(err, "create due-scan index")
	}
	return nil
}

// jobDoc is the BSON shape of a scheduled job.
type jobDoc struct {
	ID                 string `bson:"_id"`
	ListingRef         string `bson:"listing_ref"`
	ProfileRef         string `bson:"profile_ref"`
	ProfileDisplayName string `bson:"profile_display_name"`
	ProfileFolderPath  string `bson:"profile_folder_path"`
	Location           string `bson:"location"`
	ScheduledAt        string `bson:"scheduled_at"`
	NextRunAt          string `bson:"next_run_at"`
	Recurrence         string `bson:"recurrence"`
	Status             string `bson:"status"`
	ErrorMessage       string `bson:"error_message"`
	CreatedAt          string `bson:"created_at"`
	UpdatedAt          string `bson:"updated_at"`
}

func toDoc(job *scheduler.ScheduledJob, now time.Time) jobDoc {
	return jobDoc{
		ID:                 job.ID,
		ListingRef:         job.ListingRef,
		ProfileRef:         job.ProfileRef,
		ProfileDisplayName: job.ProfileDisplayName,
		ProfileFolderPath:  job.ProfileFolderPath,
		Location:           job.Location,
		ScheduledAt:        scheduler.FormatTime(job.ScheduledAt),
		NextRunAt:          scheduler.FormatTime(job.NextRunAt),
		Recurrence:         string(job.Recurrence),
		Status:             string(job.Status),
		ErrorMessage:       job.ErrorMessage,
		CreatedAt:          scheduler.FormatTime(now),
		UpdatedAt:          scheduler.FormatTime(now),
	}
}

func (d jobDoc) toJob() (*scheduler.ScheduledJob, error) {
	job := &scheduler.ScheduledJob{
		ID:                 d.ID,
		ListingRef:         d.ListingRef,
		ProfileRef:         d.ProfileRef,
		ProfileDisplayName: d.ProfileDisplayName,
		ProfileFolderPath:  d.ProfileFolderPath,
		Location:           d.Location,
		Recurrence:         scheduler.Recurrence(d.Recurrence),
		Status:             scheduler.Status(d.Status),
		ErrorMessage:       d.ErrorMessage,
	}
	var err error
	if job.ScheduledAt, err = scheduler.ParseTime(d.ScheduledAt); err != nil {
		return nil, scheduler.StoreErrf(err, "parse scheduled_at for job %s", d.ID)
	}
	if job.NextRunAt, err = scheduler.ParseTime(d.NextRunAt); err != nil {
		return nil, scheduler.StoreErrf(err, "parse next_run_at for job %s", d.ID)
	}
	if job.CreatedAt, err = scheduler.ParseTime(d.CreatedAt); err != nil {
		return nil, scheduler.StoreErrf(err, "parse created_at for job %s", d.ID)
	}
	if job.UpdatedAt, err = scheduler.ParseTime(d.UpdatedAt); err != nil {
		return nil, scheduler.StoreErrf(err, "parse updated_at for job %s", d.ID)
	}
	return job, nil
}

func (s *Store) Insert(ctx context.Context, job *scheduler.ScheduledJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	c := job.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = scheduler.StatusPending
	}

	if _, err := s.jobs.InsertOne(ctx, toDoc(c, time.Now())); err != nil {
		return "", scheduler.StoreErrf(err, "insert job")
	}
	return c.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*scheduler.ScheduledJob, error) {
	var doc jobDoc
	err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, scheduler.NotFoundf("job %s does not exist", id)
	}
	if err != nil {
		return nil, scheduler.StoreErrf(err, "get job %s", id)
	}
	return doc.toJob()
}

func (s *Store) ListAll(ctx context.Context) ([]*scheduler.ScheduledJob, error) {
	return s.find(ctx, bson.M{})
}

func (s *Store) ListDue(ctx context.Context, before time.Time) ([]*scheduler.ScheduledJob, error) {
	return s.find(ctx, bson.M{
		"status":      string(scheduler.StatusPending),
		"next_run_at": bson.M{"$lte": scheduler.FormatTime(before)},
	})
}

func (s *Store) NextPending(ctx context.Context) (*scheduler.ScheduledJob, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "next_run_at", Value: 1}})
	var doc jobDoc
	err := s.jobs.FindOne(ctx, bson.M{"status": string(scheduler.StatusPending)}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, scheduler.StoreErrf(err, "next pending job")
	}
	return doc.toJob()
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]*scheduler.ScheduledJob, error) {
	opts := options.Find().SetSort(bson.D{{Key: "next_run_at", Value: 1}})
	cursor, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, scheduler.StoreErrf(err, "list jobs")
	}
	defer cursor.Close(ctx)

	var jobs []*scheduler.ScheduledJob
	for cursor.Next(ctx) {
		var doc jobDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, scheduler.StoreErrf(err, "decode job document")
		}
		job, err := doc.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := cursor.Err(); err != nil {
		return nil, scheduler.StoreErrf(err, "list jobs")
	}
	return jobs, nil
}

// Transition executes a single conditional UpdateOne so that two racing
// transitions on the same job can never both succeed.
func (s *Store) Transition(ctx context.Context, id string, from, to scheduler.Status, errorMessage string) error {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(from)},
		bson.M{"$set": bson.M{
			"status":        string(to),
			"error_message": errorMessage,
			"updated_at":    scheduler.FormatTime(time.Now()),
		}},
	)
	if err != nil {
		return scheduler.StoreErrf(err, "transition job %s to %s", id, to)
	}
	if res.MatchedCount == 0 {
		return scheduler.NotFoundf("job %s is not in status %s", id, from)
	}
	return nil
}

func (s *Store) SweepStale(ctx context.Context, olderThan time.Time, message string) (int, error) {
	res, err := s.jobs.UpdateMany(ctx,
		bson.M{
			"status":     string(scheduler.StatusRunning),
			"updated_at": bson.M{"$lte": scheduler.FormatTime(olderThan)},
		},
		bson.M{"$set": bson.M{
			"status":        string(scheduler.StatusFailed),
			"error_message": message,
			"updated_at":    scheduler.FormatTime(time.Now()),
		}},
	)
	if err != nil {
		return 0, scheduler.StoreErrf(err, "sweep stale running jobs")
	}
	return int(res.ModifiedCount), nil
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.Transition(ctx, id, scheduler.StatusPending, scheduler.StatusCancelled, "")
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.jobs.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return scheduler.StoreErrf(err, "delete job %s", id)
	}
	if res.DeletedCount == 0 {
		return scheduler.NotFoundf("job %s does not exist", id)
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[scheduler.Status]int, error) {
	cursor, err := s.jobs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, scheduler.StoreErrf(err, "count jobs by status")
	}
	defer cursor.Close(ctx)

	counts := make(map[scheduler.Status]int)
	for cursor.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			Count  int    `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, scheduler.StoreErrf(err, "decode status count")
		}
		counts[scheduler.Status(row.Status)] = row.Count
	}
	if err := cursor.Err(); err != nil {
		return nil, scheduler.StoreErrf(err, "count jobs by status")
	}
	return counts, nil
}

// historyDoc is the BSON shape of a run history entry.
type historyDoc struct {
	ID                 string `bson:"_id"`
	JobID              string `bson:"job_id"`
	ListingRef         string `bson:"listing_ref"`
	ProfileRef         string `bson:"profile_ref"`
	ProfileDisplayName string `bson:"profile_display_name"`
	Status             string `bson:"status"`
	ErrorMessage       string `bson:"error_message"`
	StartedAt          string `bson:"started_at"`
	DurationMs         int64  `bson:"duration_ms"`
}

func (s *Store) RecordRun(ctx context.Context, entry scheduler.HistoryEntry) error {
	if s.history == nil {
		return nil
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.history.InsertOne(ctx, historyDoc{
		ID:                 id,
		JobID:              entry.JobID,
		ListingRef:         entry.ListingRef,
		ProfileRef:         entry.ProfileRef,
		ProfileDisplayName: entry.ProfileDisplayName,
		Status:             string(entry.Status),
		ErrorMessage:       entry.ErrorMessage,
		StartedAt:          scheduler.FormatTime(entry.StartedAt),
		DurationMs:         entry.Duration.Milliseconds(),
	})
	if err != nil {
		return scheduler.StoreErrf(err, "record run for job %s", entry.JobID)
	}
	return nil
}

func (s *Store) History(ctx context.Context, jobID string, limit int) ([]scheduler.HistoryEntry, error) {
	if s.history == nil {
		return nil, nil
	}

	filter := bson.M{}
	if jobID != "" {
		filter["job_id"] = jobID
	}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.history.Find(ctx, filter, opts)
	if err != nil {
		return nil, scheduler.StoreErrf(err, "list history")
	}
	defer cursor.Close(ctx)

	var entries []scheduler.HistoryEntry
	for cursor.Next(ctx) {
		var doc historyDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, scheduler.StoreErrf(err, "decode history entry")
		}
		startedAt, err := scheduler.ParseTime(doc.StartedAt)
		if err != nil {
			return nil, scheduler.StoreErrf(err, "parse started_at for history entry %s", doc.ID)
		}
		entries = append(entries, scheduler.HistoryEntry{
			ID:                 doc.ID,
			JobID:              doc.JobID,
			ListingRef:         doc.ListingRef,
			ProfileRef:         doc.ProfileRef,
			ProfileDisplayName: doc.ProfileDisplayName,
			Status:             scheduler.Status(doc.Status),
			ErrorMessage:       doc.ErrorMessage,
			StartedAt:          startedAt,
			Duration:           time.Duration(doc.DurationMs) * time.Millisecond,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, scheduler.StoreErrf(err, "list history")
	}
	return entries, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.jobs.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return scheduler.StoreErrf(err, "ping mongodb")
	}
	return nil
}

var _ scheduler.ScheduleStore = (*Store)(nil)
