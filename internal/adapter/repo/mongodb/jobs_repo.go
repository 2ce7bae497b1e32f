package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// Retry backoff schedule: 30s doubling per failed attempt, capped at 120s.
const (
	retryBackoffBase = 30 * time.Second
	retryBackoffCap  = 120 * time.Second
)

// JobQueue is the durable leased work queue on the jobs collection.
// Leasing relies on findOneAndUpdate being atomic per document.
type JobQueue struct {
	coll *mongo.Collection
}

// NewJobQueue constructs the queue on the given database.
func NewJobQueue(db *mongo.Database) *JobQueue {
	return &JobQueue{coll: db.Collection(collJobs)}
}

// Enqueue inserts a pending job unless an active job already exists for the
// same (jobType, imageID) pair, in which case the existing job id is
// returned and nothing is written.
func (q *JobQueue) Enqueue(ctx context.Context, jobType domain.JobType, imageID, batchID string, opts domain.EnqueueOptions) (string, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", string(jobType)), attribute.String("image.id", imageID))

	var existing domain.Job
	err := q.coll.FindOne(ctx, activeFilter(jobType, imageID)).Decode(&existing)
	if err == nil {
		return existing.JobID, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return "", fmt.Errorf("op=jobs.enqueue: %w", err)
	}

	now := time.Now().UTC()
	scheduled := opts.ScheduledFor
	if scheduled.IsZero() {
		scheduled = now
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	job := domain.Job{
		JobID:        uuid.New().String(),
		JobType:      jobType,
		ImageID:      imageID,
		BatchID:      batchID,
		Status:       domain.JobPending,
		Priority:     opts.Priority,
		MaxRetries:   maxRetries,
		ScheduledFor: scheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := q.coll.InsertOne(ctx, job); err != nil {
		// A concurrent dispatcher won the insert; the partial unique index
		// on (job_type, image_id) over active statuses rejects ours.
		if mongo.IsDuplicateKeyError(err) {
			if derr := q.coll.FindOne(ctx, activeFilter(jobType, imageID)).Decode(&existing); derr == nil {
				return existing.JobID, nil
			}
		}
		return "", fmt.Errorf("op=jobs.enqueue: %w", err)
	}
	return job.JobID, nil
}

// Lease claims the best due pending job of the given type: highest priority
// first, then earliest scheduled_for, then earliest created_at. Returns
// (nil, nil) when no job is due.
func (q *JobQueue) Lease(ctx context.Context, jobType domain.JobType, workerID string, leaseFor time.Duration) (*domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Lease")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", string(jobType)), attribute.String("worker.id", workerID))

	now := time.Now().UTC()
	lockUntil := now.Add(leaseFor)
	filter := bson.M{
		"job_type":      jobType,
		"status":        domain.JobPending,
		"scheduled_for": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     domain.JobInProgress,
			"worker_id":  workerID,
			"started_at": now,
			"lock_until": lockUntil,
			"updated_at": now,
		},
		"$inc": bson.M{"attempt": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "scheduled_for", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var job domain.Job
	err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=jobs.lease type=%s: %w", jobType, err)
	}
	return &job, nil
}

// Renew extends a held lease. ErrConflict means the lease was lost: the job
// was reaped, completed elsewhere or cancelled.
func (q *JobQueue) Renew(ctx context.Context, jobID, workerID string, leaseFor time.Duration) (time.Time, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Renew")
	defer span.End()

	now := time.Now().UTC()
	lockUntil := now.Add(leaseFor)
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"job_id": jobID, "worker_id": workerID, "status": domain.JobInProgress},
		bson.M{"$set": bson.M{"lock_until": lockUntil, "updated_at": now}})
	if err != nil {
		return time.Time{}, fmt.Errorf("op=jobs.renew id=%s: %w", jobID, err)
	}
	if res.MatchedCount == 0 {
		return time.Time{}, fmt.Errorf("op=jobs.renew id=%s: %w", jobID, domain.ErrConflict)
	}
	return lockUntil, nil
}

// Complete marks a leased job done and stores its result for audit.
func (q *JobQueue) Complete(ctx context.Context, jobID string, result map[string]any) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Complete")
	defer span.End()

	now := time.Now().UTC()
	update := bson.M{
		"$set":   bson.M{"status": domain.JobCompleted, "completed_at": now, "updated_at": now, "result": result},
		"$unset": bson.M{"lock_until": ""},
	}
	res, err := q.coll.UpdateOne(ctx, bson.M{"job_id": jobID, "status": domain.JobInProgress}, update)
	if err != nil {
		return fmt.Errorf("op=jobs.complete id=%s: %w", jobID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("op=jobs.complete id=%s: %w", jobID, domain.ErrConflict)
	}
	return nil
}

// Fail disposes of a leased job: requeue with backoff while retriable and
// budget remains, terminal failed otherwise.
func (q *JobQueue) Fail(ctx context.Context, jobID, errMsg string, retriable bool, details map[string]any) (domain.FailOutcome, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Fail")
	defer span.End()

	job, err := q.Get(ctx, jobID)
	if err != nil {
		return domain.FailOutcome{}, err
	}

	now := time.Now().UTC()
	if retriable && job.Attempt < job.MaxRetries {
		scheduled := now.Add(Backoff(job.Attempt))
		update := bson.M{
			"$set": bson.M{
				"status":        domain.JobPending,
				"scheduled_for": scheduled,
				"error":         errMsg,
				"error_details": details,
				"updated_at":    now,
			},
			"$unset": bson.M{"lock_until": "", "worker_id": ""},
		}
		res, err := q.coll.UpdateOne(ctx, bson.M{"job_id": jobID, "status": domain.JobInProgress}, update)
		if err != nil {
			return domain.FailOutcome{}, fmt.Errorf("op=jobs.fail id=%s: %w", jobID, err)
		}
		if res.MatchedCount == 0 {
			return domain.FailOutcome{}, fmt.Errorf("op=jobs.fail id=%s: %w", jobID, domain.ErrConflict)
		}
		return domain.FailOutcome{Requeued: true, ScheduledFor: scheduled}, nil
	}

	update := bson.M{
		"$set": bson.M{
			"status":        domain.JobFailed,
			"completed_at":  now,
			"error":         errMsg,
			"error_details": details,
			"updated_at":    now,
		},
		"$unset": bson.M{"lock_until": ""},
	}
	res, err := q.coll.UpdateOne(ctx, bson.M{"job_id": jobID, "status": domain.JobInProgress}, update)
	if err != nil {
		return domain.FailOutcome{}, fmt.Errorf("op=jobs.fail id=%s: %w", jobID, err)
	}
	if res.MatchedCount == 0 {
		return domain.FailOutcome{}, fmt.Errorf("op=jobs.fail id=%s: %w", jobID, domain.ErrConflict)
	}
	return domain.FailOutcome{Requeued: false}, nil
}

// Backoff returns the requeue delay after the given attempt number.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return d
}

// Cancel drops a job that has not finished yet.
func (q *JobQueue) Cancel(ctx context.Context, jobID string) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Cancel")
	defer span.End()

	now := time.Now().UTC()
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"job_id": jobID, "status": bson.M{"$in": bson.A{domain.JobPending, domain.JobInProgress}}},
		bson.M{
			"$set":   bson.M{"status": domain.JobCancelled, "completed_at": now, "updated_at": now},
			"$unset": bson.M{"lock_until": "", "worker_id": ""},
		})
	if err != nil {
		return fmt.Errorf("op=jobs.cancel id=%s: %w", jobID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("op=jobs.cancel id=%s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

// Reap disposes of every in_progress job whose lease expired before now,
// the same way Fail would: requeue while attempt budget remains, terminal
// failed otherwise. A worker that crashes on every lease cannot keep a job
// cycling past MaxRetries.
func (q *JobQueue) Reap(ctx context.Context, now time.Time) (int, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Reap")
	defer span.End()

	expired := bson.M{"status": domain.JobInProgress, "lock_until": bson.M{"$lt": now}}

	dead, err := q.coll.UpdateMany(ctx,
		bson.M{"$and": bson.A{expired, bson.M{"$expr": bson.M{"$gte": bson.A{"$attempt", "$max_retries"}}}}},
		bson.M{
			"$set":   bson.M{"status": domain.JobFailed, "error": "lease expired", "completed_at": now, "updated_at": now},
			"$unset": bson.M{"lock_until": "", "worker_id": ""},
		})
	if err != nil {
		return 0, fmt.Errorf("op=jobs.reap: %w", err)
	}

	requeued, err := q.coll.UpdateMany(ctx, expired,
		bson.M{
			"$set":   bson.M{"status": domain.JobPending, "scheduled_for": now, "updated_at": now},
			"$unset": bson.M{"lock_until": "", "worker_id": ""},
		})
	if err != nil {
		return 0, fmt.Errorf("op=jobs.reap: %w", err)
	}
	return int(dead.ModifiedCount + requeued.ModifiedCount), nil
}

// Get loads a job by id.
func (q *JobQueue) Get(ctx context.Context, jobID string) (domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Get")
	defer span.End()

	var job domain.Job
	err := q.coll.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Job{}, fmt.Errorf("op=jobs.get id=%s: %w", jobID, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.get id=%s: %w", jobID, err)
	}
	return job, nil
}

// HasActive reports whether a pending or in_progress job exists for the pair.
func (q *JobQueue) HasActive(ctx context.Context, jobType domain.JobType, imageID string) (bool, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.HasActive")
	defer span.End()

	n, err := q.coll.CountDocuments(ctx, activeFilter(jobType, imageID), options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("op=jobs.has_active: %w", err)
	}
	return n > 0, nil
}

// DeleteFinishedBefore purges finished jobs older than the cutoff.
func (q *JobQueue) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.DeleteFinishedBefore")
	defer span.End()

	res, err := q.coll.DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": bson.A{domain.JobCompleted, domain.JobFailed, domain.JobCancelled}},
		"updated_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("op=jobs.delete_finished: %w", err)
	}
	return res.DeletedCount, nil
}

func activeFilter(jobType domain.JobType, imageID string) bson.M {
	return bson.M{
		"job_type": jobType,
		"image_id": imageID,
		"status":   bson.M{"$in": bson.A{domain.JobPending, domain.JobInProgress}},
	}
}

var _ domain.JobQueue = (*JobQueue)(nil)
