package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spindle-io/spindle/internal/storage"
)

// defaultJobPoll is how often the worker looks for queued bulk jobs.
const defaultJobPoll = 2 * time.Second

// jobTimeout bounds one bulk job run. At batchSize per round-trip even the
// filter-limit maximum finishes well inside this.
const jobTimeout = 15 * time.Minute

// JobStatus is the lifecycle state of an async bulk job.
type JobStatus string

// Bulk job states.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobOperation is which bulk engine a job runs.
type JobOperation string

// Bulk job operations.
const (
	JobBulkApprove JobOperation = "bulk_approve"
	JobBulkReject  JobOperation = "bulk_reject"
)

// BulkJob is one queued bulk operation. Progress counters update as
// batches complete, so a poller sees the job advance.
type BulkJob struct {
	ID           storage.ID           `bson:"_id,omitempty"           json:"-"`
	JobID        string               `bson:"job_id"                  json:"job_id"`
	Operation    JobOperation         `bson:"operation"               json:"operation"`
	Status       JobStatus            `bson:"status"                  json:"status"`
	Total        int                  `bson:"total"                   json:"total"`
	Processed    int                  `bson:"processed"               json:"processed"`
	Success      int                  `bson:"success"                 json:"success"`
	Failed       int                  `bson:"failed"                  json:"failed"`
	ReviewIDs    []string             `bson:"review_ids"              json:"-"`
	ReviewerID   string               `bson:"reviewer_id"             json:"reviewer_id"`
	Comment      string               `bson:"comment,omitempty"       json:"comment,omitempty"`
	Reason       string               `bson:"reason,omitempty"        json:"reason,omitempty"`
	ErrorMessage string               `bson:"error_message,omitempty" json:"error_message,omitempty"`
	Result       *BulkOperationResult `bson:"result,omitempty"        json:"result,omitempty"`
	CreatedAt    time.Time            `bson:"created_at"              json:"created_at"`
	StartedAt    *time.Time           `bson:"started_at,omitempty"    json:"started_at,omitempty"`
	CompletedAt  *time.Time           `bson:"completed_at,omitempty"  json:"completed_at,omitempty"`
}

// EnqueueBulkApprove queues an async bulk approval and returns its job id
// immediately. The background worker picks it up on the next poll.
func (s *Service) EnqueueBulkApprove(ctx context.Context, ids []string, reviewerID, comment string) (string, error) {
	return s.enqueue(ctx, BulkJob{
		Operation:  JobBulkApprove,
		ReviewIDs:  ids,
		ReviewerID: reviewerID,
		Comment:    comment,
	})
}

// EnqueueBulkReject queues an async bulk rejection and returns its job id.
func (s *Service) EnqueueBulkReject(ctx context.Context, ids []string, reviewerID, reason, comment string) (string, error) {
	if reason == "" {
		return "", fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}

	return s.enqueue(ctx, BulkJob{
		Operation:  JobBulkReject,
		ReviewIDs:  ids,
		ReviewerID: reviewerID,
		Reason:     reason,
		Comment:    comment,
	})
}

// GetBulkJobStatus returns the job record for a job id.
func (s *Service) GetBulkJobStatus(ctx context.Context, jobID string) (*BulkJob, error) {
	var job BulkJob
	if err := s.jobs.FindOne(ctx, bson.M{"job_id": jobID}, &job); err != nil {
		return nil, err
	}

	return &job, nil
}

// enqueue validates and persists a pending job.
func (s *Service) enqueue(ctx context.Context, job BulkJob) (string, error) {
	if job.ReviewerID == "" {
		return "", fmt.Errorf("%w: reviewer id is required", ErrValidation)
	}

	if len(job.ReviewIDs) == 0 {
		return "", fmt.Errorf("%w: no review ids given", ErrValidation)
	}

	job.JobID = uuid.New().String()
	job.Status = JobPending
	job.Total = len(job.ReviewIDs)
	job.CreatedAt = s.now()

	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return "", err
	}

	s.logger.Info("bulk job queued",
		slog.String("job_id", job.JobID),
		slog.String("operation", string(job.Operation)),
		slog.Int("total", job.Total),
		slog.String("reviewer_id", job.ReviewerID),
	)

	return job.JobID, nil
}

// runJobs is the background worker. Each poll drains the pending queue
// oldest first; job failures are recorded on the job row and never crash
// the loop.
func (s *Service) runJobs() {
	defer close(s.done)

	ticker := time.NewTicker(s.jobPoll)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.stop:
			cancel()
			s.logger.Info("stopping bulk job worker")

			return
		case <-ticker.C:
			s.drainJobs(ctx)
		}
	}
}

// drainJobs claims and runs pending jobs until none remain or the worker
// is stopped.
func (s *Service) drainJobs(ctx context.Context) {
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		job, err := s.claimJob(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}

		if err != nil {
			s.logger.Error("bulk job claim failed", slog.Any("error", err))

			return
		}

		s.runJob(ctx, job)
	}
}

// claimJob atomically flips the oldest pending job to processing, so
// concurrent control-plane instances never run the same job twice.
func (s *Service) claimJob(ctx context.Context) (*BulkJob, error) {
	var job BulkJob

	err := s.jobs.FindOneAndUpdate(ctx,
		bson.M{"status": JobPending},
		bson.M{"$set": bson.M{
			"status":     JobProcessing,
			"started_at": s.now(),
		}},
		&job,
		options.FindOneAndUpdate().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}

	return &job, nil
}

// runJob executes one claimed job through the matching bulk engine,
// persisting progress after every batch.
func (s *Service) runJob(ctx context.Context, job *BulkJob) {
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	progress := func(r *BulkOperationResult) {
		s.persistProgress(jobCtx, job.ID, r)
	}

	var (
		result *BulkOperationResult
		err    error
	)

	switch job.Operation {
	case JobBulkApprove:
		result, err = s.bulkApprove(jobCtx, job.ReviewIDs, job.ReviewerID, job.Comment, progress)
	case JobBulkReject:
		result, err = s.bulkReject(jobCtx, job.ReviewIDs, job.ReviewerID, job.Reason, job.Comment, progress)
	default:
		err = fmt.Errorf("unknown bulk operation %q", job.Operation)
	}

	set := bson.M{"completed_at": s.now()}

	if err != nil {
		set["status"] = JobFailed
		set["error_message"] = err.Error()

		s.logger.Error("bulk job failed",
			slog.String("job_id", job.JobID),
			slog.String("operation", string(job.Operation)),
			slog.Any("error", err),
		)
	} else {
		set["status"] = JobCompleted
		set["result"] = result
		set["processed"] = result.Success + result.Failed
		set["success"] = result.Success
		set["failed"] = result.Failed

		s.logger.Info("bulk job finished",
			slog.String("job_id", job.JobID),
			slog.String("operation", string(job.Operation)),
			slog.Int("success", result.Success),
			slog.Int("failed", result.Failed),
		)
	}

	if _, uerr := s.jobs.UpdateByID(ctx, job.ID, bson.M{"$set": set}); uerr != nil {
		s.logger.Error("bulk job state update failed",
			slog.String("job_id", job.JobID),
			slog.Any("error", uerr),
		)
	}
}

// persistProgress writes cumulative batch counters onto the job row.
// Progress is advisory; failures only log.
func (s *Service) persistProgress(ctx context.Context, id storage.ID, r *BulkOperationResult) {
	_, err := s.jobs.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"processed": r.Success + r.Failed,
		"success":   r.Success,
		"failed":    r.Failed,
	}})
	if err != nil {
		s.logger.Warn("bulk job progress update failed", slog.Any("error", err))
	}
}
