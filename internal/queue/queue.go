// Package queue is the Postgres-backed moderation job queue. Delivery is
// at-least-once: a job whose lease expires is claimed again, so handlers
// must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"safe-replies/internal/metrics"
	"safe-replies/internal/models"
	"safe-replies/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxRetryDelay caps the exponential retry delay.
const maxRetryDelay = time.Hour

// Handler processes one job.
type Handler func(ctx context.Context, job *models.ModerationJob) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Options configures the consumer. HandlerTimeout bounds one handler run and
// must stay below Lease so bookkeeping lands before the job can be claimed
// again; it defaults to half the lease.
type Options struct {
	Workers        int
	PollInterval   time.Duration
	Lease          time.Duration
	HandlerTimeout time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
}

// Queue enqueues jobs and runs the worker pool that consumes them.
type Queue struct {
	jobs     repository.JobRepository
	opts     Options
	handlers map[string]Handler
	mu       sync.RWMutex
	notify   chan struct{}
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates a queue.
func New(jobs repository.JobRepository, opts Options, m *metrics.Metrics, logger *zap.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.HandlerTimeout <= 0 || opts.HandlerTimeout >= opts.Lease {
		opts.HandlerTimeout = opts.Lease / 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Queue{
		jobs:     jobs,
		opts:     opts,
		handlers: map[string]Handler{},
		notify:   make(chan struct{}, 1),
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}
}

// Register sets the handler for a job type.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Enqueue adds a job. For jobs tied to a comment only one pending or running
// job may exist; a duplicate enqueue returns false without error.
func (q *Queue) Enqueue(ctx context.Context, jobType string, commentID *int64, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	job := &models.ModerationJob{
		ID:        uuid.NewString(),
		JobType:   jobType,
		CommentID: commentID,
		Payload:   data,
		Status:    models.JobPending,
	}
	created, err := q.jobs.Enqueue(ctx, job)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	if !created {
		q.metrics.RecordJob(jobType, "duplicate")
		return false, nil
	}
	q.metrics.RecordJob(jobType, "enqueued")
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true, nil
}

// EnqueueComment enqueues classification of a stored comment.
func (q *Queue) EnqueueComment(ctx context.Context, commentID int64, source string) (bool, error) {
	return q.Enqueue(ctx, models.JobClassifyComment, &commentID,
		models.ClassifyPayload{CommentID: commentID, Source: source})
}

// Stats returns job counts by status.
func (q *Queue) Stats(ctx context.Context) (*models.QueueStats, error) {
	return q.jobs.Stats(ctx)
}

// Run starts the workers and blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("Moderation queue started", zap.Int("workers", q.opts.Workers))

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(ctx, worker)
		}(i)
	}
	wg.Wait()

	q.logger.Info("Moderation queue stopped")
}

func (q *Queue) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := q.ProcessNext(ctx)
		if err != nil {
			q.logger.Error("Failed to claim job", zap.Int("worker", worker), zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.notify:
		}
	}
}

// ProcessNext claims and processes one job. It returns false when no job
// was runnable.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	jobs, err := q.jobs.Claim(ctx, q.opts.Lease, 1)
	if err != nil {
		return false, err
	}
	if len(jobs) == 0 {
		return false, nil
	}
	q.process(ctx, jobs[0])
	return true, nil
}

func (q *Queue) process(ctx context.Context, job *models.ModerationJob) {
	logger := q.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.JobType), zap.Int("attempt", job.Attempts))
	start := time.Now()

	q.mu.RLock()
	handler, ok := q.handlers[job.JobType]
	q.mu.RUnlock()

	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler for job type %q", job.JobType))
	} else {
		err = q.invoke(ctx, handler, job)
	}
	q.metrics.ObserveJobDuration(time.Since(start))

	// Bookkeeping must land even when the consumer is shutting down.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		if q.settled(logger, job, q.jobs.Complete(bookCtx, job.ID, job.Attempts), "Failed to mark job done") {
			q.metrics.RecordJob(job.JobType, "done")
		}
		return
	}

	if IsPermanent(err) || job.Attempts >= q.opts.MaxAttempts {
		logger.Error("Job failed", zap.Error(err), zap.Bool("permanent", IsPermanent(err)))
		if q.settled(logger, job, q.jobs.Fail(bookCtx, job.ID, job.Attempts, err.Error(), nil), "Failed to mark job failed") {
			q.metrics.RecordJob(job.JobType, "failed")
		}
		return
	}

	retryAt := q.now().Add(q.retryDelay(job.Attempts))
	logger.Warn("Job failed, retrying", zap.Error(err), zap.Time("retry_at", retryAt))
	if q.settled(logger, job, q.jobs.Fail(bookCtx, job.ID, job.Attempts, err.Error(), &retryAt), "Failed to reschedule job") {
		q.metrics.RecordJob(job.JobType, "retry")
	}
}

// settled logs a bookkeeping error and reports whether the write landed. A
// lost lease means a later attempt owns the job and will settle it.
func (q *Queue) settled(logger *zap.Logger, job *models.ModerationJob, err error, msg string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, repository.ErrLeaseLost):
		logger.Warn("Job lease lost before settling, leaving it to the newer attempt")
		q.metrics.RecordJob(job.JobType, "lease_lost")
	default:
		logger.Error(msg, zap.Error(err))
	}
	return false
}

// invoke runs the handler under HandlerTimeout and turns panics into errors.
func (q *Queue) invoke(ctx context.Context, h Handler, job *models.ModerationJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, q.opts.HandlerTimeout)
	defer cancel()
	return h(hctx, job)
}

func (q *Queue) retryDelay(attempts int) time.Duration {
	d := q.opts.RetryDelay
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
