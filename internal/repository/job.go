package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"safe-replies/internal/models"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrLeaseLost means the job was reclaimed by another attempt or already
// settled, so the caller no longer owns it.
var ErrLeaseLost = errors.New("job lease lost")

type JobRepository interface {
	// Enqueue inserts a pending job. It returns false when the comment
	// already has a pending or running job.
	Enqueue(ctx context.Context, job *models.ModerationJob) (bool, error)
	// Claim leases up to limit runnable jobs. Running jobs whose lease
	// expired are runnable again.
	Claim(ctx context.Context, lease time.Duration, limit int) ([]*models.ModerationJob, error)
	// Complete and Fail apply only while the job is still running under the
	// given attempt, and return ErrLeaseLost otherwise.
	Complete(ctx context.Context, id string, attempt int) error
	// Fail records the error. A nil retryAt marks the job failed for good.
	Fail(ctx context.Context, id string, attempt int, lastError string, retryAt *time.Time) error
	Stats(ctx context.Context) (*models.QueueStats, error)
}

type jobRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewJobRepository(db *sqlx.DB, logger *zap.Logger) JobRepository {
	return &jobRepository{db: db, logger: logger}
}

const jobColumns = `id, job_type, comment_id, payload, status, attempts, available_at, locked_until,
	last_error, created_at, updated_at`

func (r *jobRepository) Enqueue(ctx context.Context, job *models.ModerationJob) (bool, error) {
	query := `
		INSERT INTO moderation_jobs (id, job_type, comment_id, payload, status, available_at)
		VALUES ($1, $2, $3, $4, 'pending', NOW())
		ON CONFLICT (comment_id) WHERE status IN ('pending', 'running') DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, job.ID, job.JobType, job.CommentID, []byte(job.Payload))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *jobRepository) Claim(ctx context.Context, lease time.Duration, limit int) ([]*models.ModerationJob, error) {
	var jobs []*models.ModerationJob
	query := `
		UPDATE moderation_jobs SET
			status = 'running',
			attempts = attempts + 1,
			locked_until = NOW() + make_interval(secs => $1),
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM moderation_jobs
			WHERE (status = 'pending' AND available_at <= NOW())
			   OR (status = 'running' AND locked_until < NOW())
			ORDER BY available_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	if err := r.db.SelectContext(ctx, &jobs, query, lease.Seconds(), limit); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepository) Complete(ctx context.Context, id string, attempt int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE moderation_jobs SET status = 'done', locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND attempts = $2`, id, attempt)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

func (r *jobRepository) Fail(ctx context.Context, id string, attempt int, lastError string, retryAt *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if retryAt == nil {
		res, err = r.db.ExecContext(ctx, `
			UPDATE moderation_jobs SET status = 'failed', last_error = $3, locked_until = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'running' AND attempts = $2`, id, attempt, lastError)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE moderation_jobs SET status = 'pending', last_error = $3, available_at = $4,
				locked_until = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'running' AND attempts = $2`, id, attempt, lastError, *retryAt)
	}
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

func leaseHeld(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *jobRepository) Stats(ctx context.Context) (*models.QueueStats, error) {
	var stats models.QueueStats
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'running') AS running,
			COUNT(*) FILTER (WHERE status = 'done') AS done,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM moderation_jobs`
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return nil, err
	}
	return &stats, nil
}
