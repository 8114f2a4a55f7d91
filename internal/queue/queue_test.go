package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"safe-replies/internal/models"
	"safe-replies/internal/repository"
	"safe-replies/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(store *testutil.Store, maxAttempts int) *Queue {
	return New(store, Options{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		Lease:        time.Second,
		MaxAttempts:  maxAttempts,
	}, nil, zap.NewNop())
}

func TestEnqueueCommentIsDeduplicated(t *testing.T) {
	store := testutil.NewStore()
	q := newTestQueue(store, 3)
	ctx := context.Background()

	created, err := q.EnqueueComment(ctx, 42, "webhook")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = q.EnqueueComment(ctx, 42, "webhook")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, store.JobCount())
}

func TestProcessNextCompletesJob(t *testing.T) {
	store := testutil.NewStore()
	q := newTestQueue(store, 3)
	ctx := context.Background()

	var got models.ModerationJob
	q.Register(models.JobClassifyComment, func(_ context.Context, job *models.ModerationJob) error {
		got = *job
		return nil
	})

	_, err := q.EnqueueComment(ctx, 7, "backfill")
	require.NoError(t, err)

	processed, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	require.NotNil(t, got.CommentID)
	assert.Equal(t, int64(7), *got.CommentID)
	assert.JSONEq(t, `{"comment_id": 7, "source": "backfill"}`, string(got.Payload))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Done)

	processed, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	// a finished job no longer blocks a new one for the same comment
	created, err := q.EnqueueComment(ctx, 7, "reclassify")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestFailedJobIsRetriedThenMarkedFailed(t *testing.T) {
	store := testutil.NewStore()
	q := newTestQueue(store, 3)
	ctx := context.Background()

	calls := 0
	q.Register(models.JobClassifyComment, func(context.Context, *models.ModerationJob) error {
		calls++
		return errors.New("classifier exploded")
	})

	_, err := q.EnqueueComment(ctx, 1, "webhook")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := q.ProcessNext(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, calls)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	require.NotNil(t, store.Jobs[0].LastError)
	assert.Equal(t, "classifier exploded", *store.Jobs[0].LastError)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	store := testutil.NewStore()
	q := newTestQueue(store, 5)
	ctx := context.Background()

	calls := 0
	q.Register(models.JobClassifyComment, func(context.Context, *models.ModerationJob) error {
		calls++
		return Permanent(errors.New("comment gone"))
	})

	_, err := q.EnqueueComment(ctx, 1, "webhook")
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, models.JobFailed, store.Jobs[0].Status)
}

func TestHandlerPanicIsContained(t *testing.T) {
	store := testutil.NewStore()
	q := newTestQueue(store, 1)
	ctx := context.Background()

	q.Register(models.JobClassifyComment, func(context.Context, *models.ModerationJob) error {
		panic("boom")
	})

	_, err := q.EnqueueComment(ctx, 1, "webhook")
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, store.Jobs[0].Status)
}

func TestRunProcessesEnqueuedJobs(t *testing.T) {
	store := testutil.NewStore()
	q := newTestQueue(store, 3)

	var handled atomic.Int32
	q.Register(models.JobClassifyComment, func(context.Context, *models.ModerationJob) error {
		handled.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	for i := int64(1); i <= 5; i++ {
		_, err := q.EnqueueComment(context.Background(), i, "webhook")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return handled.Load() == 5 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Done)
}

func TestRetryDelayIsExponentialAndCapped(t *testing.T) {
	q := New(testutil.NewStore(), Options{RetryDelay: 10 * time.Second}, nil, zap.NewNop())
	assert.Equal(t, 10*time.Second, q.retryDelay(1))
	assert.Equal(t, 20*time.Second, q.retryDelay(2))
	assert.Equal(t, 40*time.Second, q.retryDelay(3))
	assert.Equal(t, maxRetryDelay, q.retryDelay(30))
}

func TestReclaimedJobIsNotSettledByStaleAttempt(t *testing.T) {
	store := testutil.NewStore()
	q := newTestQueue(store, 3)
	ctx := context.Background()
	now := time.Now()
	store.SetClock(func() time.Time { return now })

	q.Register(models.JobClassifyComment, func(_ context.Context, job *models.ModerationJob) error {
		if job.Attempts == 1 {
			// the lease runs out and another worker picks the job up
			now = now.Add(2 * time.Second)
			reclaimed, err := store.Claim(ctx, time.Second, 1)
			require.NoError(t, err)
			require.Len(t, reclaimed, 1)
			assert.Equal(t, 2, reclaimed[0].Attempts)
		}
		return nil
	})

	_, err := q.EnqueueComment(ctx, 1, "webhook")
	require.NoError(t, err)
	processed, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job := store.Jobs[0]
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, 2, job.Attempts)

	assert.ErrorIs(t, store.Complete(ctx, job.ID, 1), repository.ErrLeaseLost)
	assert.ErrorIs(t, store.Fail(ctx, job.ID, 1, "late", nil), repository.ErrLeaseLost)
	require.NoError(t, store.Complete(ctx, job.ID, 2))
	assert.Equal(t, models.JobDone, job.Status)
	assert.Nil(t, job.LastError)
}

func TestStaleAttemptFailureDoesNotReschedule(t *testing.T) {
	store := testutil.NewStore()
	q := newTestQueue(store, 3)
	ctx := context.Background()
	now := time.Now()
	store.SetClock(func() time.Time { return now })

	q.Register(models.JobClassifyComment, func(context.Context, *models.ModerationJob) error {
		now = now.Add(2 * time.Second)
		_, err := store.Claim(ctx, time.Second, 1)
		require.NoError(t, err)
		return errors.New("platform timeout")
	})

	_, err := q.EnqueueComment(ctx, 1, "webhook")
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)

	job := store.Jobs[0]
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Nil(t, job.LastError)
}

func TestHandlerDeadlineEndsBeforeLease(t *testing.T) {
	store := testutil.NewStore()
	q := newTestQueue(store, 1)
	ctx := context.Background()
	assert.Equal(t, 500*time.Millisecond, q.opts.HandlerTimeout)

	var remaining time.Duration
	q.Register(models.JobClassifyComment, func(hctx context.Context, _ *models.ModerationJob) error {
		deadline, ok := hctx.Deadline()
		require.True(t, ok)
		remaining = time.Until(deadline)
		return nil
	})

	_, err := q.EnqueueComment(ctx, 1, "webhook")
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)

	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, 500*time.Millisecond)
}

func TestHandlerTimeoutIsClampedBelowLease(t *testing.T) {
	q := New(testutil.NewStore(), Options{Lease: time.Minute, HandlerTimeout: 2 * time.Minute}, nil, zap.NewNop())
	assert.Equal(t, 30*time.Second, q.opts.HandlerTimeout)

	q = New(testutil.NewStore(), Options{Lease: time.Minute, HandlerTimeout: 45 * time.Second}, nil, zap.NewNop())
	assert.Equal(t, 45*time.Second, q.opts.HandlerTimeout)
}
