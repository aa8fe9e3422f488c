package syncqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"storepulse/internal/logging"
)

type Options struct {
	MaxAttempts  int
	Backoff      time.Duration // first retry delay, doubled per attempt
	MaxBackoff   time.Duration
	Lease        time.Duration
	MaxDeferrals int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 30 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Hour
	}
	if o.Lease <= 0 {
		o.Lease = 10 * time.Minute
	}
	if o.MaxDeferrals <= 0 {
		o.MaxDeferrals = 50
	}
	return o
}

type Queue struct {
	store Store
	opt   Options
	now   func() time.Time
	log   *logrus.Entry
}

func New(store Store, opt Options) *Queue {
	return &Queue{
		store: store,
		opt:   opt.withDefaults(),
		now:   time.Now,
		log:   logging.Named("syncqueue"),
	}
}

// Backoff is the retry delay after the given number of failed attempts.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.opt.Backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opt.MaxBackoff {
			return q.opt.MaxBackoff
		}
	}
	return d
}

// Enqueue fills in ids and defaults and stores the jobs. The returned slice
// holds the jobs as stored.
func (q *Queue) Enqueue(ctx context.Context, jobs ...Job) ([]Job, error) {
	now := q.now()
	out := make([]Job, len(jobs))
	for i, j := range jobs {
		if j.ID == "" {
			j.ID = uuid.NewString()
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = q.opt.MaxAttempts
		}
		j.Priority = clampPriority(j.Priority)
		out[i] = j
	}
	if err := q.store.Add(ctx, out...); err != nil {
		return nil, err
	}
	q.log.WithField("count", len(out)).Debug("jobs enqueued")
	return out, nil
}

// Next leases the best ready job, or returns nil when none is due.
func (q *Queue) Next(ctx context.Context) (*Job, error) {
	now := q.now()
	return q.store.Pop(ctx, now, now.Add(q.opt.Lease))
}

func (q *Queue) Complete(ctx context.Context, job Job) error {
	return q.store.Ack(ctx, job)
}

// Fail records a failed attempt. The job is retried with exponential
// backoff until MaxAttempts, then buried; buried reports which happened.
func (q *Queue) Fail(ctx context.Context, job Job, cause error) (buried bool, err error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	limit := job.MaxAttempts
	if limit <= 0 {
		limit = q.opt.MaxAttempts
	}
	if job.Attempts >= limit {
		return true, q.store.Bury(ctx, job)
	}
	job.RunAt = q.now().Add(q.Backoff(job.Attempts))
	return false, q.store.Retry(ctx, job)
}

// Defer reschedules a rate-limited job after d without consuming an
// attempt. A job deferred more than MaxDeferrals times counts as failed.
func (q *Queue) Defer(ctx context.Context, job Job, d time.Duration) (buried bool, err error) {
	job.Deferrals++
	if job.Deferrals > q.opt.MaxDeferrals {
		return q.Fail(ctx, job, fmt.Errorf("deferred %d times, last wait %s", job.Deferrals-1, d))
	}
	job.RunAt = q.now().Add(d)
	return false, q.store.Retry(ctx, job)
}

// Release hands a leased job back untouched, used on shutdown.
func (q *Queue) Release(ctx context.Context, job Job) error {
	job.RunAt = q.now()
	return q.store.Retry(ctx, job)
}

func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	n, err := q.store.RecoverStalled(ctx, q.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.WithField("count", n).Warn("recovered stalled jobs")
	}
	return n, nil
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) { return q.store.Counts(ctx) }

func (q *Queue) Failed(ctx context.Context, limit int) ([]Job, error) {
	return q.store.Failed(ctx, limit)
}
