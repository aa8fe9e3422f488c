package syncqueue

import (
	"context"
	"time"
)

// Store persists jobs across four sets: delayed (waiting for RunAt),
// ready (due, ordered by priority), active (leased to a worker) and failed.
type Store interface {
	// Add puts new jobs in the delayed set.
	Add(ctx context.Context, jobs ...Job) error
	// Pop promotes due jobs, leases the best ready job until leaseUntil and
	// returns it. It returns nil when nothing is ready.
	Pop(ctx context.Context, now, leaseUntil time.Time) (*Job, error)
	// Ack removes a finished job.
	Ack(ctx context.Context, job Job) error
	// Retry saves job and moves it from active back to delayed at job.RunAt.
	Retry(ctx context.Context, job Job) error
	// Bury saves job and moves it to the failed set.
	Bury(ctx context.Context, job Job) error
	// RecoverStalled returns jobs whose lease expired before now to delayed.
	RecoverStalled(ctx context.Context, now time.Time) (int, error)
	Counts(ctx context.Context) (Counts, error)
	// Failed lists buried jobs, newest first.
	Failed(ctx context.Context, limit int) ([]Job, error)
}
