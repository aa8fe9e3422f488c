package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"storepulse/internal/apperr"
	"storepulse/internal/logging"
)

type Handler func(ctx context.Context, job Job) error

// DefaultRateLimitWait is used when a rate-limited error carries no hint.
const DefaultRateLimitWait = 5 * time.Minute

type Worker struct {
	Queue       *Queue
	Handlers    map[Kind]Handler
	Concurrency int
	Poll        time.Duration
	// OnBuried runs after a job exhausts its attempts.
	OnBuried func(ctx context.Context, job Job, cause error)
	Log      *logrus.Entry
}

func (w *Worker) logger() *logrus.Entry {
	if w.Log != nil {
		return w.Log
	}
	return logging.Named("meta-worker")
}

// Run polls with Concurrency slots until ctx ends. In-flight jobs finish
// (or are released) before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	n := w.Concurrency
	if n <= 0 {
		n = 1
	}
	poll := w.Poll
	if poll <= 0 {
		poll = time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		slot := i
		g.Go(func() error {
			log := w.logger().WithField("slot", slot)
			for {
				if gctx.Err() != nil {
					return nil
				}
				worked, err := w.RunOnce(gctx)
				if err != nil {
					log.WithError(err).Error("queue poll failed")
				}
				if worked {
					continue
				}
				t := time.NewTimer(poll)
				select {
				case <-gctx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
			}
		})
	}
	return g.Wait()
}

// RunOnce leases and processes at most one job. It reports whether a job
// was found.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.Queue.Next(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.process(ctx, *job)
}

func (w *Worker) process(ctx context.Context, job Job) error {
	log := w.logger().WithFields(logrus.Fields{
		"job_id":     job.ID,
		"kind":       job.Kind,
		"brand_id":   job.BrandID,
		"account_id": job.AccountID,
		"chunk":      job.Chunk,
		"attempt":    job.Attempts + 1,
	})
	// bookkeeping must survive shutdown
	bg := context.WithoutCancel(ctx)

	h, ok := w.Handlers[job.Kind]
	if !ok {
		cause := fmt.Errorf("no handler for job kind %q", job.Kind)
		return w.fail(bg, log, job, cause)
	}

	start := time.Now()
	err := safeCall(ctx, h, job)
	switch {
	case err == nil:
		log.WithField("took", time.Since(start).String()).Info("job done")
		return w.Queue.Complete(bg, job)

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		log.Info("shutting down, releasing job")
		return w.Queue.Release(bg, job)
	}

	if wait, limited := apperr.RetryAfter(err); limited {
		if wait <= 0 {
			wait = DefaultRateLimitWait
		}
		log.WithError(err).WithField("wait", wait.String()).Warn("rate limited, deferring job")
		buried, derr := w.Queue.Defer(bg, job, wait)
		if derr != nil {
			return derr
		}
		if buried {
			w.buried(bg, log, job, err)
		}
		return nil
	}
	return w.fail(bg, log, job, err)
}

func (w *Worker) fail(ctx context.Context, log *logrus.Entry, job Job, cause error) error {
	buried, err := w.Queue.Fail(ctx, job, cause)
	if err != nil {
		return err
	}
	if buried {
		w.buried(ctx, log, job, cause)
		return nil
	}
	log.WithError(cause).Warn("job failed, will retry")
	return nil
}

func (w *Worker) buried(ctx context.Context, log *logrus.Entry, job Job, cause error) {
	log.WithError(cause).Error("job failed permanently")
	if w.OnBuried != nil {
		w.OnBuried(ctx, job, cause)
	}
}

func safeCall(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = fmt.Errorf("panic: %v\n%s", r, buf[:n])
		}
	}()
	return h(ctx, job)
}
