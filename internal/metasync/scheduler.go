package metasync

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Schedule holds the cron expressions (with a leading seconds field) for
// the periodic sync tasks. An empty expression disables that task.
type Schedule struct {
	Incremental    string
	RecoverStalled string
}

// NewScheduler registers the incremental refresh and stalled-job recovery
// on a cron. The caller starts and stops it.
func (s *Service) NewScheduler(ctx context.Context, sched Schedule) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())
	if sched.Incremental != "" {
		if _, err := c.AddFunc(sched.Incremental, func() {
			if _, err := s.EnqueueIncremental(ctx); err != nil {
				s.log().WithError(err).Error("incremental enqueue failed")
			}
		}); err != nil {
			return nil, fmt.Errorf("incremental schedule %q: %w", sched.Incremental, err)
		}
	}
	if sched.RecoverStalled != "" {
		if _, err := c.AddFunc(sched.RecoverStalled, func() {
			n, err := s.Queue.RecoverStalled(ctx)
			if err != nil {
				s.log().WithError(err).Error("stalled job recovery failed")
				return
			}
			counts, err := s.Queue.Counts(ctx)
			if err != nil {
				return
			}
			s.log().WithFields(logrus.Fields{
				"recovered": n,
				"delayed":   counts.Delayed,
				"ready":     counts.Ready,
				"active":    counts.Active,
				"failed":    counts.Failed,
			}).Debug("queue depth")
		}); err != nil {
			return nil, fmt.Errorf("recover schedule %q: %w", sched.RecoverStalled, err)
		}
	}
	return c, nil
}
